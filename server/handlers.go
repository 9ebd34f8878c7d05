package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"iamd/app"
)

// Flow actions. A session authorizes exactly one action at a time.
const (
	ActionAuthenticate = "AUTHENTICATE"
	ActionCodeToToken  = "CODE_TO_TOKEN"
)

// rootTabID keys the root session of an authentication transaction; tab
// sessions share its ID and point back via RootSessionID.
const rootTabID = "root"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Store   app.SessionStore
	Codes   *app.CodeManager
	Tokens  *app.TokenService
	Locator *app.PublicKeyLocator

	realms map[string]*Realm
	authz  map[string]*app.AuthzCacheLoader
}

// staticCoordinator is the single-node coordinator check; clustered
// deployments plug a transport-backed implementation.
type staticCoordinator bool

func (c staticCoordinator) IsCoordinator() bool { return bool(c) }

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var store app.SessionStore
	switch cfg.Storage.Backend {
	case "redis":
		store = app.NewRedisStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
	default:
		store = app.NewMemoryStore()
	}

	tokens, err := app.NewTokenService(cfg.Server.PublicURL, cfg.Tokens.AccessTTL, logger)
	if err != nil {
		return nil, err
	}

	realms := make(map[string]*Realm, len(cfg.Realms))
	for _, rc := range cfg.Realms {
		realm, err := BuildRealm(rc, logger)
		if err != nil {
			return nil, err
		}
		realms[rc.Name] = realm
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Codes:  app.NewCodeManager(logger),
		Tokens: tokens,
		realms: realms,
		authz:  make(map[string]*app.AuthzCacheLoader, len(realms)),
	}

	if cfg.Keys.TrustedJWKSURL != "" {
		a.Locator = app.NewPublicKeyLocator(cfg.Keys.TrustedJWKSURL, cfg.Keys.MinRefreshSeconds, logger)
	}

	return a, nil
}

// WarmCaches runs the coordinator-elected bulk load for every realm's
// authorization cache. Blocks until loaded or ctx is cancelled.
func (a *App) WarmCaches(ctx context.Context) error {
	backoff := time.Duration(a.Config.Cluster.BackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = DefaultClusterBackoff
	}
	for name, realm := range a.realms {
		loader := app.NewAuthzCacheLoader(realm.Stores, a.Logger)
		init := app.NewCacheInitializer(staticCoordinator(a.Config.Cluster.Coordinator), loader, a.Logger)
		init.Backoff = backoff
		if err := init.LoadSessions(ctx); err != nil {
			return err
		}
		a.authz[name] = loader
		a.Logger.Info("realm caches warm", "realm", name)
	}
	return nil
}

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/realms/{realm}/.well-known/jwks.json", a.handleJWKS)

	r.Get("/realms/{realm}/auth", a.handleAuthStart)
	r.Post("/realms/{realm}/login", a.handleLogin)
	r.Post("/realms/{realm}/token", a.handleToken)
	r.Delete("/realms/{realm}/sessions/{session}", a.handleLogout)

	r.Group(func(g chi.Router) {
		if a.Locator != nil {
			g.Use(BearerAuthMiddleware(a.Locator))
		}
		g.Post("/realms/{realm}/authz/evaluate", a.handleEvaluate)
	})

	return r
}

func (a *App) realm(r *http.Request) *Realm {
	return a.realms[chi.URLParam(r, "realm")]
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if a.realm(r) == nil {
		writeError(w, http.StatusNotFound, "realm_not_found", "unknown realm")
		return
	}
	writeJSON(w, http.StatusOK, a.Tokens.PublicJWKS())
}

// handleAuthStart opens a login transaction: a root session plus a tab-bound
// login session whose code the user agent carries through the flow.
func (a *App) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	realm := a.realm(r)
	if realm == nil {
		writeError(w, http.StatusNotFound, "realm_not_found", "unknown realm")
		return
	}
	clientID := r.URL.Query().Get("client_id")
	client := realm.ClientByID(clientID)
	if client == nil {
		writeError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI != "" && !slices.Contains(client.RedirectURIs, redirectURI) {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered")
		return
	}

	tx, err := a.Store.CreateTransaction(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again")
		return
	}
	defer func() { _ = tx.Rollback() }()

	now := a.Codes.Clock()
	rootID := app.NewSessionID()
	tabID := app.NewSessionID()

	root := &app.ClientSession{
		ID:        rootID,
		TabID:     rootTabID,
		Realm:     realm.Model.Name,
		Client:    clientID,
		Kind:      app.KindLogin,
		Action:    ActionAuthenticate,
		Timestamp: now,
		Nonce:     app.NewSessionID(),
	}
	login := &app.ClientSession{
		ID:              rootID,
		TabID:           tabID,
		Realm:           realm.Model.Name,
		Client:          clientID,
		RootSessionID:   rootID,
		Kind:            app.KindLogin,
		Action:          ActionAuthenticate,
		Timestamp:       now,
		Nonce:           app.NewSessionID(),
		RedirectURI:     redirectURI,
		ProtocolMappers: client.MapperIDs(),
	}
	if err := tx.Put(root); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session create failed")
		return
	}

	code, err := app.NewClientSessionCode(tx, realm.Model, login, a.Codes.Clock).GetOrGenerateCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "code mint failed")
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session commit failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": rootID,
		"tab_id":     tabID,
		"code":       code,
	})
}

// handleLogin authenticates the pending session and advances the flow to the
// code-to-token step. The code itself is unchanged; only the action moves.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	realm := a.realm(r)
	if realm == nil {
		writeError(w, http.StatusNotFound, "realm_not_found", "unknown realm")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	tx, err := a.Store.CreateTransaction(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again")
		return
	}
	defer func() { _ = tx.Rollback() }()

	result := a.Codes.ParseResult(tx, realm.Model, app.KindLogin, r.PostFormValue("code"), r.PostFormValue("tab_id"))
	if !a.checkParseResult(w, tx, result) {
		return
	}

	if !result.Code.IsValid(ActionAuthenticate, app.ActionTypeLogin) {
		a.rejectStaleSession(w, tx, result.Code)
		return
	}

	user := realm.UserByUsername(r.PostFormValue("username"))
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(r.PostFormValue("password"))) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_grant", "invalid credentials")
		return
	}

	sess := result.Code.Session()
	sess.UserID = user.ID
	sess.RoleIDs = append([]string(nil), user.RoleIDs...)
	if err := result.Code.SetAction(ActionCodeToToken); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session update failed")
		return
	}
	code, err := result.Code.GetOrGenerateCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "code mint failed")
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session commit failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"code":   code,
		"tab_id": sess.TabID,
	})
}

// handleToken exchanges a consumed-exactly-once code for an access token.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	realm := a.realm(r)
	if realm == nil {
		writeError(w, http.StatusNotFound, "realm_not_found", "unknown realm")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	tx, err := a.Store.CreateTransaction(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again")
		return
	}
	defer func() { _ = tx.Rollback() }()

	result := a.Codes.ParseResult(tx, realm.Model, app.KindLogin, r.PostFormValue("code"), r.PostFormValue("tab_id"))
	if !a.checkParseResult(w, tx, result) {
		return
	}

	sess := result.Session
	if clientID := r.PostFormValue("client_id"); clientID != sess.Client {
		writeError(w, http.StatusBadRequest, "invalid_grant", "code issued to another client")
		return
	}
	if !result.Code.IsValid(ActionCodeToToken, app.ActionTypeClient) {
		a.rejectStaleSession(w, tx, result.Code)
		return
	}

	roleNames := make([]string, 0, len(sess.RoleIDs))
	for _, role := range result.Code.RequestedRoles() {
		roleNames = append(roleNames, role.Name)
	}

	var extra map[string]any
	if client := realm.ClientByID(sess.Client); client != nil {
		username := ""
		if user := realm.UserByID(sess.UserID); user != nil {
			username = user.Username
		}
		mappers := result.Code.RequestedProtocolMappers(client.MapperByID)
		extra = app.ApplyProtocolMappers(mappers, sess, username)
	}

	token, err := a.Tokens.Mint(realm.Model.Name, sess.UserID, sess.Client, roleNames, extra)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "token mint failed")
		return
	}

	// Consume: the code is single-use.
	if _, err := tx.Delete(sess.Key()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session consume failed")
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session commit failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(a.Tokens.AccessTTL().Seconds()),
	})
}

// handleLogout removes a root session; dependent tab sessions cascade.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	realm := a.realm(r)
	if realm == nil {
		writeError(w, http.StatusNotFound, "realm_not_found", "unknown realm")
		return
	}

	tx, err := a.Store.CreateTransaction(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again")
		return
	}
	defer func() { _ = tx.Rollback() }()

	existed, err := tx.Delete(app.SessionKey{ID: chi.URLParam(r, "session"), TabID: rootTabID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session delete failed")
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "session commit failed")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "session_not_found", "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type evaluateRequest struct {
	UserID           string `json:"user_id"`
	ResourceServerID string `json:"resource_server_id"`
	Permissions      []struct {
		Resource string `json:"resource"`
		Scope    string `json:"scope"`
	} `json:"permissions"`
}

type evaluateResponse struct {
	Results []evaluateResult `json:"results"`
}

type evaluateResult struct {
	Resource string   `json:"resource"`
	Scope    string   `json:"scope"`
	Effect   string   `json:"effect"`
	Policies []string `json:"policies,omitempty"`
}

// handleEvaluate runs the policy engine for a batch of permissions.
func (a *App) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	realm := a.realm(r)
	if realm == nil {
		writeError(w, http.StatusNotFound, "realm_not_found", "unknown realm")
		return
	}

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}

	// Reject unknown resource servers against the warm cache before touching
	// the stores.
	if cache := a.authz[realm.Model.Name]; cache != nil && cache.Finished() {
		if cache.Get(req.ResourceServerID) == nil {
			writeError(w, http.StatusNotFound, "resource_server_not_found", "unknown resource server")
			return
		}
	}

	evalReq := app.EvaluationRequest{
		UserID:           req.UserID,
		ResourceServerID: req.ResourceServerID,
	}
	for _, p := range req.Permissions {
		evalReq.Permissions = append(evalReq.Permissions, app.PermissionRequest{
			ResourceName: p.Resource,
			ScopeName:    p.Scope,
		})
	}

	evaluator := app.NewEvaluator(realm.Stores, realm, realm, a.Logger)
	decisions, err := evaluator.Evaluate(r.Context(), evalReq)
	if err != nil {
		var cfgErr *app.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusInternalServerError, "configuration_error", cfgErr.Error())
			return
		}
		// Store faults are retryable; the request fails, access is not
		// silently permitted.
		writeError(w, http.StatusServiceUnavailable, "evaluation_unavailable", err.Error())
		return
	}

	resp := evaluateResponse{Results: make([]evaluateResult, 0, len(decisions))}
	for _, d := range decisions {
		resp.Results = append(resp.Results, evaluateResult{
			Resource: d.ResourceName,
			Scope:    d.ScopeName,
			Effect:   d.Effect.String(),
			Policies: d.PoliciesApplied,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkParseResult translates parse flags into HTTP errors. Returns true when
// the flow may proceed.
func (a *App) checkParseResult(w http.ResponseWriter, tx app.Tx, result app.ParseResult) bool {
	switch {
	case result.IllegalHash:
		writeError(w, http.StatusBadRequest, "invalid_grant", "invalid code")
	case result.AuthSessionNotFound:
		writeError(w, http.StatusBadRequest, "invalid_grant", "session not found")
	case result.ExpiredToken:
		if result.Session != nil {
			if _, err := tx.Delete(result.Session.Key()); err == nil {
				_ = tx.Commit()
			}
		}
		writeError(w, http.StatusBadRequest, "expired_token", "code expired, restart the flow")
	default:
		return true
	}
	return false
}

// rejectStaleSession handles a parseable but invalid session: wrong action or
// out-of-lifespan for the requested action type.
func (a *App) rejectStaleSession(w http.ResponseWriter, tx app.Tx, code *app.ClientSessionCode) {
	if !code.IsActionActive(app.ActionTypeClient) && !code.IsActionActive(app.ActionTypeUser) {
		if err := code.RemoveExpiredClientSession(); err == nil {
			_ = tx.Commit()
		}
	}
	writeError(w, http.StatusBadRequest, "invalid_grant", "code not valid for requested action")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
