package app

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// ActionType classifies which realm lifespan bounds a session action.
type ActionType int

const (
	// ActionTypeClient covers client-driven steps such as code-to-token.
	ActionTypeClient ActionType = iota
	// ActionTypeLogin covers the interactive login flow.
	ActionTypeLogin
	// ActionTypeUser covers required user actions (consent, update password).
	ActionTypeUser
)

// ParseResult is the outcome of decoding a session code. Exactly one of the
// flags is set on failure; on success all flags are false and Code is the
// live engine handle.
type ParseResult struct {
	Code    *ClientSessionCode
	Session *ClientSession

	AuthSessionNotFound bool
	IllegalHash         bool
	ExpiredToken        bool
}

// CodeManager parses and validates session codes within a caller-scoped
// store transaction.
type CodeManager struct {
	Clock  Clock
	Logger *slog.Logger
}

// NewCodeManager wires a manager with the production clock.
func NewCodeManager(logger *slog.Logger) *CodeManager {
	return &CodeManager{Clock: WallClock, Logger: logger}
}

// ParseResult decodes code+tabID into a validated session handle. A nil or
// malformed code yields IllegalHash; an unknown code yields
// AuthSessionNotFound; a hash mismatch yields IllegalHash; an out-of-lifespan
// session yields ExpiredToken. Unexpected faults during lookup are logged and
// surfaced as IllegalHash so the flow fails closed instead of crashing.
func (m *CodeManager) ParseResult(tx Tx, realm *Realm, kind SessionKind, code, tabID string) (result ParseResult) {
	if code == "" {
		result.IllegalHash = true
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger().Error("session code parse fault", "realm", realm.Name, "fault", r)
			result = ParseResult{IllegalHash: true}
		}
	}()

	codec := codecFor(kind)
	sess, err := codec.lookup(tx, code, tabID)
	if err != nil {
		// Store faults are indistinguishable from tampering here; log
		// so operators can tell them apart.
		m.logger().Error("session code lookup failed", "realm", realm.Name, "error", err)
		result.IllegalHash = true
		return result
	}
	result.Session = sess
	if sess == nil {
		result.AuthSessionNotFound = true
		return result
	}

	if !codec.verify(code, sess) {
		result.IllegalHash = true
		return result
	}

	if codec.expired(m.Clock, realm, sess) {
		result.ExpiredToken = true
		return result
	}

	result.Code = &ClientSessionCode{
		tx:      tx,
		realm:   realm,
		session: sess,
		clock:   m.Clock,
	}
	return result
}

func (m *CodeManager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// ClientSessionCode is a validated, mutable handle on a client session. It
// gates flow transitions by the realm's configured lifespans.
type ClientSessionCode struct {
	tx      Tx
	realm   *Realm
	session *ClientSession
	clock   Clock
}

// NewClientSessionCode wraps an already-resolved session, e.g. one just
// created by the login endpoint.
func NewClientSessionCode(tx Tx, realm *Realm, sess *ClientSession, clock Clock) *ClientSessionCode {
	return &ClientSessionCode{tx: tx, realm: realm, session: sess, clock: clock}
}

// Session returns the underlying session.
func (c *ClientSessionCode) Session() *ClientSession {
	return c.session
}

// IsValid reports whether the session's current action equals requestedAction
// and is still inside its lifespan.
func (c *ClientSessionCode) IsValid(requestedAction string, actionType ActionType) bool {
	if !c.isValidAction(requestedAction) {
		return false
	}
	return c.IsActionActive(actionType)
}

func (c *ClientSessionCode) isValidAction(requestedAction string) bool {
	action := c.session.Action
	return action != "" && action == requestedAction
}

// IsActionActive reports whether timestamp + lifespan(actionType) is still in
// the future. An unrecognized action type is a programming error.
func (c *ClientSessionCode) IsActionActive(actionType ActionType) bool {
	lifespan := actionLifespan(c.realm, actionType)
	return c.session.Timestamp+lifespan > c.clock.now()
}

func actionLifespan(realm *Realm, actionType ActionType) int64 {
	switch actionType {
	case ActionTypeClient:
		return realm.AccessCodeLifespan
	case ActionTypeLogin:
		if realm.AccessCodeLifespanLogin > 0 {
			return realm.AccessCodeLifespanLogin
		}
		return realm.AccessCodeLifespanUserAction
	case ActionTypeUser:
		return realm.AccessCodeLifespanUserAction
	default:
		panic(fmt.Sprintf("unknown action type %d", actionType))
	}
}

// SetAction advances the flow to action and resets the expiry window.
func (c *ClientSessionCode) SetAction(action string) error {
	c.session.Action = action
	c.session.Timestamp = c.clock.now()
	return c.tx.Put(c.session)
}

// RemoveExpiredClientSession deletes the session from the store. Idempotent.
func (c *ClientSessionCode) RemoveExpiredClientSession() error {
	_, err := c.tx.Delete(c.session.Key())
	return err
}

// GetOrGenerateCode returns the session's single-use code, minting it on
// first call. The code is derived from the session identity and its creation
// nonce, so repeated calls on an unmodified session return the same string.
func (c *ClientSessionCode) GetOrGenerateCode() (string, error) {
	code := deriveCode(c.session)
	if c.session.CodeHash != "" {
		return code, nil
	}
	c.session.CodeHash = hashCode(code)
	if err := c.tx.Put(c.session); err != nil {
		return "", err
	}
	return code, nil
}

// RequestedRoles resolves the session's stored role ids against the realm
// role store. Stale ids are dropped.
func (c *ClientSessionCode) RequestedRoles() []*Role {
	var roles []*Role
	for _, id := range c.session.RoleIDs {
		if role := c.realm.Roles.RoleByID(id); role != nil {
			roles = append(roles, role)
		}
	}
	return roles
}

// RequestedProtocolMappers resolves the session's stored mapper ids against
// the client's registered mappers. Stale ids are dropped.
func (c *ClientSessionCode) RequestedProtocolMappers(byID func(id string) *ProtocolMapper) []*ProtocolMapper {
	var mappers []*ProtocolMapper
	for _, id := range c.session.ProtocolMappers {
		if pm := byID(id); pm != nil {
			mappers = append(mappers, pm)
		}
	}
	return mappers
}

// deriveCode builds "<sessionID>.<sig>" where sig binds session id, tab id,
// and the per-session nonce. Not purely random: re-derivable across retries.
func deriveCode(sess *ClientSession) string {
	sum := sha256.Sum256([]byte(sess.ID + ":" + sess.TabID + ":" + sess.Nonce))
	return sess.ID + "." + hex.EncodeToString(sum[:])
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// sessionCodec abstracts lookup, verification and expiry per session kind.
// Variants are selected by the explicit SessionKind tag.
type sessionCodec interface {
	lookup(tx Tx, code, tabID string) (*ClientSession, error)
	verify(code string, sess *ClientSession) bool
	expired(clock Clock, realm *Realm, sess *ClientSession) bool
}

func codecFor(kind SessionKind) sessionCodec {
	switch kind {
	case KindLogin:
		return loginSessionCodec{}
	case KindAction:
		return actionSessionCodec{}
	default:
		panic(fmt.Sprintf("unknown session kind %d", kind))
	}
}

// splitCode separates "<sessionID>.<sig>". The session id carries the store
// key; the signature is only checked against the stored hash.
func splitCode(code string) (sessionID string, ok bool) {
	idx := strings.IndexByte(code, '.')
	if idx <= 0 || idx == len(code)-1 {
		return "", false
	}
	return code[:idx], true
}

func lookupByCode(tx Tx, code, tabID string) (*ClientSession, error) {
	sessionID, ok := splitCode(code)
	if !ok {
		return nil, nil
	}
	return tx.Get(SessionKey{ID: sessionID, TabID: tabID})
}

func verifyCodeHash(code string, sess *ClientSession) bool {
	return sess.CodeHash != "" && sess.CodeHash == hashCode(code)
}

// loginSessionCodec parses full authentication-flow sessions. Expiry allows
// the widest of the realm's code lifespans, since a login flow spans client,
// login and user-action steps.
type loginSessionCodec struct{}

func (loginSessionCodec) lookup(tx Tx, code, tabID string) (*ClientSession, error) {
	sess, err := lookupByCode(tx, code, tabID)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Kind != KindLogin {
		return nil, nil
	}
	return sess, nil
}

func (loginSessionCodec) verify(code string, sess *ClientSession) bool {
	return verifyCodeHash(code, sess)
}

func (loginSessionCodec) expired(clock Clock, realm *Realm, sess *ClientSession) bool {
	lifespan := realm.AccessCodeLifespan
	if l := actionLifespan(realm, ActionTypeLogin); l > lifespan {
		lifespan = l
	}
	if realm.AccessCodeLifespanUserAction > lifespan {
		lifespan = realm.AccessCodeLifespanUserAction
	}
	return sess.Timestamp+lifespan <= clock.now()
}

// actionSessionCodec parses single user-action sessions, bounded by the
// user-action lifespan alone.
type actionSessionCodec struct{}

func (actionSessionCodec) lookup(tx Tx, code, tabID string) (*ClientSession, error) {
	sess, err := lookupByCode(tx, code, tabID)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Kind != KindAction {
		return nil, nil
	}
	return sess, nil
}

func (actionSessionCodec) verify(code string, sess *ClientSession) bool {
	return verifyCodeHash(code, sess)
}

func (actionSessionCodec) expired(clock Clock, realm *Realm, sess *ClientSession) bool {
	return sess.Timestamp+realm.AccessCodeLifespanUserAction <= clock.now()
}
