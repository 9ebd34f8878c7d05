package server

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"iamd/app"
)

// Client records registered client metadata.
type Client struct {
	ClientID     string
	RedirectURIs []string
	mappers      map[string]*app.ProtocolMapper
	mapperIDs    []string
}

// MapperByID resolves a protocol mapper registered on this client.
func (c *Client) MapperByID(id string) *app.ProtocolMapper {
	return c.mappers[id]
}

// MapperIDs lists the client's mapper ids in configuration order. New
// sessions record these so token minting resolves the mappers that were
// registered when the login began.
func (c *Client) MapperIDs() []string {
	return append([]string(nil), c.mapperIDs...)
}

// Realm is the runtime view of one configured tenant: role and user
// registries, client registry, and the populated authorization stores.
type Realm struct {
	Model  *app.Realm
	Stores *app.MemoryStoreFactory

	roles       map[string]*app.Role
	rolesByName map[string]*app.Role
	users       map[string]*app.User
	usersByName map[string]*app.User
	clients     map[string]*Client
}

// RoleByID implements app.RoleStore.
func (r *Realm) RoleByID(id string) *app.Role { return r.roles[id] }

// UserByID implements app.UserStore.
func (r *Realm) UserByID(id string) *app.User { return r.users[id] }

// UserByUsername implements app.UserStore.
func (r *Realm) UserByUsername(username string) *app.User { return r.usersByName[username] }

// RoleByName resolves a role by its configured name.
func (r *Realm) RoleByName(name string) *app.Role { return r.rolesByName[name] }

// ClientByID resolves a registered client.
func (r *Realm) ClientByID(id string) *Client { return r.clients[id] }

// BuildRealm materializes a configured realm: registries, authorization
// stores, and eager policy-graph validation.
func BuildRealm(cfg RealmConfig, logger *slog.Logger) (*Realm, error) {
	clientLifespan, loginLifespan, userLifespan := cfg.lifespans()

	realm := &Realm{
		Stores:      app.NewMemoryStoreFactory(),
		roles:       make(map[string]*app.Role),
		rolesByName: make(map[string]*app.Role),
		users:       make(map[string]*app.User),
		usersByName: make(map[string]*app.User),
		clients:     make(map[string]*Client),
	}
	realm.Model = &app.Realm{
		Name:                         cfg.Name,
		AccessCodeLifespan:           clientLifespan,
		AccessCodeLifespanLogin:      loginLifespan,
		AccessCodeLifespanUserAction: userLifespan,
		Roles:                        realm,
		Users:                        realm,
	}

	for _, rc := range cfg.Roles {
		role := &app.Role{
			ID:          cfg.Name + "/" + rc.Name,
			Name:        rc.Name,
			ContainerID: cfg.Name,
		}
		realm.roles[role.ID] = role
		realm.rolesByName[role.Name] = role
	}
	// Composites resolve by name after every role exists.
	roleIDs := make([]string, 0, len(cfg.Roles))
	for _, rc := range cfg.Roles {
		role := realm.rolesByName[rc.Name]
		for _, sub := range rc.Composites {
			role.Composites = append(role.Composites, realm.rolesByName[sub].ID)
		}
		roleIDs = append(roleIDs, role.ID)
	}
	// Expanding every role up front surfaces composite cycles at startup
	// instead of on the first evaluation that touches them.
	if _, err := app.ExpandRoles(realm, roleIDs); err != nil {
		return nil, fmt.Errorf("realm %q: %w", cfg.Name, err)
	}

	for _, uc := range cfg.Users {
		user := &app.User{
			ID:           cfg.Name + "/users/" + uc.Username,
			Username:     uc.Username,
			PasswordHash: uc.PasswordHash,
		}
		for _, roleName := range uc.Roles {
			user.RoleIDs = append(user.RoleIDs, realm.rolesByName[roleName].ID)
		}
		realm.users[user.ID] = user
		realm.usersByName[user.Username] = user
	}

	for _, cc := range cfg.Clients {
		client := &Client{
			ClientID:     cc.ClientID,
			RedirectURIs: append([]string(nil), cc.RedirectURIs...),
			mappers:      make(map[string]*app.ProtocolMapper),
		}
		for _, mc := range cc.Mappers {
			source := mc.Source
			if source == "" {
				source = app.MapperSourceStatic
			}
			pm := &app.ProtocolMapper{
				ID:        cc.ClientID + "/mappers/" + mc.Name,
				Name:      mc.Name,
				Protocol:  mc.Protocol,
				ClaimName: mc.Claim,
				Source:    source,
				Value:     mc.Value,
			}
			client.mappers[pm.ID] = pm
			client.mapperIDs = append(client.mapperIDs, pm.ID)
		}
		realm.clients[client.ClientID] = client
	}

	evaluator := app.NewEvaluator(realm.Stores, realm, realm, logger)
	for _, rsc := range cfg.ResourceServers {
		if err := realm.buildResourceServer(rsc); err != nil {
			return nil, fmt.Errorf("resource server %q: %w", rsc.ClientID, err)
		}
		if err := evaluator.ValidateGraph(rsc.ClientID); err != nil {
			return nil, fmt.Errorf("resource server %q: %w", rsc.ClientID, err)
		}
	}

	return realm, nil
}

func (r *Realm) buildResourceServer(cfg ResourceServerConfig) error {
	server, err := r.Stores.ResourceServers().Create(cfg.ClientID)
	if err != nil {
		return err
	}
	server.AllowRemoteResourceManagement = cfg.AllowRemoteManagement
	server.PolicyEnforcementMode = enforcementMode(cfg.PolicyEnforcementMode)

	scopeIDs := make(map[string]string)
	for _, name := range cfg.Scopes {
		scope, err := r.Stores.Scopes().Create(name, server.ID)
		if err != nil {
			return err
		}
		scopeIDs[name] = scope.ID
	}

	resourceIDs := make(map[string]string)
	for _, res := range cfg.Resources {
		resource, err := r.Stores.Resources().Create(res.Name, server.ID, server.ClientID)
		if err != nil {
			return err
		}
		for _, scopeName := range res.Scopes {
			id, ok := scopeIDs[scopeName]
			if !ok {
				return fmt.Errorf("resource %q references unknown scope %q", res.Name, scopeName)
			}
			resource.ScopeIDs = append(resource.ScopeIDs, id)
		}
		resourceIDs[res.Name] = resource.ID
	}

	policyIDs := make(map[string]string)
	for _, pc := range cfg.Policies {
		id, err := r.buildPolicy(server.ID, pc, resourceIDs, scopeIDs, policyIDs)
		if err != nil {
			return err
		}
		policyIDs[pc.Name] = id
	}
	for _, pc := range cfg.Permissions {
		if _, err := r.buildPolicy(server.ID, pc, resourceIDs, scopeIDs, policyIDs); err != nil {
			return err
		}
	}
	return nil
}

func (r *Realm) buildPolicy(serverID string, cfg PolicyConfig, resourceIDs, scopeIDs, policyIDs map[string]string) (string, error) {
	typ := cfg.Type
	if typ == "" {
		typ = "role"
		if len(cfg.ApplyPolicies) > 0 {
			typ = "scope"
		}
	}
	policy, err := r.Stores.Policies().Create(cfg.Name, typ, serverID)
	if err != nil {
		return "", err
	}
	policy.DecisionStrategy = decisionStrategy(cfg.DecisionStrategy)
	policy.Logic = app.Positive
	if cfg.Logic == "negative" {
		policy.Logic = app.Negative
	}

	if typ == "role" {
		defs := make([]map[string]any, 0, len(cfg.Roles))
		for _, ref := range cfg.Roles {
			role := r.rolesByName[ref.Role]
			if role == nil {
				return "", fmt.Errorf("policy %q references unknown role %q", cfg.Name, ref.Role)
			}
			defs = append(defs, map[string]any{"id": role.ID, "required": ref.Required})
		}
		raw, err := json.Marshal(defs)
		if err != nil {
			return "", err
		}
		policy.Config = map[string]string{"roles": string(raw)}
	}

	for _, name := range cfg.Resources {
		id, ok := resourceIDs[name]
		if !ok {
			return "", fmt.Errorf("policy %q references unknown resource %q", cfg.Name, name)
		}
		policy.ResourceIDs = append(policy.ResourceIDs, id)
	}
	for _, name := range cfg.Scopes {
		id, ok := scopeIDs[name]
		if !ok {
			return "", fmt.Errorf("policy %q references unknown scope %q", cfg.Name, name)
		}
		policy.ScopeIDs = append(policy.ScopeIDs, id)
	}
	for _, name := range cfg.ApplyPolicies {
		id, ok := policyIDs[name]
		if !ok {
			return "", fmt.Errorf("policy %q applies unknown policy %q", cfg.Name, name)
		}
		policy.AssociatedPolicyIDs = append(policy.AssociatedPolicyIDs, id)
	}

	return policy.ID, nil
}

func enforcementMode(v string) app.PolicyEnforcementMode {
	switch v {
	case "permissive":
		return app.Permissive
	case "disabled":
		return app.Disabled
	default:
		return app.Enforcing
	}
}

func decisionStrategy(v string) app.DecisionStrategy {
	switch v {
	case "affirmative":
		return app.Affirmative
	case "consensus":
		return app.Consensus
	default:
		return app.Unanimous
	}
}
