package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DecisionStrategy combines child policy outcomes into one.
type DecisionStrategy int

const (
	// Affirmative permits if at least one child permits.
	Affirmative DecisionStrategy = iota
	// Unanimous permits only if every child permits.
	Unanimous
	// Consensus permits if permits strictly outnumber denies.
	Consensus
)

func (d DecisionStrategy) String() string {
	switch d {
	case Affirmative:
		return "AFFIRMATIVE"
	case Unanimous:
		return "UNANIMOUS"
	case Consensus:
		return "CONSENSUS"
	default:
		return fmt.Sprintf("DecisionStrategy(%d)", int(d))
	}
}

// Logic optionally inverts a policy's raw outcome.
type Logic int

const (
	Positive Logic = iota
	Negative
)

// PolicyEnforcementMode controls how a resource server treats requests with
// no applicable policies.
type PolicyEnforcementMode int

const (
	// Enforcing denies when no policy applies.
	Enforcing PolicyEnforcementMode = iota
	// Permissive permits when no policy applies.
	Permissive
	// Disabled permits everything without evaluation.
	Disabled
)

// Effect is the final outcome for one requested permission.
type Effect int

const (
	Deny Effect = iota
	Permit
)

func (e Effect) String() string {
	if e == Permit {
		return "PERMIT"
	}
	return "DENY"
}

// ResourceServer is a client enrolled for authorization services.
type ResourceServer struct {
	ID                            string
	ClientID                      string
	AllowRemoteResourceManagement bool
	PolicyEnforcementMode         PolicyEnforcementMode
}

// Resource is a protected object owned by a resource server.
type Resource struct {
	ID               string
	Name             string
	ResourceServerID string
	OwnerID          string
	ScopeIDs         []string
}

// Scope is a named permission granularity.
type Scope struct {
	ID               string
	Name             string
	ResourceServerID string
}

// Policy is a named rule. Role policies read their role list from Config;
// permission policies reference resources, scopes and sub-policies, forming
// a DAG that must not cycle.
type Policy struct {
	ID               string
	Name             string
	Type             string
	ResourceServerID string
	DecisionStrategy DecisionStrategy
	Logic            Logic
	Config           map[string]string

	ResourceIDs         []string
	ScopeIDs            []string
	AssociatedPolicyIDs []string
}

// Store interfaces per entity. Lookups return nil (no error) for unknown ids.

type ResourceServerStore interface {
	Create(clientID string) (*ResourceServer, error)
	FindByID(id string) (*ResourceServer, error)
	FindAll() ([]*ResourceServer, error)
}

type ResourceStore interface {
	Create(name, resourceServerID, ownerID string) (*Resource, error)
	FindByID(id string) (*Resource, error)
	FindByName(resourceServerID, name string) (*Resource, error)
}

type ScopeStore interface {
	Create(name, resourceServerID string) (*Scope, error)
	FindByID(id string) (*Scope, error)
	FindByName(resourceServerID, name string) (*Scope, error)
}

type PolicyStore interface {
	Create(name, typ, resourceServerID string) (*Policy, error)
	FindByID(id string) (*Policy, error)
	FindByResource(resourceServerID, resourceID string) ([]*Policy, error)
	FindByScope(resourceServerID, scopeID string) ([]*Policy, error)
	FindByResourceServer(resourceServerID string) ([]*Policy, error)
}

// StoreFactory groups the authorization entity stores.
type StoreFactory interface {
	ResourceServers() ResourceServerStore
	Resources() ResourceStore
	Scopes() ScopeStore
	Policies() PolicyStore
}

// EvaluationRequest asks for decisions on (resource, scope) pairs for one
// user under one resource server.
type EvaluationRequest struct {
	UserID           string
	ResourceServerID string
	Permissions      []PermissionRequest
}

// PermissionRequest names one (resource, scope) pair.
type PermissionRequest struct {
	ResourceName string
	ScopeName    string
}

// PermissionDecision is the effect for one requested permission, with the
// policies that contributed for audit.
type PermissionDecision struct {
	ResourceName    string
	ScopeName       string
	Effect          Effect
	PoliciesApplied []string
}

// ConfigError reports invalid policy or role configuration. Configuration
// errors never default to PERMIT.
type ConfigError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("authorization config error: %s %s: %s", e.Entity, e.ID, e.Reason)
}

// Evaluator decides access by combining role and scope policies.
type Evaluator struct {
	Stores StoreFactory
	Roles  RoleStore
	Users  UserStore
	Logger *slog.Logger
}

// NewEvaluator wires an evaluator.
func NewEvaluator(stores StoreFactory, roles RoleStore, users UserStore, logger *slog.Logger) *Evaluator {
	return &Evaluator{Stores: stores, Roles: roles, Users: users, Logger: logger}
}

// ValidateGraph eagerly rejects invalid configuration for a resource server:
// empty child sets under a decision strategy, dangling policy references, and
// cycles in the policy DAG.
func (e *Evaluator) ValidateGraph(resourceServerID string) error {
	policies, err := e.Stores.Policies().FindByResourceServer(resourceServerID)
	if err != nil {
		return err
	}
	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	for _, p := range policies {
		if err := e.validatePolicy(p, state); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) validatePolicy(p *Policy, state map[string]int) error {
	switch state[p.ID] {
	case 1:
		return &ConfigError{Entity: "policy", ID: p.ID, Reason: "cyclic policy reference"}
	case 2:
		return nil
	}
	state[p.ID] = 1
	defer func() { state[p.ID] = 2 }()

	if isAggregatePolicy(p.Type) {
		if len(p.AssociatedPolicyIDs) == 0 {
			return &ConfigError{Entity: "policy", ID: p.ID, Reason: "no associated policies for decision strategy " + p.DecisionStrategy.String()}
		}
		for _, childID := range p.AssociatedPolicyIDs {
			child, err := e.Stores.Policies().FindByID(childID)
			if err != nil {
				return err
			}
			if child == nil {
				return &ConfigError{Entity: "policy", ID: p.ID, Reason: "references unknown policy " + childID}
			}
			if err := e.validatePolicy(child, state); err != nil {
				return err
			}
		}
	}
	if p.Type == "role" {
		defs, err := rolePolicyDefs(p)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return &ConfigError{Entity: "policy", ID: p.ID, Reason: "role policy lists no roles"}
		}
	}
	return nil
}

// Evaluate produces one decision per requested permission. Missing resources,
// scopes or policy references deny that permission; store faults abort the
// whole request as retryable.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) ([]PermissionDecision, error) {
	server, err := e.Stores.ResourceServers().FindByID(req.ResourceServerID)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, fmt.Errorf("resource server %s not found", req.ResourceServerID)
	}

	userRoles, err := e.effectiveRoles(req.UserID)
	if err != nil {
		return nil, err
	}

	decisions := make([]PermissionDecision, 0, len(req.Permissions))
	for _, perm := range req.Permissions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision, err := e.evaluatePermission(server, perm, userRoles)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

func (e *Evaluator) evaluatePermission(server *ResourceServer, perm PermissionRequest, userRoles map[string]struct{}) (PermissionDecision, error) {
	decision := PermissionDecision{ResourceName: perm.ResourceName, ScopeName: perm.ScopeName, Effect: Deny}

	if server.PolicyEnforcementMode == Disabled {
		decision.Effect = Permit
		return decision, nil
	}

	resource, err := e.Stores.Resources().FindByName(server.ID, perm.ResourceName)
	if err != nil {
		return decision, err
	}
	scope, err := e.Stores.Scopes().FindByName(server.ID, perm.ScopeName)
	if err != nil {
		return decision, err
	}
	if resource == nil || scope == nil {
		e.logger().Warn("permission references unknown resource or scope",
			"resource_server", server.ID, "resource", perm.ResourceName, "scope", perm.ScopeName)
		return decision, nil
	}

	applicable, err := e.applicablePolicies(server.ID, resource.ID, scope.ID)
	if err != nil {
		return decision, err
	}
	if len(applicable) == 0 {
		if server.PolicyEnforcementMode == Permissive {
			decision.Effect = Permit
		}
		return decision, nil
	}

	// Permissions are grants: any applicable permission policy that
	// permits grants the requested pair.
	granted := false
	for _, p := range applicable {
		outcome, err := e.evaluatePolicy(p, userRoles, make(map[string]int))
		if err != nil {
			return decision, err
		}
		decision.PoliciesApplied = append(decision.PoliciesApplied, p.Name)
		if outcome {
			granted = true
		}
	}
	if granted {
		decision.Effect = Permit
	}
	return decision, nil
}

// applicablePolicies gathers permission policies attached to the resource,
// to the scope, or to neither (server-wide).
func (e *Evaluator) applicablePolicies(serverID, resourceID, scopeID string) ([]*Policy, error) {
	byResource, err := e.Stores.Policies().FindByResource(serverID, resourceID)
	if err != nil {
		return nil, err
	}
	byScope, err := e.Stores.Policies().FindByScope(serverID, scopeID)
	if err != nil {
		return nil, err
	}
	all, err := e.Stores.Policies().FindByResourceServer(serverID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []*Policy
	add := func(p *Policy) {
		if !isAggregatePolicy(p.Type) {
			return
		}
		if _, ok := seen[p.ID]; ok {
			return
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	for _, p := range byResource {
		add(p)
	}
	for _, p := range byScope {
		add(p)
	}
	for _, p := range all {
		if len(p.ResourceIDs) == 0 && len(p.ScopeIDs) == 0 {
			add(p)
		}
	}
	return out, nil
}

// evaluatePolicy returns the policy's boolean outcome after applying logic.
// The stack map guards against cyclic policy graphs that slipped past setup.
func (e *Evaluator) evaluatePolicy(p *Policy, userRoles map[string]struct{}, stack map[string]int) (bool, error) {
	if stack[p.ID] == 1 {
		return false, &ConfigError{Entity: "policy", ID: p.ID, Reason: "cyclic policy reference"}
	}
	stack[p.ID] = 1
	defer func() { stack[p.ID] = 2 }()

	var raw bool
	switch {
	case p.Type == "role":
		outcome, err := e.evaluateRolePolicy(p, userRoles)
		if err != nil {
			return false, err
		}
		raw = outcome
	case isAggregatePolicy(p.Type):
		if len(p.AssociatedPolicyIDs) == 0 {
			return false, &ConfigError{Entity: "policy", ID: p.ID, Reason: "no associated policies for decision strategy " + p.DecisionStrategy.String()}
		}
		var outcomes []bool
		for _, childID := range p.AssociatedPolicyIDs {
			child, err := e.Stores.Policies().FindByID(childID)
			if err != nil {
				return false, err
			}
			if child == nil {
				e.logger().Warn("policy references unknown sub-policy", "policy", p.ID, "missing", childID)
				outcomes = append(outcomes, false)
				continue
			}
			outcome, err := e.evaluatePolicy(child, userRoles, stack)
			if err != nil {
				return false, err
			}
			outcomes = append(outcomes, outcome)
		}
		raw = combine(p.DecisionStrategy, outcomes)
	default:
		e.logger().Warn("unknown policy type, denying", "policy", p.ID, "type", p.Type)
		raw = false
	}

	if p.Logic == Negative {
		raw = !raw
	}
	return raw, nil
}

type roleDef struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
}

func rolePolicyDefs(p *Policy) ([]roleDef, error) {
	rawCfg := p.Config["roles"]
	if rawCfg == "" {
		return nil, nil
	}
	var defs []roleDef
	if err := json.Unmarshal([]byte(rawCfg), &defs); err != nil {
		return nil, &ConfigError{Entity: "policy", ID: p.ID, Reason: "malformed roles config: " + err.Error()}
	}
	return defs, nil
}

// evaluateRolePolicy permits iff the user holds every required role and, when
// optional roles are listed, at least one of them.
func (e *Evaluator) evaluateRolePolicy(p *Policy, userRoles map[string]struct{}) (bool, error) {
	defs, err := rolePolicyDefs(p)
	if err != nil {
		return false, err
	}

	hasOptional := false
	optionalHeld := false
	for _, def := range defs {
		_, held := userRoles[def.ID]
		if def.Required {
			if !held {
				return false, nil
			}
			continue
		}
		hasOptional = true
		if held {
			optionalHeld = true
		}
	}
	if hasOptional && !optionalHeld {
		return false, nil
	}
	return true, nil
}

// combine applies a decision strategy to child outcomes. Callers guarantee a
// non-empty set; setup validation rejects empty child sets.
func combine(strategy DecisionStrategy, outcomes []bool) bool {
	permits, denies := 0, 0
	for _, o := range outcomes {
		if o {
			permits++
		} else {
			denies++
		}
	}
	switch strategy {
	case Unanimous:
		return denies == 0 && permits > 0
	case Affirmative:
		return permits > 0
	case Consensus:
		return permits > denies
	default:
		panic(fmt.Sprintf("unknown decision strategy %d", strategy))
	}
}

func isAggregatePolicy(typ string) bool {
	return typ == "scope" || typ == "resource" || typ == "aggregate"
}

// effectiveRoles expands the user's granted roles through composites.
func (e *Evaluator) effectiveRoles(userID string) (map[string]struct{}, error) {
	user := e.Users.UserByID(userID)
	if user == nil {
		return map[string]struct{}{}, nil
	}
	return ExpandRoles(e.Roles, user.RoleIDs)
}

// ExpandRoles computes the transitive closure of roles-contains-roles with
// explicit cycle detection. A back-edge raises a ConfigError instead of
// recursing forever; diamond-shaped sharing is legal.
func ExpandRoles(store RoleStore, ids []string) (map[string]struct{}, error) {
	closure := make(map[string]struct{})
	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return &ConfigError{Entity: "role", ID: id, Reason: "cyclic composite role"}
		case 2:
			return nil
		}
		role := store.RoleByID(id)
		if role == nil {
			// Stale grant; drop silently like requested-role resolution.
			state[id] = 2
			return nil
		}
		state[id] = 1
		closure[id] = struct{}{}
		for _, sub := range role.Composites {
			if err := visit(sub); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return closure, nil
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// MemoryStoreFactory is the config-loaded, in-memory StoreFactory.
type MemoryStoreFactory struct {
	mu      sync.RWMutex
	servers map[string]*ResourceServer
	res     map[string]*Resource
	scopes  map[string]*Scope
	pols    map[string]*Policy
}

// NewMemoryStoreFactory constructs an empty factory.
func NewMemoryStoreFactory() *MemoryStoreFactory {
	return &MemoryStoreFactory{
		servers: make(map[string]*ResourceServer),
		res:     make(map[string]*Resource),
		scopes:  make(map[string]*Scope),
		pols:    make(map[string]*Policy),
	}
}

func (f *MemoryStoreFactory) ResourceServers() ResourceServerStore { return (*memServerStore)(f) }
func (f *MemoryStoreFactory) Resources() ResourceStore             { return (*memResourceStore)(f) }
func (f *MemoryStoreFactory) Scopes() ScopeStore                   { return (*memScopeStore)(f) }
func (f *MemoryStoreFactory) Policies() PolicyStore                { return (*memPolicyStore)(f) }

// RemoveResourceServer cascades removal of a server and everything it owns.
func (f *MemoryStoreFactory) RemoveResourceServer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, id)
	for rid, r := range f.res {
		if r.ResourceServerID == id {
			delete(f.res, rid)
		}
	}
	for sid, s := range f.scopes {
		if s.ResourceServerID == id {
			delete(f.scopes, sid)
		}
	}
	for pid, p := range f.pols {
		if p.ResourceServerID == id {
			delete(f.pols, pid)
		}
	}
}

type memServerStore MemoryStoreFactory

func (s *memServerStore) Create(clientID string) (*ResourceServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	server := &ResourceServer{ID: clientID, ClientID: clientID, PolicyEnforcementMode: Enforcing}
	s.servers[server.ID] = server
	return server, nil
}

func (s *memServerStore) FindByID(id string) (*ResourceServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[id], nil
}

func (s *memServerStore) FindAll() ([]*ResourceServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ResourceServer, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	return out, nil
}

type memResourceStore MemoryStoreFactory

func (s *memResourceStore) Create(name, resourceServerID, ownerID string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Resource{ID: newEntityID(), Name: name, ResourceServerID: resourceServerID, OwnerID: ownerID}
	s.res[r.ID] = r
	return r, nil
}

func (s *memResourceStore) FindByID(id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.res[id], nil
}

func (s *memResourceStore) FindByName(resourceServerID, name string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.res {
		if r.ResourceServerID == resourceServerID && r.Name == name {
			return r, nil
		}
	}
	return nil, nil
}

type memScopeStore MemoryStoreFactory

func (s *memScopeStore) Create(name, resourceServerID string) (*Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := &Scope{ID: newEntityID(), Name: name, ResourceServerID: resourceServerID}
	s.scopes[sc.ID] = sc
	return sc, nil
}

func (s *memScopeStore) FindByID(id string) (*Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scopes[id], nil
}

func (s *memScopeStore) FindByName(resourceServerID, name string) (*Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.scopes {
		if sc.ResourceServerID == resourceServerID && sc.Name == name {
			return sc, nil
		}
	}
	return nil, nil
}

type memPolicyStore MemoryStoreFactory

func (s *memPolicyStore) Create(name, typ, resourceServerID string) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Policy{ID: newEntityID(), Name: name, Type: typ, ResourceServerID: resourceServerID, DecisionStrategy: Unanimous, Logic: Positive}
	s.pols[p.ID] = p
	return p, nil
}

func (s *memPolicyStore) FindByID(id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pols[id], nil
}

func (s *memPolicyStore) FindByResource(resourceServerID, resourceID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.pols {
		if p.ResourceServerID != resourceServerID {
			continue
		}
		for _, rid := range p.ResourceIDs {
			if rid == resourceID {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (s *memPolicyStore) FindByScope(resourceServerID, scopeID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.pols {
		if p.ResourceServerID != resourceServerID {
			continue
		}
		for _, sid := range p.ScopeIDs {
			if sid == scopeID {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (s *memPolicyStore) FindByResourceServer(resourceServerID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.pols {
		if p.ResourceServerID == resourceServerID {
			out = append(out, p)
		}
	}
	return out, nil
}
