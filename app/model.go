package app

import "github.com/google/uuid"

// newEntityID mints identifiers for stored entities and sessions.
func newEntityID() string {
	return uuid.NewString()
}

// NewSessionID mints a session or tab identifier.
func NewSessionID() string {
	return newEntityID()
}

// Realm is an isolated tenant: its own users, clients, and roles. Lifespans
// are in seconds to match session timestamps.
type Realm struct {
	Name string

	// AccessCodeLifespan bounds client-driven actions (code-to-token).
	AccessCodeLifespan int64
	// AccessCodeLifespanLogin bounds the login flow; zero falls back to
	// AccessCodeLifespanUserAction.
	AccessCodeLifespanLogin int64
	// AccessCodeLifespanUserAction bounds required user actions.
	AccessCodeLifespanUserAction int64

	Roles RoleStore
	Users UserStore
}

// Role is a realm or client role. A composite role implies membership in the
// roles listed in Composites, recursively.
type Role struct {
	ID          string
	Name        string
	ClientRole  bool
	ContainerID string
	Composites  []string
}

// RoleStore resolves roles by id.
type RoleStore interface {
	RoleByID(id string) *Role
}

// User is a realm user with directly granted roles.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	RoleIDs      []string
}

// UserStore resolves users by id or username.
type UserStore interface {
	UserByID(id string) *User
	UserByUsername(username string) *User
}

// Mapper sources select where a mapper's claim value comes from.
const (
	MapperSourceStatic      = "static"
	MapperSourceUsername    = "username"
	MapperSourceRedirectURI = "redirect_uri"
)

// ProtocolMapper transforms session state into token claims. Each mapper
// emits one claim drawn from its configured source.
type ProtocolMapper struct {
	ID       string
	Name     string
	Protocol string
	// ClaimName is the claim to emit; empty falls back to Name.
	ClaimName string
	// Source is one of the MapperSource constants.
	Source string
	// Value is the claim value for static mappers.
	Value string
}

// SessionKind selects the codec used to parse and expire a session's code.
type SessionKind int

const (
	// KindLogin is a full authentication-flow session.
	KindLogin SessionKind = iota
	// KindAction is a single user-action session (e.g. reset credentials).
	KindAction
)

// ClientSession is the persisted state of one authentication transaction for
// one client in one browser tab. The (ID, TabID) pair is the store key.
type ClientSession struct {
	ID     string `json:"id"`
	TabID  string `json:"tab_id"`
	Realm  string `json:"realm"`
	Client string `json:"client"`

	// RootSessionID links dependent sessions to their user session so the
	// store can cascade deletes.
	RootSessionID string `json:"root_session_id,omitempty"`

	Kind SessionKind `json:"kind"`

	// Action is the flow step this session currently authorizes. Never
	// empty once the session has been issued.
	Action string `json:"action"`
	// Timestamp is reset on every action change and anchors expiry.
	Timestamp int64 `json:"timestamp"`

	// Nonce is fixed at creation and feeds code derivation.
	Nonce string `json:"nonce"`
	// CodeHash is the SHA-256 of the issued code; empty until a code has
	// been minted.
	CodeHash string `json:"code_hash,omitempty"`

	UserID          string   `json:"user_id,omitempty"`
	RedirectURI     string   `json:"redirect_uri,omitempty"`
	RoleIDs         []string `json:"role_ids,omitempty"`
	ProtocolMappers []string `json:"protocol_mappers,omitempty"`
}

// Key returns the store key for this session.
func (s *ClientSession) Key() SessionKey {
	return SessionKey{ID: s.ID, TabID: s.TabID}
}
