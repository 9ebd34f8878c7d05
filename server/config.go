package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded defaults
const (
	DefaultAccessTTL                    = 10 * time.Minute
	DefaultAccessCodeLifespan           = int64(60)
	DefaultAccessCodeLifespanUserAction = int64(300)
	DefaultKeyRefreshInterval           = int64(10)
	DefaultClusterBackoff               = time.Second
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Keys    KeysConfig    `yaml:"keys"`
	Cluster ClusterConfig `yaml:"cluster"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Realms  []RealmConfig `yaml:"realms"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// KeysConfig configures verification of caller tokens on protected endpoints.
type KeysConfig struct {
	// TrustedJWKSURL, when set, turns on bearer-token verification using
	// keys fetched from this endpoint.
	TrustedJWKSURL string `yaml:"trusted_jwks_url"`
	// MinRefreshSeconds is the floor between JWKS fetches.
	MinRefreshSeconds int64 `yaml:"min_refresh_seconds"`
}

// ClusterConfig configures coordinator-driven cache warm-up.
type ClusterConfig struct {
	Coordinator    bool  `yaml:"coordinator"`
	BackoffSeconds int64 `yaml:"backoff_seconds"`
}

// TokensConfig controls minted token lifetimes.
type TokensConfig struct {
	AccessTTL time.Duration `yaml:"access_ttl"`
}

// RealmConfig declares one tenant: lifespans, roles, users, clients, and
// resource servers.
type RealmConfig struct {
	Name string `yaml:"name"`

	// Lifespans are in seconds.
	AccessCodeLifespan           int64 `yaml:"access_code_lifespan"`
	AccessCodeLifespanLogin      int64 `yaml:"access_code_lifespan_login"`
	AccessCodeLifespanUserAction int64 `yaml:"access_code_lifespan_user_action"`

	Roles           []RoleConfig           `yaml:"roles"`
	Users           []UserConfig           `yaml:"users"`
	Clients         []ClientConfig         `yaml:"clients"`
	ResourceServers []ResourceServerConfig `yaml:"resource_servers"`
}

// RoleConfig declares a realm role; composites reference other roles by name.
type RoleConfig struct {
	Name       string   `yaml:"name"`
	Composites []string `yaml:"composites"`
}

// UserConfig declares a user with a bcrypt password hash and role grants.
type UserConfig struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

// ClientConfig describes a registered client application.
type ClientConfig struct {
	ClientID     string         `yaml:"client_id"`
	RedirectURIs []string       `yaml:"redirect_uris"`
	Mappers      []MapperConfig `yaml:"mappers"`
}

// MapperConfig declares a protocol mapper on a client. Source selects the
// claim value: "static" (uses value), "username" or "redirect_uri". An empty
// source defaults to "static". Claim defaults to the mapper name.
type MapperConfig struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`
	Claim    string `yaml:"claim"`
	Source   string `yaml:"source"`
	Value    string `yaml:"value"`
}

// ResourceServerConfig enrolls a client for authorization services.
type ResourceServerConfig struct {
	ClientID              string           `yaml:"client_id"`
	PolicyEnforcementMode string           `yaml:"policy_enforcement_mode"` // enforcing|permissive|disabled
	AllowRemoteManagement bool             `yaml:"allow_remote_management"`
	Scopes                []string         `yaml:"scopes"`
	Resources             []ResourceConfig `yaml:"resources"`
	Policies              []PolicyConfig   `yaml:"policies"`
	Permissions           []PolicyConfig   `yaml:"permissions"`
}

// ResourceConfig declares a protected resource and the scopes it carries.
type ResourceConfig struct {
	Name   string   `yaml:"name"`
	Scopes []string `yaml:"scopes"`
}

// PolicyConfig declares a policy or permission. Role policies list roles;
// permissions reference resources, scopes and the policies they apply.
type PolicyConfig struct {
	Name             string           `yaml:"name"`
	Type             string           `yaml:"type"` // role|scope|resource|aggregate
	Logic            string           `yaml:"logic"`
	DecisionStrategy string           `yaml:"decision_strategy"`
	Roles            []PolicyRoleRef  `yaml:"roles"`
	Resources        []string         `yaml:"resources"`
	Scopes           []string         `yaml:"scopes"`
	ApplyPolicies    []string         `yaml:"apply_policies"`
}

// PolicyRoleRef names one role in a role policy.
type PolicyRoleRef struct {
	Role     string `yaml:"role"`
	Required bool   `yaml:"required"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the configuration template.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Storage: StorageConfig{Backend: "memory"},
		Keys:    KeysConfig{MinRefreshSeconds: DefaultKeyRefreshInterval},
		Cluster: ClusterConfig{Coordinator: true, BackoffSeconds: 1},
		Tokens:  TokensConfig{AccessTTL: DefaultAccessTTL},
		Realms: []RealmConfig{{
			Name: "master",
			Clients: []ClientConfig{{
				ClientID:     "webapp",
				RedirectURIs: []string{"http://127.0.0.1:3000/callback"},
			}},
		}},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"IAMD_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"IAMD_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"IAMD_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"IAMD_STORAGE_BACKEND":        func(v string) { cfg.Storage.Backend = v },
		"IAMD_STORAGE_REDIS_ADDR":     func(v string) { cfg.Storage.RedisAddr = v },
		"IAMD_KEYS_TRUSTED_JWKS_URL":  func(v string) { cfg.Keys.TrustedJWKSURL = v },
		"IAMD_CLUSTER_COORDINATOR":    func(v string) { cfg.Cluster.Coordinator = parseBool(v, cfg.Cluster.Coordinator) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'memory' or 'redis', got: %s", c.Storage.Backend)
	}

	if c.Keys.MinRefreshSeconds < 0 {
		return errors.New("keys.min_refresh_seconds must not be negative")
	}
	if c.Tokens.AccessTTL < 0 {
		return errors.New("tokens.access_ttl must not be negative")
	}

	if len(c.Realms) == 0 {
		slog.Error("No realms configured")
		return errors.New("at least one realm must be configured")
	}

	seenRealms := make(map[string]bool)
	for i, realm := range c.Realms {
		if realm.Name == "" {
			return fmt.Errorf("realms[%d]: name is required", i)
		}
		if seenRealms[realm.Name] {
			return fmt.Errorf("realms[%d]: duplicate realm name %q", i, realm.Name)
		}
		seenRealms[realm.Name] = true
		if err := realm.validate(); err != nil {
			return fmt.Errorf("realm %q: %w", realm.Name, err)
		}
	}

	return nil
}

func (r RealmConfig) validate() error {
	if r.AccessCodeLifespan < 0 || r.AccessCodeLifespanLogin < 0 || r.AccessCodeLifespanUserAction < 0 {
		return errors.New("code lifespans must not be negative")
	}

	roles := make(map[string]bool)
	for _, role := range r.Roles {
		if role.Name == "" {
			return errors.New("role name is required")
		}
		if roles[role.Name] {
			return fmt.Errorf("duplicate role %q", role.Name)
		}
		roles[role.Name] = true
	}
	for _, role := range r.Roles {
		for _, sub := range role.Composites {
			if !roles[sub] {
				return fmt.Errorf("role %q composes unknown role %q", role.Name, sub)
			}
		}
	}

	users := make(map[string]bool)
	for _, user := range r.Users {
		if user.Username == "" {
			return errors.New("username is required")
		}
		if users[user.Username] {
			return fmt.Errorf("duplicate user %q", user.Username)
		}
		users[user.Username] = true
		for _, roleName := range user.Roles {
			if !roles[roleName] {
				return fmt.Errorf("user %q granted unknown role %q", user.Username, roleName)
			}
		}
	}

	clients := make(map[string]bool)
	for _, client := range r.Clients {
		if client.ClientID == "" {
			return errors.New("client_id is required")
		}
		if clients[client.ClientID] {
			return fmt.Errorf("duplicate client %q", client.ClientID)
		}
		clients[client.ClientID] = true

		mapperNames := make(map[string]bool)
		for _, mapper := range client.Mappers {
			if mapper.Name == "" {
				return fmt.Errorf("client %q: mapper name is required", client.ClientID)
			}
			if mapperNames[mapper.Name] {
				return fmt.Errorf("client %q: duplicate mapper %q", client.ClientID, mapper.Name)
			}
			mapperNames[mapper.Name] = true
			switch mapper.Source {
			case "", "static", "username", "redirect_uri":
			default:
				return fmt.Errorf("client %q: mapper %q has unknown source %q", client.ClientID, mapper.Name, mapper.Source)
			}
		}
	}

	for _, rs := range r.ResourceServers {
		if !clients[rs.ClientID] {
			return fmt.Errorf("resource server enrolls unknown client %q", rs.ClientID)
		}
		switch rs.PolicyEnforcementMode {
		case "", "enforcing", "permissive", "disabled":
		default:
			return fmt.Errorf("resource server %q: unknown policy_enforcement_mode %q", rs.ClientID, rs.PolicyEnforcementMode)
		}
	}

	return nil
}

// Lifespans resolved against defaults.
func (r RealmConfig) lifespans() (client, login, user int64) {
	client = r.AccessCodeLifespan
	if client == 0 {
		client = DefaultAccessCodeLifespan
	}
	login = r.AccessCodeLifespanLogin
	user = r.AccessCodeLifespanUserAction
	if user == 0 {
		user = DefaultAccessCodeLifespanUserAction
	}
	return client, login, user
}
