package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  public_url: http://127.0.0.1:8080
  dev_mode: true
realms:
  - name: master
    clients:
      - client_id: webapp
        redirect_uris: ["http://127.0.0.1:3000/callback"]
`

func TestLoadConfigMinimal(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("default backend = %q", cfg.Storage.Backend)
	}
	if cfg.Tokens.AccessTTL != DefaultAccessTTL {
		t.Fatalf("default access ttl = %v", cfg.Tokens.AccessTTL)
	}
	if cfg.Keys.MinRefreshSeconds != DefaultKeyRefreshInterval {
		t.Fatalf("default refresh interval = %d", cfg.Keys.MinRefreshSeconds)
	}
	if !cfg.Cluster.Coordinator {
		t.Fatalf("single node should default to coordinator")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+"\nbogus_key: true\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown config key")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("IAMD_SERVER_PUBLIC_URL", "https://iam.example.com")
	t.Setenv("IAMD_STORAGE_BACKEND", "redis")
	t.Setenv("IAMD_STORAGE_REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://iam.example.com" {
		t.Fatalf("public url override not applied: %q", cfg.Server.PublicURL)
	}
	if cfg.Storage.Backend != "redis" || cfg.Storage.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("storage override not applied: %+v", cfg.Storage)
	}
}

func TestValidateRequiresRealm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty realms")
	}
}

func TestValidateRedisNeedsAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for redis backend without address")
	}
}

func TestValidateProductionNeedsDomains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for production mode without TLS domains")
	}
}

func TestValidateRejectsUnknownCompositeRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms[0].Roles = []RoleConfig{{Name: "admin", Composites: []string{"missing"}}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected composite role error, got %v", err)
	}
}

func TestValidateRejectsDuplicateRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms[0].Roles = []RoleConfig{{Name: "admin"}, {Name: "admin"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate role error")
	}
}

func TestValidateRejectsUnknownUserRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms[0].Users = []UserConfig{{Username: "alice", Roles: []string{"ghost"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown user role error")
	}
}

func TestValidateRejectsResourceServerForUnknownClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms[0].ResourceServers = []ResourceServerConfig{{ClientID: "ghost"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown resource server client error")
	}
}

func TestValidateRejectsBadMapperSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms[0].Clients[0].Mappers = []MapperConfig{{Name: "username", Source: "ldap"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "source") {
		t.Fatalf("expected mapper source error, got %v", err)
	}
}

func TestValidateRejectsBadEnforcementMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms[0].ResourceServers = []ResourceServerConfig{{ClientID: "webapp", PolicyEnforcementMode: "lenient"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected enforcement mode error")
	}
}

func TestLifespanDefaults(t *testing.T) {
	rc := RealmConfig{Name: "r"}
	client, login, user := rc.lifespans()
	if client != DefaultAccessCodeLifespan {
		t.Fatalf("client lifespan = %d", client)
	}
	if login != 0 {
		t.Fatalf("login lifespan should stay zero to fall back at runtime, got %d", login)
	}
	if user != DefaultAccessCodeLifespanUserAction {
		t.Fatalf("user lifespan = %d", user)
	}

	rc = RealmConfig{Name: "r", AccessCodeLifespan: 5, AccessCodeLifespanLogin: 7, AccessCodeLifespanUserAction: 9}
	client, login, user = rc.lifespans()
	if client != 5 || login != 7 || user != 9 {
		t.Fatalf("explicit lifespans not honored: %d %d %d", client, login, user)
	}
}

func TestValidateNegativeTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tokens.AccessTTL = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative ttl")
	}
}
