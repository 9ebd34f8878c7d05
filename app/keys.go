package app

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// PublicKeyLocator resolves signing keys by key id, refreshing from a remote
// JWKS endpoint at most once per MinInterval. The last-request timestamp is
// process-wide state: zero-initialized, never torn down.
type PublicKeyLocator struct {
	JWKSURL string
	// MinInterval is the floor between remote fetches, in seconds.
	MinInterval int64
	Client      *http.Client
	Clock       Clock
	Logger      *slog.Logger

	cacheMu sync.RWMutex
	keys    map[string]crypto.PublicKey

	// fetchMu guards the double-checked interval test so only one caller
	// performs the remote fetch. lastRequestTime is read outside the lock
	// for the first check, hence atomic.
	fetchMu         sync.Mutex
	lastRequestTime atomic.Int64
}

// NewPublicKeyLocator constructs a locator with a bounded-timeout client.
func NewPublicKeyLocator(jwksURL string, minInterval int64, logger *slog.Logger) *PublicKeyLocator {
	return &PublicKeyLocator{
		JWKSURL:     jwksURL,
		MinInterval: minInterval,
		Client:      &http.Client{Timeout: 10 * time.Second},
		Clock:       WallClock,
		Logger:      logger,
	}
}

// PublicKey returns the key for kid, fetching the remote key set if the kid
// is unknown and the rate limit allows. Returns nil for an unknown kid; the
// caller treats that as a verification failure, not a fault.
func (l *PublicKeyLocator) PublicKey(ctx context.Context, kid string) crypto.PublicKey {
	if key := l.cached(kid); key != nil {
		return key
	}

	currentTime := l.Clock.now()
	if currentTime > l.lastRequestTime.Load()+l.MinInterval {
		l.fetchMu.Lock()
		currentTime = l.Clock.now()
		if currentTime > l.lastRequestTime.Load()+l.MinInterval {
			l.fetch(ctx)
			l.lastRequestTime.Store(currentTime)
		} else {
			l.logger().Debug("skipping jwks request inside rate-limit interval", "last_request_time", l.lastRequestTime.Load())
		}
		l.fetchMu.Unlock()
	}

	return l.cached(kid)
}

func (l *PublicKeyLocator) cached(kid string) crypto.PublicKey {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	return l.keys[kid]
}

// fetch replaces the whole cached key set on success. Failures are logged and
// swallowed; the previous (possibly stale) cache stays in place.
func (l *PublicKeyLocator) fetch(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.JWKSURL, nil)
	if err != nil {
		l.logger().Error("jwks request build failed", "url", l.JWKSURL, "error", err)
		return
	}
	resp, err := l.client().Do(req)
	if err != nil {
		l.logger().Error("jwks fetch failed", "url", l.JWKSURL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		l.logger().Error("jwks fetch failed", "url", l.JWKSURL, "error", fmt.Errorf("status %s", resp.Status))
		return
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		l.logger().Error("jwks decode failed", "url", l.JWKSURL, "error", err)
		return
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if k.KeyID == "" {
			continue
		}
		keys[k.KeyID] = k.Key
	}

	l.cacheMu.Lock()
	l.keys = keys
	l.cacheMu.Unlock()

	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	l.logger().Debug("realm public keys refreshed", "kids", kids)
}

func (l *PublicKeyLocator) client() *http.Client {
	if l.Client == nil {
		return http.DefaultClient
	}
	return l.Client
}

func (l *PublicKeyLocator) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
