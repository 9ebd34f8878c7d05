package app

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Coordinator reports whether this node is the cluster coordinator. Status
// can change on failover, so callers re-poll rather than caching the answer.
type Coordinator interface {
	IsCoordinator() bool
}

// SessionLoader performs the actual bulk load. Only the coordinator runs
// StartLoading; every node polls Finished.
type SessionLoader interface {
	Finished() bool
	StartLoading(ctx context.Context) error
}

// CacheInitializer populates a distributed cache from the backing store
// exactly once per cluster: a single elected coordinator loads while the
// other nodes sleep-poll until it finishes.
type CacheInitializer struct {
	Coord   Coordinator
	Loader  SessionLoader
	Backoff time.Duration
	Logger  *slog.Logger
}

// NewCacheInitializer wires an initializer with a one-second follower backoff.
func NewCacheInitializer(coord Coordinator, loader SessionLoader, logger *slog.Logger) *CacheInitializer {
	return &CacheInitializer{Coord: coord, Loader: loader, Backoff: time.Second, Logger: logger}
}

// LoadSessions blocks until the load has finished somewhere in the cluster,
// or ctx is cancelled. Load errors on the coordinator are logged and retried
// on the next iteration.
func (ci *CacheInitializer) LoadSessions(ctx context.Context) error {
	for !ci.Loader.Finished() {
		if !ci.Coord.IsCoordinator() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ci.Backoff):
			}
			continue
		}
		if err := ci.Loader.StartLoading(ctx); err != nil {
			ci.logger().Error("cache load failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ci.Backoff):
			}
		}
	}
	return nil
}

func (ci *CacheInitializer) logger() *slog.Logger {
	if ci.Logger == nil {
		return slog.Default()
	}
	return ci.Logger
}

// CachedResourceServer is an immutable projection of a ResourceServer for
// cache storage. Copied on construction; no back-reference to the store.
type CachedResourceServer struct {
	id                            string
	clientID                      string
	allowRemoteResourceManagement bool
	policyEnforcementMode         PolicyEnforcementMode
}

// NewCachedResourceServer copies the live entity.
func NewCachedResourceServer(server *ResourceServer) *CachedResourceServer {
	return &CachedResourceServer{
		id:                            server.ID,
		clientID:                      server.ClientID,
		allowRemoteResourceManagement: server.AllowRemoteResourceManagement,
		policyEnforcementMode:         server.PolicyEnforcementMode,
	}
}

func (c *CachedResourceServer) ID() string       { return c.id }
func (c *CachedResourceServer) ClientID() string { return c.clientID }
func (c *CachedResourceServer) AllowRemoteResourceManagement() bool {
	return c.allowRemoteResourceManagement
}
func (c *CachedResourceServer) PolicyEnforcementMode() PolicyEnforcementMode {
	return c.policyEnforcementMode
}

// AuthzCacheLoader bulk-loads resource-server projections from the store
// factory into an in-memory cache.
type AuthzCacheLoader struct {
	Stores StoreFactory
	Logger *slog.Logger

	mu       sync.RWMutex
	cache    map[string]*CachedResourceServer
	finished bool
}

// NewAuthzCacheLoader constructs an unloaded cache.
func NewAuthzCacheLoader(stores StoreFactory, logger *slog.Logger) *AuthzCacheLoader {
	return &AuthzCacheLoader{Stores: stores, Logger: logger, cache: make(map[string]*CachedResourceServer)}
}

// Finished reports whether the bulk load has completed.
func (l *AuthzCacheLoader) Finished() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finished
}

// StartLoading scans all resource servers and populates the cache.
func (l *AuthzCacheLoader) StartLoading(ctx context.Context) error {
	servers, err := l.Stores.ResourceServers().FindAll()
	if err != nil {
		return err
	}
	loaded := make(map[string]*CachedResourceServer, len(servers))
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return err
		}
		loaded[server.ID] = NewCachedResourceServer(server)
	}

	l.mu.Lock()
	l.cache = loaded
	l.finished = true
	l.mu.Unlock()

	if l.Logger != nil {
		l.Logger.Info("authorization cache loaded", "resource_servers", len(loaded))
	}
	return nil
}

// Get returns the cached projection for a resource server id, or nil.
func (l *AuthzCacheLoader) Get(id string) *CachedResourceServer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache[id]
}
