package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "iamd:session:"
	redisRealmPrefix   = "iamd:realm:"
	redisRootPrefix    = "iamd:root:"
)

// RedisStore is a SessionStore backed by Redis. Sessions are stored as JSON
// blobs with realm and root-session index sets so queries and cascading
// deletes avoid full scans.
type RedisStore struct {
	Addr     string
	Password string
	DB       int

	// The client is a shared factory resource, initialized lazily under a
	// double-checked lock so concurrent first requests build it once.
	mu     sync.Mutex
	client *redis.Client
}

// NewRedisStore configures a store; the connection is established lazily.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{Addr: addr, Password: password, DB: db}
}

func (s *RedisStore) getClient() *redis.Client {
	if c := s.loadClient(); c != nil {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
	}
	return s.client
}

func (s *RedisStore) loadClient() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// CreateTransaction begins a buffered transaction. Reads are read-committed
// against Redis; writes apply atomically in one pipeline on commit.
func (s *RedisStore) CreateTransaction(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &redisTx{
		ctx:     ctx,
		client:  s.getClient(),
		puts:    make(map[SessionKey]*ClientSession),
		deletes: make(map[SessionKey]*ClientSession),
	}, nil
}

type redisTx struct {
	ctx    context.Context
	client *redis.Client
	// deletes remembers the session value so commit can clean its indexes.
	puts    map[SessionKey]*ClientSession
	deletes map[SessionKey]*ClientSession
	done    bool
}

func sessionDataKey(key SessionKey) string {
	return redisSessionPrefix + key.ID + ":" + key.TabID
}

func memberFor(key SessionKey) string {
	return key.ID + "|" + key.TabID
}

func keyFromMember(member string) (SessionKey, bool) {
	idx := strings.IndexByte(member, '|')
	if idx < 0 {
		return SessionKey{}, false
	}
	return SessionKey{ID: member[:idx], TabID: member[idx+1:]}, true
}

func (tx *redisTx) Get(key SessionKey) (*ClientSession, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if _, ok := tx.deletes[key]; ok {
		return nil, nil
	}
	if sess, ok := tx.puts[key]; ok {
		return cloneSession(sess), nil
	}
	raw, err := tx.client.Get(tx.ctx, sessionDataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess ClientSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key.ID, err)
	}
	return &sess, nil
}

func (tx *redisTx) Put(sess *ClientSession) error {
	if tx.done {
		return ErrTxDone
	}
	key := sess.Key()
	delete(tx.deletes, key)
	tx.puts[key] = cloneSession(sess)
	return nil
}

func (tx *redisTx) Delete(key SessionKey) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	sess, err := tx.Get(key)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	// Root sessions cascade to their dependents first, in the same
	// transaction; dependent sessions delete alone.
	if sess.RootSessionID == "" {
		if _, err := tx.DeleteMatching(Criteria{RootSessionID: key.ID}); err != nil {
			return false, err
		}
	}
	delete(tx.puts, key)
	tx.deletes[key] = sess
	return true, nil
}

func (tx *redisTx) Query(c Criteria) ([]*ClientSession, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	keys, err := tx.candidateKeys(c)
	if err != nil {
		return nil, err
	}

	var out []*ClientSession
	seen := make(map[SessionKey]struct{})
	for key, sess := range tx.puts {
		seen[key] = struct{}{}
		if c.matches(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := tx.deletes[key]; ok {
			continue
		}
		sess, err := tx.Get(key)
		if err != nil {
			return nil, err
		}
		if sess != nil && c.matches(sess) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// candidateKeys narrows the search through an index set when the criteria
// allow, falling back to a prefix scan.
func (tx *redisTx) candidateKeys(c Criteria) ([]SessionKey, error) {
	var members []string
	var err error
	switch {
	case c.RootSessionID != "":
		members, err = tx.client.SMembers(tx.ctx, redisRootPrefix+c.RootSessionID).Result()
	case c.Realm != "":
		members, err = tx.client.SMembers(tx.ctx, redisRealmPrefix+c.Realm).Result()
	default:
		var dataKeys []string
		dataKeys, err = tx.client.Keys(tx.ctx, redisSessionPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan sessions: %w", err)
		}
		keys := make([]SessionKey, 0, len(dataKeys))
		for _, dk := range dataKeys {
			rest := strings.TrimPrefix(dk, redisSessionPrefix)
			if key, ok := keyFromMember(strings.Replace(rest, ":", "|", 1)); ok {
				keys = append(keys, key)
			}
		}
		return keys, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis read index: %w", err)
	}
	keys := make([]SessionKey, 0, len(members))
	for _, m := range members {
		if key, ok := keyFromMember(m); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (tx *redisTx) DeleteMatching(c Criteria) (int, error) {
	matched, err := tx.Query(c)
	if err != nil {
		return 0, err
	}
	for _, sess := range matched {
		key := sess.Key()
		delete(tx.puts, key)
		tx.deletes[key] = sess
	}
	return len(matched), nil
}

func (tx *redisTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	pipe := tx.client.TxPipeline()
	for key, sess := range tx.deletes {
		pipe.Del(tx.ctx, sessionDataKey(key))
		pipe.SRem(tx.ctx, redisRealmPrefix+sess.Realm, memberFor(key))
		if sess.RootSessionID != "" {
			pipe.SRem(tx.ctx, redisRootPrefix+sess.RootSessionID, memberFor(key))
		}
	}
	for key, sess := range tx.puts {
		raw, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", sess.ID, err)
		}
		pipe.Set(tx.ctx, sessionDataKey(key), raw, 0)
		pipe.SAdd(tx.ctx, redisRealmPrefix+sess.Realm, memberFor(key))
		if sess.RootSessionID != "" {
			pipe.SAdd(tx.ctx, redisRootPrefix+sess.RootSessionID, memberFor(key))
		}
	}
	if _, err := pipe.Exec(tx.ctx); err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func (tx *redisTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.puts = nil
	tx.deletes = nil
	return nil
}
