package app

import (
	"context"
	"errors"
	"sync"
)

// ErrTxDone is returned when a transaction is used after commit or rollback.
var ErrTxDone = errors.New("transaction already finished")

// SessionKey identifies a client session in the store.
type SessionKey struct {
	ID    string
	TabID string
}

// Criteria selects sessions for Query and DeleteMatching. Zero-valued fields
// match anything.
type Criteria struct {
	Realm         string
	Client        string
	RootSessionID string
}

func (c Criteria) matches(s *ClientSession) bool {
	if c.Realm != "" && s.Realm != c.Realm {
		return false
	}
	if c.Client != "" && s.Client != c.Client {
		return false
	}
	if c.RootSessionID != "" && s.RootSessionID != c.RootSessionID {
		return false
	}
	return true
}

// Tx is a transaction over the session store. Reads observe writes buffered
// in the same transaction; nothing is visible to other transactions until
// Commit.
type Tx interface {
	// Get returns the session for key, or nil if absent.
	Get(key SessionKey) (*ClientSession, error)
	// Put stores or replaces a session.
	Put(sess *ClientSession) error
	// Delete removes a session. Deleting a root session cascades to the
	// sessions rooted at it; deleting a dependent session removes only
	// that session. Reports whether the keyed session existed.
	Delete(key SessionKey) (bool, error)
	// Query returns sessions matching the criteria.
	Query(c Criteria) ([]*ClientSession, error)
	// DeleteMatching removes all sessions matching the criteria and
	// returns how many were removed.
	DeleteMatching(c Criteria) (int, error)

	Commit() error
	Rollback() error
}

// SessionStore hands out per-request transactions over session state.
type SessionStore interface {
	CreateTransaction(ctx context.Context) (Tx, error)
}

// MemoryStore is the in-process SessionStore. Transactions buffer writes and
// apply them atomically under one lock on commit.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[SessionKey]*ClientSession
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[SessionKey]*ClientSession)}
}

// CreateTransaction begins a buffered transaction.
func (s *MemoryStore) CreateTransaction(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{
		store:   s,
		puts:    make(map[SessionKey]*ClientSession),
		deletes: make(map[SessionKey]struct{}),
	}, nil
}

type memoryTx struct {
	store   *MemoryStore
	puts    map[SessionKey]*ClientSession
	deletes map[SessionKey]struct{}
	done    bool
}

func (tx *memoryTx) Get(key SessionKey) (*ClientSession, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if _, ok := tx.deletes[key]; ok {
		return nil, nil
	}
	if sess, ok := tx.puts[key]; ok {
		return cloneSession(sess), nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if sess, ok := tx.store.sessions[key]; ok {
		return cloneSession(sess), nil
	}
	return nil, nil
}

func (tx *memoryTx) Put(sess *ClientSession) error {
	if tx.done {
		return ErrTxDone
	}
	key := sess.Key()
	delete(tx.deletes, key)
	tx.puts[key] = cloneSession(sess)
	return nil
}

// Delete removes the keyed session. When the session is a root (it has no
// RootSessionID of its own), every session rooted at it is removed first,
// inside the same transaction. Dependent sessions delete alone, so consuming
// one tab session leaves its siblings untouched.
func (tx *memoryTx) Delete(key SessionKey) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	sess, err := tx.Get(key)
	if err != nil {
		return false, err
	}
	if sess != nil && sess.RootSessionID == "" {
		if _, err := tx.DeleteMatching(Criteria{RootSessionID: key.ID}); err != nil {
			return false, err
		}
	}
	delete(tx.puts, key)
	tx.deletes[key] = struct{}{}
	return sess != nil, nil
}

func (tx *memoryTx) Query(c Criteria) ([]*ClientSession, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	var out []*ClientSession
	seen := make(map[SessionKey]struct{})
	for key, sess := range tx.puts {
		seen[key] = struct{}{}
		if c.matches(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for key, sess := range tx.store.sessions {
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := tx.deletes[key]; ok {
			continue
		}
		if c.matches(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (tx *memoryTx) DeleteMatching(c Criteria) (int, error) {
	matched, err := tx.Query(c)
	if err != nil {
		return 0, err
	}
	for _, sess := range matched {
		key := sess.Key()
		delete(tx.puts, key)
		tx.deletes[key] = struct{}{}
	}
	return len(matched), nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for key := range tx.deletes {
		delete(tx.store.sessions, key)
	}
	for key, sess := range tx.puts {
		tx.store.sessions[key] = sess
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.puts = nil
	tx.deletes = nil
	return nil
}

func cloneSession(s *ClientSession) *ClientSession {
	out := *s
	if s.RoleIDs != nil {
		out.RoleIDs = append([]string(nil), s.RoleIDs...)
	}
	if s.ProtocolMappers != nil {
		out.ProtocolMappers = append([]string(nil), s.ProtocolMappers...)
	}
	return &out
}
