package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newRedisFixture(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisStore(mr.Addr(), "", 0)
}

func redisTxFor(t *testing.T, store *RedisStore) Tx {
	t.Helper()
	tx, err := store.CreateTransaction(context.Background())
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}

func TestRedisPutGetRoundTrip(t *testing.T) {
	store := newRedisFixture(t)
	sess := newLoginSession("test", 1000)
	sess.RoleIDs = []string{"r1", "r2"}

	tx := redisTxFor(t, store)
	if err := tx.Put(sess); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := redisTxFor(t, store).Get(sess.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("session missing after commit")
	}
	if got.Action != sess.Action || got.Nonce != sess.Nonce || len(got.RoleIDs) != 2 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestRedisGetMissing(t *testing.T) {
	store := newRedisFixture(t)
	got, err := redisTxFor(t, store).Get(SessionKey{ID: "nope", TabID: "root"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing session, got %+v", got)
	}
}

func TestRedisBuffersUntilCommit(t *testing.T) {
	store := newRedisFixture(t)
	sess := newLoginSession("test", 1000)

	tx := redisTxFor(t, store)
	if err := tx.Put(sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := redisTxFor(t, store).Get(sess.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("uncommitted write visible outside the transaction")
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	got, err = redisTxFor(t, store).Get(sess.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("rolled-back write reached redis")
	}
}

func TestRedisDeleteCascades(t *testing.T) {
	store := newRedisFixture(t)
	root := &ClientSession{ID: "root-1", TabID: "root", Realm: "test", Client: "webapp", Kind: KindLogin}
	tabA := &ClientSession{ID: "root-1", TabID: "tab-a", Realm: "test", Client: "webapp", RootSessionID: "root-1", Kind: KindLogin}
	tabB := &ClientSession{ID: "root-1", TabID: "tab-b", Realm: "test", Client: "webapp", RootSessionID: "root-1", Kind: KindLogin}
	other := &ClientSession{ID: "root-2", TabID: "root", Realm: "test", Client: "webapp", Kind: KindLogin}

	tx := redisTxFor(t, store)
	for _, sess := range []*ClientSession{root, tabA, tabB, other} {
		if err := tx.Put(sess); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = redisTxFor(t, store)
	existed, err := tx.Delete(root.Key())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Fatalf("root session should have existed")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	check := redisTxFor(t, store)
	for _, key := range []SessionKey{root.Key(), tabA.Key(), tabB.Key()} {
		got, err := check.Get(key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != nil {
			t.Fatalf("orphan survived cascade: %+v", key)
		}
	}
	got, err := check.Get(other.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("unrelated session must survive the cascade")
	}
}

func TestRedisDeleteDependentSessionSparesSiblings(t *testing.T) {
	store := newRedisFixture(t)
	root := &ClientSession{ID: "root-1", TabID: "root", Realm: "test", Client: "webapp", Kind: KindLogin}
	tabA := &ClientSession{ID: "root-1", TabID: "tab-a", Realm: "test", Client: "webapp", RootSessionID: "root-1", Kind: KindLogin}
	tabB := &ClientSession{ID: "root-1", TabID: "tab-b", Realm: "test", Client: "webapp", RootSessionID: "root-1", Kind: KindLogin}

	tx := redisTxFor(t, store)
	for _, sess := range []*ClientSession{root, tabA, tabB} {
		if err := tx.Put(sess); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = redisTxFor(t, store)
	existed, err := tx.Delete(tabA.Key())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Fatalf("tab session should have existed")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	check := redisTxFor(t, store)
	if got, err := check.Get(tabA.Key()); err != nil || got != nil {
		t.Fatalf("deleted tab session still present (got=%v err=%v)", got, err)
	}
	for _, key := range []SessionKey{root.Key(), tabB.Key()} {
		got, err := check.Get(key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil {
			t.Fatalf("deleting one tab session removed %+v", key)
		}
	}
}

func TestRedisQueryByRealmIndex(t *testing.T) {
	store := newRedisFixture(t)
	tx := redisTxFor(t, store)
	for _, sess := range []*ClientSession{
		{ID: "s1", TabID: "t1", Realm: "a", Client: "web", Kind: KindLogin},
		{ID: "s2", TabID: "t1", Realm: "a", Client: "cli", Kind: KindLogin},
		{ID: "s3", TabID: "t1", Realm: "b", Client: "web", Kind: KindLogin},
	} {
		if err := tx.Put(sess); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := redisTxFor(t, store).Query(Criteria{Realm: "a"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("realm query returned %d sessions, want 2", len(got))
	}

	got, err = redisTxFor(t, store).Query(Criteria{Realm: "a", Client: "web"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("compound query returned %+v", got)
	}
}

func TestRedisQueryFullScan(t *testing.T) {
	store := newRedisFixture(t)
	tx := redisTxFor(t, store)
	for _, sess := range []*ClientSession{
		{ID: "s1", TabID: "t1", Realm: "a", Client: "web", Kind: KindLogin},
		{ID: "s2", TabID: "t1", Realm: "b", Client: "web", Kind: KindLogin},
	} {
		if err := tx.Put(sess); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := redisTxFor(t, store).Query(Criteria{Client: "web"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scan query returned %d sessions, want 2", len(got))
	}
}

func TestRedisTxDone(t *testing.T) {
	store := newRedisFixture(t)
	tx := redisTxFor(t, store)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Put(newLoginSession("test", 1000)); err != ErrTxDone {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
	if _, err := tx.Get(SessionKey{ID: "x", TabID: "y"}); err != ErrTxDone {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
}
