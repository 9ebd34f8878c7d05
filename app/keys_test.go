package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v3"
)

func jwksServer(t *testing.T, fetches *atomic.Int64, keys ...jose.JSONWebKey) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys})
	}))
}

func testJWK(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Use: "sig"}
}

func TestPublicKeyFetchOnMiss(t *testing.T) {
	var fetches atomic.Int64
	srv := jwksServer(t, &fetches, testJWK(t, "key-1"))
	defer srv.Close()

	locator := NewPublicKeyLocator(srv.URL, 10, testLogger())
	locator.Clock = func() int64 { return 1000 }

	if key := locator.PublicKey(context.Background(), "key-1"); key == nil {
		t.Fatalf("expected key-1 after fetch")
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetch count = %d, want 1", got)
	}

	// Cache hit: no second request.
	if key := locator.PublicKey(context.Background(), "key-1"); key == nil {
		t.Fatalf("expected key-1 from cache")
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetch count after cache hit = %d, want 1", got)
	}
}

func TestPublicKeyRateLimited(t *testing.T) {
	var fetches atomic.Int64
	srv := jwksServer(t, &fetches, testJWK(t, "key-1"))
	defer srv.Close()

	now := int64(1000)
	locator := NewPublicKeyLocator(srv.URL, 60, testLogger())
	locator.Clock = func() int64 { return now }

	// Unknown kid forces a fetch, which does not help; the next miss inside
	// the interval must not hit the endpoint again.
	if key := locator.PublicKey(context.Background(), "unknown"); key != nil {
		t.Fatalf("unexpected key for unknown kid")
	}
	if key := locator.PublicKey(context.Background(), "unknown"); key != nil {
		t.Fatalf("unexpected key for unknown kid")
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetch count inside interval = %d, want 1", got)
	}

	// Past the interval the locator may try again.
	now = 1061
	_ = locator.PublicKey(context.Background(), "unknown")
	if got := fetches.Load(); got != 2 {
		t.Fatalf("fetch count after interval = %d, want 2", got)
	}
}

func TestPublicKeyConcurrentMissSingleFetch(t *testing.T) {
	var fetches atomic.Int64
	srv := jwksServer(t, &fetches, testJWK(t, "key-1"))
	defer srv.Close()

	locator := NewPublicKeyLocator(srv.URL, 60, testLogger())
	locator.Clock = func() int64 { return 1000 }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locator.PublicKey(context.Background(), "key-1")
		}()
	}
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Fatalf("concurrent misses caused %d fetches, want 1", got)
	}
}

func TestPublicKeyFetchFailureKeepsCache(t *testing.T) {
	var fetches atomic.Int64
	jwk := testJWK(t, "key-1")

	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	defer srv.Close()

	now := int64(1000)
	locator := NewPublicKeyLocator(srv.URL, 10, testLogger())
	locator.Clock = func() int64 { return now }

	if key := locator.PublicKey(context.Background(), "key-1"); key == nil {
		t.Fatalf("expected key-1 after initial fetch")
	}

	// A failed refresh leaves the previous key set in place.
	fail = true
	now = 1100
	if key := locator.PublicKey(context.Background(), "other"); key != nil {
		t.Fatalf("unexpected key for unknown kid")
	}
	if key := locator.PublicKey(context.Background(), "key-1"); key == nil {
		t.Fatalf("stale cache must survive a failed refresh")
	}
}

func TestPublicKeySetReplacedWholesale(t *testing.T) {
	rotated := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kid := "old"
		if rotated {
			kid = "new"
		}
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: kid, Use: "sig"}}}
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	now := int64(1000)
	locator := NewPublicKeyLocator(srv.URL, 10, testLogger())
	locator.Clock = func() int64 { return now }

	if key := locator.PublicKey(context.Background(), "old"); key == nil {
		t.Fatalf("expected old key before rotation")
	}

	rotated = true
	now = 1100
	if key := locator.PublicKey(context.Background(), "new"); key == nil {
		t.Fatalf("expected new key after rotation")
	}
	if key := locator.PublicKey(context.Background(), "old"); key != nil {
		t.Fatalf("old key must be dropped when the set is replaced")
	}
}

func TestNonSigningKeysIgnored(t *testing.T) {
	var fetches atomic.Int64
	enc := testJWK(t, "enc-key")
	enc.Use = "enc"
	srv := jwksServer(t, &fetches, enc)
	defer srv.Close()

	locator := NewPublicKeyLocator(srv.URL, 10, testLogger())
	locator.Clock = func() int64 { return 1000 }

	if key := locator.PublicKey(context.Background(), "enc-key"); key != nil {
		t.Fatalf("encryption keys must not be cached for verification")
	}
}
