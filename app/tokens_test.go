package app

import (
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintAndVerify(t *testing.T) {
	ts, err := NewTokenService("https://auth.example.com", 10*time.Minute, testLogger())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	signed, err := ts.Mint("master", "user-1", "webapp", []string{"admin", "viewer"}, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	set := ts.PublicJWKS()
	if len(set.Keys) != 1 || set.Keys[0].Use != "sig" {
		t.Fatalf("unexpected jwks: %+v", set)
	}
	pub, ok := set.Keys[0].Key.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("expected RSA public key, got %T", set.Keys[0].Key)
	}

	var claims AccessTokenClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	token, err := parser.ParseWithClaims(signed, &claims, func(token *jwt.Token) (any, error) {
		if kid, _ := token.Header["kid"].(string); kid != set.Keys[0].KeyID {
			t.Fatalf("token kid %q does not match jwks kid %q", kid, set.Keys[0].KeyID)
		}
		return pub, nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("parse minted token: %v", err)
	}

	if claims.Issuer != "https://auth.example.com/realms/master" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
	if claims.Subject != "user-1" || claims.ClientID != "webapp" || claims.Realm != "master" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles = %v", claims.Roles)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) != 10*time.Minute {
		t.Fatalf("ttl = %v", claims.ExpiresAt.Sub(claims.IssuedAt.Time))
	}
}

func TestMintCarriesMapperClaims(t *testing.T) {
	ts, err := NewTokenService("https://auth.example.com", time.Minute, testLogger())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	extra := map[string]any{
		"preferred_username": "alice",
		"tenant":             "acme",
		// Base claims may not be overridden by mapper output.
		"sub": "attacker",
	}
	signed, err := ts.Mint("master", "user-1", "webapp", nil, extra)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(signed, claims); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims["preferred_username"] != "alice" || claims["tenant"] != "acme" {
		t.Fatalf("mapper claims missing: %v", claims)
	}
	if claims["sub"] != "user-1" {
		t.Fatalf("sub = %v, base claim must win", claims["sub"])
	}
}

func TestApplyProtocolMappers(t *testing.T) {
	sess := &ClientSession{ID: "s1", TabID: "t1", RedirectURI: "https://app.example.com/cb"}
	mappers := []*ProtocolMapper{
		{Name: "username", ClaimName: "preferred_username", Source: MapperSourceUsername},
		{Name: "redirect", Source: MapperSourceRedirectURI},
		{Name: "tenant", Source: MapperSourceStatic, Value: "acme"},
	}

	claims := ApplyProtocolMappers(mappers, sess, "alice")
	if claims["preferred_username"] != "alice" {
		t.Fatalf("username claim = %v", claims["preferred_username"])
	}
	if claims["redirect"] != "https://app.example.com/cb" {
		t.Fatalf("redirect claim = %v", claims["redirect"])
	}
	if claims["tenant"] != "acme" {
		t.Fatalf("tenant claim = %v", claims["tenant"])
	}

	// A source with no value for this session emits nothing.
	claims = ApplyProtocolMappers(mappers[:1], &ClientSession{ID: "s2", TabID: "t1"}, "")
	if _, ok := claims["preferred_username"]; ok {
		t.Fatalf("empty username must not emit a claim")
	}

	if got := ApplyProtocolMappers(nil, sess, "alice"); got != nil {
		t.Fatalf("no mappers should yield nil, got %v", got)
	}
}

func TestMintTrimsTrailingSlash(t *testing.T) {
	ts, err := NewTokenService("https://auth.example.com/", time.Minute, testLogger())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	signed, err := ts.Mint("master", "u", "c", nil, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	var claims AccessTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(signed, &claims); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Issuer != "https://auth.example.com/realms/master" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
}
