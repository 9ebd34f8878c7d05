package app

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims are the claims minted for a completed login transaction.
type AccessTokenClaims struct {
	ClientID string   `json:"client_id"`
	Realm    string   `json:"realm"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs access tokens for completed authentication flows.
type TokenService struct {
	issuer    string
	accessTTL time.Duration
	key       *rsa.PrivateKey
	kid       string
	logger    *slog.Logger
}

// NewTokenService generates a fresh signing key. Key rotation and persistence
// are handled elsewhere; this service only signs.
func NewTokenService(issuer string, accessTTL time.Duration, logger *slog.Logger) (*TokenService, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &TokenService{
		issuer:    strings.TrimSuffix(issuer, "/"),
		accessTTL: accessTTL,
		key:       key,
		kid:       randomKID(),
		logger:    logger,
	}, nil
}

// Mint signs an access token for user roles resolved from the session.
// Extra claims come from the session's protocol mappers; they may not
// shadow the base claims.
func (ts *TokenService) Mint(realm, subject, clientID string, roles []string, extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       ts.issuer + "/realms/" + realm,
		"sub":       subject,
		"jti":       newEntityID(),
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(ts.accessTTL)),
		"client_id": clientID,
		"realm":     realm,
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	for name, value := range extra {
		if _, ok := claims[name]; ok {
			ts.logger.Warn("mapper claim shadows a base claim, skipped", "claim", name)
			continue
		}
		claims[name] = value
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ts.kid
	signed, err := token.SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ApplyProtocolMappers resolves each mapper into one claim from session
// state. Mappers whose source has no value for this session emit nothing.
func ApplyProtocolMappers(mappers []*ProtocolMapper, sess *ClientSession, username string) map[string]any {
	if len(mappers) == 0 {
		return nil
	}
	claims := make(map[string]any, len(mappers))
	for _, pm := range mappers {
		name := pm.ClaimName
		if name == "" {
			name = pm.Name
		}
		switch pm.Source {
		case MapperSourceUsername:
			if username != "" {
				claims[name] = username
			}
		case MapperSourceRedirectURI:
			if sess.RedirectURI != "" {
				claims[name] = sess.RedirectURI
			}
		case MapperSourceStatic:
			claims[name] = pm.Value
		}
	}
	return claims
}

// AccessTTL exposes the configured token lifetime.
func (ts *TokenService) AccessTTL() time.Duration {
	return ts.accessTTL
}

// PublicJWKS exposes the signing key for the JWKS endpoint.
func (ts *TokenService) PublicJWKS() jose.JSONWebKeySet {
	jwk := jose.JSONWebKey{Key: &ts.key.PublicKey, KeyID: ts.kid, Algorithm: string(jose.RS256), Use: "sig"}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
