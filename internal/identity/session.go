// Package identity is the boundary to the external identity provider. The
// provider issues RS256 session tokens; this package verifies them and turns
// their claims into a gate.Identity. It never resolves scopes itself.
package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/trustsubstrate/internal/gate"
)

// Roles understood by the API.
const (
	RoleAuditor = "platform_auditor"
	RoleAdmin   = "platform_admin"
)

// SessionClaims are the JWT claims of a user session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"` // the tenant selected in the session
	Roles    []string `json:"roles,omitempty"`
}

// ToIdentity converts verified claims into the identity the gate accepts.
// A nil claims value yields an unauthenticated identity.
func ToIdentity(claims *SessionClaims) gate.Identity {
	if claims == nil {
		return gate.Identity{}
	}
	return gate.Identity{
		Authenticated: true,
		Subject:       claims.Subject,
		ActiveTenant:  claims.TenantID,
		Roles:         append([]string(nil), claims.Roles...),
	}
}

// TokenVerifier verifies session tokens against the provider's public key.
type TokenVerifier struct {
	pub    *rsa.PublicKey
	issuer string
}

// NewTokenVerifier creates a TokenVerifier. issuer is the expected "iss".
func NewTokenVerifier(pub *rsa.PublicKey, issuer string) *TokenVerifier {
	return &TokenVerifier{pub: pub, issuer: issuer}
}

// Verify parses and validates a session token, returning its claims.
func (v *TokenVerifier) Verify(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return v.pub, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("session token has no subject")
	}
	return claims, nil
}

// TokenIssuer issues session tokens. Production tokens come from the identity
// provider; this exists for development and tests.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to one hour.
func NewTokenIssuer(key *rsa.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, issuer: issuer, ttl: ttl}
}

// Issue creates a signed session token for subject in tenantID.
func (t *TokenIssuer) Issue(subject, tenantID string, roles ...string) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verifier returns a TokenVerifier for tokens from this issuer.
func (t *TokenIssuer) Verifier() *TokenVerifier {
	return NewTokenVerifier(&t.key.PublicKey, t.issuer)
}

// ParsePublicKeyPEM decodes a PKIX PEM RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", parsed)
	}
	return pub, nil
}
