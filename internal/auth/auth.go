// Package auth validates the bearer tokens that front the gateway API.
// Signing keys are derived from a single master secret with HKDF so one
// configured secret serves every purpose-specific key.
package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Roles understood by the gateway. Admins may touch any group; members
// only the groups listed in their token.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// tokenKeyInfo is the HKDF info string for the API token signing key.
const tokenKeyInfo = "groupvault-api-token-key"

// DeriveKey derives a purpose-specific 32-byte key from the master
// secret. Distinct info strings yield independent keys.
func DeriveKey(masterSecret, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Claims are the JWT claims the gateway understands.
type Claims struct {
	Role   string   `json:"role"`
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// Identity is an authenticated caller.
type Identity struct {
	Subject string
	Role    string
	Groups  []string
}

// CanAccessGroup reports whether the identity may operate on a group.
func (id Identity) CanAccessGroup(groupID string) bool {
	if id.Role == RoleAdmin {
		return true
	}
	for _, g := range id.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

// Verifier validates and mints API tokens.
type Verifier struct {
	key    []byte
	issuer string
}

// NewVerifier derives the token key from the master secret.
func NewVerifier(masterSecret, issuer string) (*Verifier, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("auth master secret is required")
	}
	key, err := DeriveKey(masterSecret, tokenKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: key, issuer: issuer}, nil
}

// Verify parses and validates a bearer token.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	return Identity{
		Subject: claims.Subject,
		Role:    claims.Role,
		Groups:  claims.Groups,
	}, nil
}

// Mint issues a signed token for a subject. Used by the login flow and
// by tests.
func (v *Verifier) Mint(subject, role string, groups []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:   role,
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
