// Package authprovider supplies the narrow collaborator spec §6 calls the
// auth provider: validate a bearer credential, and return the profile
// fields the core needs. Full user registration/login/logout is owned by
// an external identity service and is explicitly out of scope here; this
// package only reads what the core must gate and bias on.
package authprovider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"memecaption/domain"
	"memecaption/errs"
)

// Claims mirrors the identity service's JWT payload.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Provider is the interface every component that needs identity depends on.
type Provider interface {
	ValidateCredential(ctx context.Context, token string) (userID string, err error)
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

// Reference is a minimal in-memory Provider: it verifies JWTs signed with a
// shared secret and serves profiles from a preloaded map. Production
// deployments are expected to front a real identity service behind the
// same interface; this exists for local development and tests.
type Reference struct {
	mu       sync.RWMutex
	secret   []byte
	profiles map[string]domain.Profile
}

func NewReference(secret string) *Reference {
	return &Reference{secret: []byte(secret), profiles: make(map[string]domain.Profile)}
}

// SetProfile seeds or replaces a user's profile, used by tests and by a
// sync job that mirrors the identity service's user table.
func (r *Reference) SetProfile(profile domain.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.UserID] = profile
}

func (r *Reference) ValidateCredential(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("missing credential: %w", errs.ErrAuthentication)
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid credential: %w", errors.Join(err, errs.ErrAuthentication))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", fmt.Errorf("invalid credential claims: %w", errs.ErrAuthentication)
	}
	return claims.UserID, nil
}

func (r *Reference) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[userID]
	if !ok {
		return domain.Profile{}, fmt.Errorf("profile %s: %w", userID, errs.ErrNotFound)
	}
	return profile, nil
}

// IssueTestToken mints a token for the reference provider's own secret,
// used by tests and local development tooling that need a credential
// without a running identity service.
func (r *Reference) IssueTestToken(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("authprovider: sign test token: %w", err)
	}
	return signed, nil
}

var _ Provider = (*Reference)(nil)
