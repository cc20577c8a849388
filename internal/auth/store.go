// Package auth issues and verifies bearer tokens for users, drivers and
// administrators.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ambulance/internal/dispatch"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrInvalidRole     = errors.New("invalid role")
)

// IdentityDB persists identities so tokens survive restarts and can be revoked.
type IdentityDB interface {
	Save(ctx context.Context, ident dispatch.Identity) error
	Get(ctx context.Context, id string) (dispatch.Identity, bool, error)
	Delete(ctx context.Context, id string) error
}

type claims struct {
	Role dispatch.IdentityRole `json:"role"`
	jwt.RegisteredClaims
}

// Store signs HS256 tokens and keeps the set of live identities. A token is
// only accepted while its identity is still registered, so deleting an
// identity revokes its tokens.
type Store struct {
	secret []byte
	ttl    time.Duration
	db     IdentityDB

	mu    sync.RWMutex
	known map[string]dispatch.Identity
	now   func() time.Time
}

// NewStore builds a store. db may be nil.
func NewStore(secret string, ttl time.Duration, db IdentityDB) (*Store, error) {
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}
	return &Store{
		secret: []byte(secret),
		ttl:    ttl,
		db:     db,
		known:  make(map[string]dispatch.Identity),
		now:    time.Now,
	}, nil
}

func validRole(role dispatch.IdentityRole) bool {
	return role == dispatch.RoleUser || role == dispatch.RoleDriver || role == dispatch.RoleAdmin
}

// Register creates an identity with a generated id and returns it with a token.
func (s *Store) Register(ctx context.Context, role dispatch.IdentityRole) (dispatch.Identity, error) {
	return s.RegisterID(ctx, fmt.Sprintf("%s_%s", role, randomID()), role)
}

// RegisterID issues a token for a caller-chosen id, e.g. a seeded driver id.
func (s *Store) RegisterID(ctx context.Context, id string, role dispatch.IdentityRole) (dispatch.Identity, error) {
	if !validRole(role) {
		return dispatch.Identity{}, fmt.Errorf("%q: %w", role, ErrInvalidRole)
	}
	if id == "" {
		return dispatch.Identity{}, errors.New("identity id is required")
	}
	now := s.now()
	ident := dispatch.Identity{ID: id, Role: role}
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		expiry := now.Add(s.ttl)
		ident.ExpiresAt = &expiry
		c.ExpiresAt = jwt.NewNumericDate(expiry)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return dispatch.Identity{}, err
	}
	ident.Token = token

	if s.db != nil {
		if err := s.db.Save(ctx, ident); err != nil {
			return dispatch.Identity{}, err
		}
	}
	s.Seed(ident)
	return ident, nil
}

// Verify checks the signature and expiry, then that the identity is still live.
func (s *Store) Verify(ctx context.Context, token string) (dispatch.Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return dispatch.Identity{}, ErrInvalidToken
	}

	s.mu.RLock()
	ident, ok := s.known[c.Subject]
	s.mu.RUnlock()
	if !ok && s.db != nil {
		found, exists, err := s.db.Get(ctx, c.Subject)
		if err != nil {
			return dispatch.Identity{}, err
		}
		if exists {
			s.Seed(found)
			ident, ok = found, true
		}
	}
	if !ok || ident.Role != c.Role {
		return dispatch.Identity{}, ErrUnknownIdentity
	}
	ident.Token = ""
	return ident, nil
}

// Revoke forgets an identity; its tokens stop verifying.
func (s *Store) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.known, id)
	s.mu.Unlock()
	if s.db != nil {
		return s.db.Delete(ctx, id)
	}
	return nil
}

// Seed hydrates the registry from persistent storage.
func (s *Store) Seed(ident dispatch.Identity) {
	if ident.ID == "" {
		return
	}
	if ident.ExpiresAt != nil && s.now().After(*ident.ExpiresAt) {
		return
	}
	s.mu.Lock()
	s.known[ident.ID] = ident
	s.mu.Unlock()
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
