package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ambulance/internal/dispatch"
)

// IdentityStore keeps issued identities so tokens survive restarts and can be revoked.
type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

func (s *IdentityStore) Save(ctx context.Context, ident dispatch.Identity) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO identities (id, role, token, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
`, ident.ID, ident.Role, ident.Token, ident.ExpiresAt)
	return err
}

// Get returns the identity by id, treating expired rows as absent.
func (s *IdentityStore) Get(ctx context.Context, id string) (dispatch.Identity, bool, error) {
	var ident dispatch.Identity
	err := s.pool.QueryRow(ctx, `
SELECT id, role, token, expires_at FROM identities WHERE id = $1
`, id).Scan(&ident.ID, &ident.Role, &ident.Token, &ident.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Identity{}, false, nil
	}
	if err != nil {
		return dispatch.Identity{}, false, err
	}
	if ident.ExpiresAt != nil && ident.ExpiresAt.Before(time.Now()) {
		return dispatch.Identity{}, false, nil
	}
	return ident, true, nil
}

func (s *IdentityStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	return err
}

// All loads every unexpired identity, used to warm the in-memory registry at boot.
func (s *IdentityStore) All(ctx context.Context) ([]dispatch.Identity, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, role, token, expires_at FROM identities
WHERE expires_at IS NULL OR expires_at > NOW()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Identity
	for rows.Next() {
		var ident dispatch.Identity
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.Token, &ident.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}
