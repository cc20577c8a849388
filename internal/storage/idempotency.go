package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ambulance/internal/dispatch"
)

const defaultIdempotencyTTL = 30 * time.Minute

// IdempotencyStore persists Idempotency-Key -> booking id with a TTL.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

var _ dispatch.IdempotencyStore = (*IdempotencyStore)(nil)

func NewIdempotencyStore(pool *pgxpool.Pool, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &IdempotencyStore{pool: pool, ttl: ttl}
}

func (s *IdempotencyStore) Remember(ctx context.Context, key, bookingID string) error {
	if key == "" || bookingID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, booking_id, expires_at)
VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET booking_id=EXCLUDED.booking_id, expires_at=EXCLUDED.expires_at
`, key, bookingID, time.Now().Add(s.ttl))
	return err
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var (
		bookingID string
		expires   time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT booking_id, expires_at FROM idempotency_keys WHERE key = $1
`, key).Scan(&bookingID, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().After(expires) {
		return "", false, nil
	}
	return bookingID, true, nil
}

// PurgeExpired drops stale keys; the sweeper calls it alongside the booking sweeps.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type idemEntry struct {
	bookingID string
	expiry    time.Time
}

// MemoryIdempotency is the in-process variant used with the memory store.
type MemoryIdempotency struct {
	mu    sync.Mutex
	byKey map[string]idemEntry
	ttl   time.Duration
	now   func() time.Time
}

var _ dispatch.IdempotencyStore = (*MemoryIdempotency)(nil)

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &MemoryIdempotency{byKey: make(map[string]idemEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryIdempotency) Remember(_ context.Context, key, bookingID string) error {
	if key == "" || bookingID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = idemEntry{bookingID: bookingID, expiry: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryIdempotency) Lookup(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byKey[key]
	if !ok {
		return "", false, nil
	}
	if c.now().After(entry.expiry) {
		delete(c.byKey, key)
		return "", false, nil
	}
	return entry.bookingID, true, nil
}
