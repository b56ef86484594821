package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// IdempotencyStore persists request keys for ride creation with a TTL.
type IdempotencyStore struct {
	db  DB
	ttl time.Duration
	now func() time.Time
}

func NewIdempotencyStore(db DB, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

func (s *IdempotencyStore) TTL() time.Duration {
	return s.ttl
}

func (s *IdempotencyStore) Remember(ctx context.Context, key, rideID string) error {
	if key == "" || rideID == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO idempotency_keys (key, ride_id, expires_at)
VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET ride_id=EXCLUDED.ride_id, expires_at=EXCLUDED.expires_at
`, key, rideID, s.now().Add(s.ttl))
	return mapErr("remember idempotency key", err)
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var (
		rideID  string
		expires time.Time
	)
	err := s.db.QueryRow(ctx, `
SELECT ride_id, expires_at FROM idempotency_keys WHERE key = $1
`, key).Scan(&rideID, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr("lookup idempotency key", err)
	}
	if s.now().After(expires) {
		return "", false, nil
	}
	return rideID, true, nil
}

// Purge deletes expired keys.
func (s *IdempotencyStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, s.now())
	if err != nil {
		return 0, mapErr("purge idempotency keys", err)
	}
	return tag.RowsAffected(), nil
}
