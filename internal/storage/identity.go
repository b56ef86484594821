package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"ridedispatch/internal/dispatch"
)

// IdentityStore persists bearer tokens so sessions survive restarts.
type IdentityStore struct {
	db DB
}

func NewIdentityStore(db DB) *IdentityStore {
	return &IdentityStore{db: db}
}

func (s *IdentityStore) Save(ctx context.Context, ident dispatch.Identity, ttl time.Duration) (dispatch.Identity, error) {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO identities (id, role, token, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
`, ident.ID, ident.Role, ident.Token, expires)
	if err != nil {
		return dispatch.Identity{}, mapErr("save identity", err)
	}
	ident.ExpiresAt = expires
	return ident, nil
}

func (s *IdentityStore) Lookup(ctx context.Context, token string) (dispatch.Identity, bool, error) {
	var (
		ident   dispatch.Identity
		expires *time.Time
	)
	err := s.db.QueryRow(ctx, `
SELECT id, role, token, expires_at FROM identities WHERE token = $1
`, token).Scan(&ident.ID, &ident.Role, &ident.Token, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Identity{}, false, nil
	}
	if err != nil {
		return dispatch.Identity{}, false, mapErr("lookup identity", err)
	}
	if expires != nil && expires.Before(time.Now()) {
		return dispatch.Identity{}, false, nil
	}
	ident.ExpiresAt = expires
	return ident, true, nil
}

// All returns every unexpired identity; used to warm the in-memory token cache.
func (s *IdentityStore) All(ctx context.Context) ([]dispatch.Identity, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, role, token, expires_at FROM identities WHERE expires_at IS NULL OR expires_at > NOW()
`)
	if err != nil {
		return nil, mapErr("list identities", err)
	}
	defer rows.Close()
	var out []dispatch.Identity
	for rows.Next() {
		var ident dispatch.Identity
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.Token, &ident.ExpiresAt); err != nil {
			return nil, mapErr("scan identity", err)
		}
		out = append(out, ident)
	}
	return out, mapErr("list identities", rows.Err())
}
