package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"ridedispatch/internal/dispatch"
)

var ErrInvalidRole = errors.New("invalid role")

// Verifier resolves a bearer token to the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (dispatch.Identity, bool)
}

// InMemoryStore keeps issued opaque tokens mapped to identities.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]dispatch.Identity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]dispatch.Identity),
	}
}

// Register creates an identity with the given role and returns it with its
// token. An empty id gets a generated one.
func (s *InMemoryStore) Register(id string, role dispatch.IdentityRole, ttl time.Duration) (dispatch.Identity, error) {
	if !role.Valid() {
		return dispatch.Identity{}, ErrInvalidRole
	}
	if id == "" {
		id = fmt.Sprintf("%s_%s", role, randomID())
	}
	identity := dispatch.Identity{
		ID:    id,
		Role:  role,
		Token: randomID() + randomID(),
	}
	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		identity.ExpiresAt = &expiry
	}

	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
	return identity, nil
}

func (s *InMemoryStore) Lookup(token string) (dispatch.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return dispatch.Identity{}, false
	}
	if u.ExpiresAt != nil && time.Now().After(*u.ExpiresAt) {
		return dispatch.Identity{}, false
	}
	return u, true
}

func (s *InMemoryStore) Verify(_ context.Context, token string) (dispatch.Identity, bool) {
	return s.Lookup(token)
}

// Seed hydrates identities from persistent storage.
func (s *InMemoryStore) Seed(identity dispatch.Identity) {
	if identity.Token == "" {
		return
	}
	if identity.ExpiresAt != nil && time.Now().After(*identity.ExpiresAt) {
		return
	}
	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
