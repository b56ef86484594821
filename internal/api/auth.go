package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"ridedispatch/internal/auth"
	"ridedispatch/internal/dispatch"
)

// IdentityDB persists tokens issued by the memory store.
type IdentityDB interface {
	Lookup(ctx context.Context, token string) (dispatch.Identity, bool, error)
	Save(ctx context.Context, ident dispatch.Identity, ttl time.Duration) (dispatch.Identity, error)
}

// AuthOptions selects how callers are identified.
type AuthOptions struct {
	// TrustHeaders identifies callers by X-User-ID and X-User-Role. Only for
	// local development (AUTH_MODE=none).
	TrustHeaders bool
	Store        *auth.InMemoryStore
	DB           IdentityDB
	JWT          auth.Verifier
	TTL          time.Duration
}

type authConfig struct {
	trustHeaders bool
	store        *auth.InMemoryStore
	db           IdentityDB
	verifiers    []auth.Verifier
	ttl          time.Duration
}

func newAuthConfig(opts AuthOptions) authConfig {
	a := authConfig{trustHeaders: opts.TrustHeaders, store: opts.Store, db: opts.DB, ttl: opts.TTL}
	if opts.Store != nil {
		a.verifiers = append(a.verifiers, opts.Store)
	}
	if opts.DB != nil {
		a.verifiers = append(a.verifiers, dbVerifier{db: opts.DB})
	}
	if opts.JWT != nil {
		a.verifiers = append(a.verifiers, opts.JWT)
	}
	return a
}

func (a authConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.trustHeaders {
			identity, ok := headerIdentity(r)
			if !ok {
				respondError(w, http.StatusUnauthorized, "missing X-User-ID or X-User-Role")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
			return
		}
		token := parseToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing token")
			return
		}
		identity, ok := a.lookup(r.Context(), token)
		if !ok {
			respondError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

type identityCtxKey struct{}

func withIdentity(ctx context.Context, id dispatch.Identity) context.Context {
	noteIdentity(ctx, id)
	return context.WithValue(ctx, identityCtxKey{}, id)
}

func identityFromContext(ctx context.Context) (dispatch.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(dispatch.Identity)
	return id, ok
}

func (a authConfig) lookup(ctx context.Context, token string) (dispatch.Identity, bool) {
	for _, v := range a.verifiers {
		if id, ok := v.Verify(ctx, token); ok {
			return id, true
		}
	}
	return dispatch.Identity{}, false
}

type dbVerifier struct{ db IdentityDB }

func (d dbVerifier) Verify(ctx context.Context, token string) (dispatch.Identity, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	id, ok, err := d.db.Lookup(ctx, token)
	return id, err == nil && ok
}

func headerIdentity(r *http.Request) (dispatch.Identity, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	role := dispatch.IdentityRole(strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role"))))
	if id == "" || !role.Valid() {
		return dispatch.Identity{}, false
	}
	return dispatch.Identity{ID: id, Role: role}, true
}

func parseToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}
