package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/taskrelay/taskrelay/internal/api/response"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// The first 8 characters of a raw key are stored in plaintext and index the
// bcrypt-hashed candidates, so one request costs one lookup plus a handful
// of hash comparisons.
const keyPrefixLen = 8

// Auth authenticates API keys and enforces scopes.
type Auth struct {
	store store.Store
}

func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate resolves the Bearer token to an API key and stashes its
// prefix and scopes in the request context for the limiter and scope checks
// downstream.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if len(raw) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or malformed API key", nil)
			return
		}
		prefix := raw[:keyPrefixLen]

		key, err := a.matchKey(r.Context(), prefix, raw)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}
		if key == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		// last_used_at is advisory; do not hold the request for it.
		go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)

		ctx := setKeyPrefix(r.Context(), prefix)
		ctx = setScopes(ctx, key.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// matchKey returns the key whose bcrypt hash matches raw, or nil when none
// of the prefix candidates do.
func (a *Auth) matchKey(ctx context.Context, prefix, raw string) (*models.APIKey, error) {
	candidates, err := a.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil {
			return key, nil
		}
	}
	return nil, nil
}

// RequireScope rejects authenticated requests whose key lacks the scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
