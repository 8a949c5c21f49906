package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/auth"
)

// contextKey scopes this package's context values.
type contextKey string

const accountKey contextKey = "account_id"

// AdminToken is one configured admin credential. Tokens never appear in
// config or storage in the clear; TokenHash is the hex SHA256 of the
// full idps_-prefixed token.
type AdminToken struct {
	AccountID string
	TokenHash string
	// Name labels the token in logs and audit events ("terraform",
	// "oncall"). Falls back to the token's display prefix when empty.
	Name string
}

// AdminAuth authenticates the admin API with static bearer tokens. Each
// token is bound to one account; the handlers read the account from the
// request context and never trust client-supplied account ids.
type AdminAuth struct {
	generator *auth.TokenGenerator
	byHash    map[string]AdminToken
}

// NewAdminAuth builds the middleware from the configured token set.
func NewAdminAuth(tokens []AdminToken) *AdminAuth {
	byHash := make(map[string]AdminToken, len(tokens))
	for _, t := range tokens {
		byHash[strings.ToLower(t.TokenHash)] = t
	}
	return &AdminAuth{
		generator: auth.NewTokenGenerator(),
		byHash:    byHash,
	}
}

// Handler wraps an HTTP handler with admin token authentication
func (m *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.unauthorizedResponse(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.unauthorizedResponse(w, "invalid authorization header format")
			return
		}

		token := parts[1]
		if err := m.generator.ValidateTokenFormat(token); err != nil {
			m.unauthorizedResponse(w, "invalid or expired token")
			return
		}

		entry, ok := m.byHash[m.generator.HashToken(token)]
		if !ok {
			m.unauthorizedResponse(w, "invalid or expired token")
			return
		}

		name := entry.Name
		if name == "" {
			name = m.generator.ExtractPrefix(token)
		}

		ctx := context.WithValue(r.Context(), accountKey, entry.AccountID)
		ctx = audit.WithActor(ctx, audit.ActorInfo{
			ID:        name,
			AccountID: entry.AccountID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AdminAuth) unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// AccountFromContext returns the account the authenticated admin token
// is bound to, or "" outside the admin surface.
func AccountFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(accountKey).(string); ok {
		return id
	}
	return ""
}

// AccountID extracts the authenticated account from a request.
func AccountID(r *http.Request) string {
	return AccountFromContext(r.Context())
}
