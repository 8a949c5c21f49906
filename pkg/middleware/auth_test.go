package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/auth"
)

func mintAdminToken(t *testing.T, accountID, name string) (string, AdminToken) {
	t.Helper()
	token, hash, _, err := auth.NewTokenGenerator().GenerateToken()
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token, AdminToken{AccountID: accountID, TokenHash: hash, Name: name}
}

func TestNewAdminAuth(t *testing.T) {
	token, entry := mintAdminToken(t, "acct-1", "terraform")

	t.Run("indexes tokens by hash", func(t *testing.T) {
		m := NewAdminAuth([]AdminToken{entry})
		if m == nil {
			t.Fatal("expected non-nil middleware")
		}
		if len(m.byHash) != 1 {
			t.Fatalf("expected 1 indexed token, got %d", len(m.byHash))
		}
	})

	t.Run("normalizes hash case", func(t *testing.T) {
		upper := entry
		upper.TokenHash = strings.ToUpper(entry.TokenHash)
		m := NewAdminAuth([]AdminToken{upper})

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
	})
}

func TestAdminAuth_Handler(t *testing.T) {
	token, entry := mintAdminToken(t, "acct-1", "terraform")
	m := NewAdminAuth([]AdminToken{entry})

	t.Run("rejects request without Authorization header", func(t *testing.T) {
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", w.Code)
		}
		body := w.Body.String()
		if body != `{"error":"missing authorization header"}` {
			t.Errorf("unexpected body: %s", body)
		}
		contentType := w.Header().Get("Content-Type")
		if contentType != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", contentType)
		}
	})

	t.Run("rejects request with invalid Authorization header format", func(t *testing.T) {
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		testCases := []struct {
			name          string
			header        string
			expectedError string
		}{
			{"no Bearer prefix", "token123", "invalid authorization header format"},
			{"Basic auth", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
			{"Bearer without token", "Bearer", "invalid authorization header format"},
			// "Bearer " with trailing space yields an empty token, which fails format validation
			{"empty Bearer", "Bearer ", "invalid or expired token"},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				req := httptest.NewRequest("GET", "/test", nil)
				req.Header.Set("Authorization", tc.header)
				w := httptest.NewRecorder()

				handler.ServeHTTP(w, req)

				if w.Code != http.StatusUnauthorized {
					t.Errorf("expected status 401, got %d", w.Code)
				}
				body := w.Body.String()
				if body != `{"error":"`+tc.expectedError+`"}` {
					t.Errorf("unexpected body: %s", body)
				}
			})
		}
	})

	t.Run("rejects token with wrong prefix", func(t *testing.T) {
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer other_abc123def456")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", w.Code)
		}
	})

	t.Run("rejects well-formed token that is not configured", func(t *testing.T) {
		other, _, _, err := auth.NewTokenGenerator().GenerateToken()
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}

		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+other)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", w.Code)
		}
		body := w.Body.String()
		if body != `{"error":"invalid or expired token"}` {
			t.Errorf("unexpected body: %s", body)
		}
	})

	t.Run("binds account and actor on valid token", func(t *testing.T) {
		var gotAccount string
		var gotActor audit.ActorInfo
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAccount = AccountID(r)
			gotActor = audit.ActorFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if gotAccount != "acct-1" {
			t.Errorf("expected account acct-1, got %q", gotAccount)
		}
		if gotActor.ID != "terraform" {
			t.Errorf("expected actor terraform, got %q", gotActor.ID)
		}
		if gotActor.AccountID != "acct-1" {
			t.Errorf("expected actor account acct-1, got %q", gotActor.AccountID)
		}
	})

	t.Run("unnamed token falls back to display prefix", func(t *testing.T) {
		tok, unnamed := mintAdminToken(t, "acct-2", "")
		anon := NewAdminAuth([]AdminToken{unnamed})

		var gotActor audit.ActorInfo
		handler := anon.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotActor = audit.ActorFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		want := auth.NewTokenGenerator().ExtractPrefix(tok)
		if gotActor.ID != want {
			t.Errorf("expected actor %q, got %q", want, gotActor.ID)
		}
	})
}

func TestAccountFromContext(t *testing.T) {
	t.Run("returns empty without account", func(t *testing.T) {
		if got := AccountFromContext(context.Background()); got != "" {
			t.Errorf("expected empty account, got %q", got)
		}
	})

	t.Run("returns bound account", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), accountKey, "acct-9")
		if got := AccountFromContext(ctx); got != "acct-9" {
			t.Errorf("expected acct-9, got %q", got)
		}
	})
}
