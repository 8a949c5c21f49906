package dirsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// newFakeIssuer serves an OIDC discovery document with the given token
// endpoint behavior.
func newFakeIssuer(t *testing.T, tokenHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"jwks_uri": %q
		}`, server.URL, server.URL+"/authorize", server.URL+"/token", server.URL+"/keys")
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"keys":[]}`)
	})
	mux.HandleFunc("/token", tokenHandler)

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func refreshProvider(issuer string) *storage.Provider {
	expires := time.Now().UTC().Add(5 * time.Minute)
	return &storage.Provider{
		ID:        "prov-1",
		AccountID: "acct-1",
		Adapter:   idp.AdapterGoogleWorkspace,
		AdapterConfig: idp.Config{
			IssuerURL:    issuer,
			ClientID:     "client-1",
			ClientSecret: "secret-1",
		},
		AdapterState: idp.State{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresAt:    &expires,
		},
	}
}

func newTestRefresher(t *testing.T, store Store, notifier Notifier) (*Refresher, *Stats, *observability.Metrics) {
	t.Helper()
	stats := NewStats(16)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	registry := idp.NewRegistry(nil)
	return NewRefresher(store, registry, notifier, stats, DefaultConfig(), logger, metrics), stats, metrics
}

func TestRefreshProvider_NothingToRefresh(t *testing.T) {
	var updated bool
	store := &fakeStore{
		updateState: func(context.Context, string, idp.State) error {
			updated = true
			return nil
		},
	}
	refresher, stats, _ := newTestRefresher(t, store, &fakeNotifier{})

	provider := refreshProvider("https://accounts.google.com")
	provider.AdapterState.RefreshToken = ""

	require.NoError(t, refresher.RefreshProvider(context.Background(), provider))
	assert.False(t, updated)
	assert.Empty(t, stats.Recent("prov-1", 0))
}

func TestRefreshProvider_SkipsFreshToken(t *testing.T) {
	var updated bool
	store := &fakeStore{
		updateState: func(context.Context, string, idp.State) error {
			updated = true
			return nil
		},
	}
	refresher, _, _ := newTestRefresher(t, store, &fakeNotifier{})

	provider := refreshProvider("https://accounts.google.com")
	fresh := time.Now().UTC().Add(2 * time.Hour)
	provider.AdapterState.ExpiresAt = &fresh

	require.NoError(t, refresher.RefreshProvider(context.Background(), provider))
	assert.False(t, updated)
}

func TestRefreshProvider_RotatesToken(t *testing.T) {
	issuer := newFakeIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-2","refresh_token":"rt-2","token_type":"Bearer","expires_in":3600}`)
	})

	var next idp.State
	store := &fakeStore{
		updateState: func(_ context.Context, id string, state idp.State) error {
			require.Equal(t, "prov-1", id)
			next = state
			return nil
		},
	}
	refresher, stats, metrics := newTestRefresher(t, store, &fakeNotifier{})

	err := refresher.RefreshProvider(context.Background(), refreshProvider(issuer.URL))
	require.NoError(t, err)

	assert.Equal(t, "at-2", next.AccessToken)
	assert.Equal(t, "rt-2", next.RefreshToken)
	require.NotNil(t, next.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *next.ExpiresAt, time.Minute)

	attempts := stats.Recent("prov-1", 0)
	require.Len(t, attempts, 1)
	assert.Equal(t, JobRefresh, attempts[0].Job)
	assert.Equal(t, "success", attempts[0].Outcome)

	got := testutil.ToFloat64(metrics.TokenRefreshesTotal.WithLabelValues("google_workspace", "success"))
	assert.Equal(t, float64(1), got)
}

func TestRefreshProvider_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	issuer := newFakeIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`)
	})

	var next idp.State
	store := &fakeStore{
		updateState: func(_ context.Context, _ string, state idp.State) error {
			next = state
			return nil
		},
	}
	refresher, _, _ := newTestRefresher(t, store, &fakeNotifier{})

	require.NoError(t, refresher.RefreshProvider(context.Background(), refreshProvider(issuer.URL)))
	assert.Equal(t, "rt-1", next.RefreshToken)
}

func TestRefreshProvider_DeadRefreshToken(t *testing.T) {
	issuer := newFakeIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	})

	var (
		cleared    *idp.State
		gotMessage string
		gotDetail  string
		marked     bool
	)
	store := &fakeStore{
		updateState: func(_ context.Context, _ string, state idp.State) error {
			cleared = &state
			return nil
		},
		failure: func(_ context.Context, _, message, detail string, _ int) (*storage.Provider, error) {
			gotMessage, gotDetail = message, detail
			return refreshProvider("unused"), nil
		},
		markNotified: func(context.Context, string, time.Time) error {
			marked = true
			return nil
		},
	}
	notifier := &fakeNotifier{}
	refresher, stats, _ := newTestRefresher(t, store, notifier)

	err := refresher.RefreshProvider(context.Background(), refreshProvider(issuer.URL))
	require.Error(t, err)
	assert.Equal(t, idp.CodeExpiredToken, idp.CodeOf(err))

	require.NotNil(t, cleared)
	assert.Empty(t, cleared.RefreshToken)
	assert.Equal(t, "at-1", cleared.AccessToken)

	assert.Equal(t, "Google Workspace refresh token expired or revoked, reconnect the provider", gotMessage)
	assert.NotEmpty(t, gotDetail)

	assert.Equal(t, []string{"prov-1"}, notifier.expired)
	assert.True(t, marked)

	attempts := stats.Recent("prov-1", 0)
	require.Len(t, attempts, 1)
	assert.Equal(t, string(idp.CodeExpiredToken), attempts[0].Outcome)
}

func TestRefreshProvider_TransientFailure(t *testing.T) {
	issuer := newFakeIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	})

	var (
		updated  bool
		recorded bool
	)
	store := &fakeStore{
		updateState: func(context.Context, string, idp.State) error {
			updated = true
			return nil
		},
		failure: func(context.Context, string, string, string, int) (*storage.Provider, error) {
			recorded = true
			return nil, nil
		},
	}
	notifier := &fakeNotifier{}
	refresher, stats, _ := newTestRefresher(t, store, notifier)

	err := refresher.RefreshProvider(context.Background(), refreshProvider(issuer.URL))
	require.Error(t, err)

	// The refresh token survives a transient failure; the next tick
	// retries with it.
	assert.False(t, updated)
	assert.False(t, recorded)
	assert.Empty(t, notifier.expired)

	attempts := stats.Recent("prov-1", 0)
	require.Len(t, attempts, 1)
	assert.Equal(t, string(idp.CodeInternal), attempts[0].Outcome)
}
