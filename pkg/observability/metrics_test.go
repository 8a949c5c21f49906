package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}

		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.HTTPRequestDuration == nil {
			t.Error("HTTPRequestDuration is nil")
		}
		if metrics.SignInsTotal == nil {
			t.Error("SignInsTotal is nil")
		}
		if metrics.SignInDuration == nil {
			t.Error("SignInDuration is nil")
		}
		if metrics.SyncRunsTotal == nil {
			t.Error("SyncRunsTotal is nil")
		}
		if metrics.SyncRunDuration == nil {
			t.Error("SyncRunDuration is nil")
		}
		if metrics.SyncRowsTotal == nil {
			t.Error("SyncRowsTotal is nil")
		}
		if metrics.SyncLockMissesTotal == nil {
			t.Error("SyncLockMissesTotal is nil")
		}
		if metrics.ProvidersSyncEligible == nil {
			t.Error("ProvidersSyncEligible is nil")
		}
		if metrics.TokenRefreshesTotal == nil {
			t.Error("TokenRefreshesTotal is nil")
		}
		if metrics.NotificationsTotal == nil {
			t.Error("NotificationsTotal is nil")
		}
		if metrics.CacheHitsTotal == nil {
			t.Error("CacheHitsTotal is nil")
		}
		if metrics.CacheMissesTotal == nil {
			t.Error("CacheMissesTotal is nil")
		}
		if metrics.DBConnectionsActive == nil {
			t.Error("DBConnectionsActive is nil")
		}
		if metrics.RedisConnectionsActive == nil {
			t.Error("RedisConnectionsActive is nil")
		}
	})

	t.Run("metrics are registered with registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Add(0)
		metrics.SignInsTotal.WithLabelValues("okta", "success").Add(0)
		metrics.SyncRunsTotal.WithLabelValues("google_workspace", "success").Add(0)
		metrics.TokenRefreshesTotal.WithLabelValues("okta", "success").Add(0)
		metrics.CacheHitsTotal.WithLabelValues("oidc_client").Add(0)
		metrics.DBConnectionsActive.Set(0)
		metrics.RedisConnectionsActive.Set(0)
		metrics.ProvidersSyncEligible.Set(0)

		families, err := registry.Gather()
		if err != nil {
			t.Fatalf("Failed to gather metrics: %v", err)
		}

		metricNames := make(map[string]bool)
		for _, family := range families {
			metricNames[family.GetName()] = true
		}

		expectedMetrics := []string{
			"idpsync_http_requests_total",
			"idpsync_sign_ins_total",
			"idpsync_sync_runs_total",
			"idpsync_token_refreshes_total",
			"idpsync_cache_hits_total",
			"idpsync_db_connections_active",
			"idpsync_redis_connections_active",
			"idpsync_providers_sync_eligible",
		}

		for _, name := range expectedMetrics {
			if !metricNames[name] {
				t.Errorf("Expected metric %s not found in registry", name)
			}
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic on duplicate registration, but didn't panic")
			}
		}()

		NewMetrics(registry)
	})
}

func TestMetrics_SyncMetrics(t *testing.T) {
	t.Run("increment sync run counter", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.SyncRunsTotal.WithLabelValues("google_workspace", "success").Inc()
		metrics.SyncRunsTotal.WithLabelValues("google_workspace", "unauthorized").Inc()

		expected := `
# HELP idpsync_sync_runs_total Total number of directory sync runs by outcome
# TYPE idpsync_sync_runs_total counter
idpsync_sync_runs_total{adapter="google_workspace",outcome="success"} 1
idpsync_sync_runs_total{adapter="google_workspace",outcome="unauthorized"} 1
`
		if err := testutil.CollectAndCompare(metrics.SyncRunsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("count sync row deltas", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.SyncRowsTotal.WithLabelValues("okta", "identities", "upserted").Add(12)
		metrics.SyncRowsTotal.WithLabelValues("okta", "memberships", "deleted").Add(3)

		got := testutil.ToFloat64(metrics.SyncRowsTotal.WithLabelValues("okta", "identities", "upserted"))
		if got != 12 {
			t.Errorf("Expected 12 upserted identities, got %v", got)
		}
		got = testutil.ToFloat64(metrics.SyncRowsTotal.WithLabelValues("okta", "memberships", "deleted"))
		if got != 3 {
			t.Errorf("Expected 3 deleted memberships, got %v", got)
		}
	})

	t.Run("observe sync run duration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.SyncRunDuration.WithLabelValues("jumpcloud").Observe(2.5)
		metrics.SyncRunDuration.WithLabelValues("jumpcloud").Observe(40)

		count := testutil.CollectAndCount(metrics.SyncRunDuration)
		if count != 1 {
			t.Errorf("Expected 1 metric family, got %d", count)
		}
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Run("records request metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("created"))
		}))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/providers", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Errorf("Expected status 201, got %d", rec.Code)
		}

		got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/providers", "201"))
		if got != 1 {
			t.Errorf("Expected 1 request counted, got %v", got)
		}
	})

	t.Run("defaults to status 200 when handler never writes a header", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200"))
		if got != 1 {
			t.Errorf("Expected 1 request counted, got %v", got)
		}
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.SyncRunsTotal.WithLabelValues("okta", "success").Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}

	if !strings.Contains(string(body), "idpsync_sync_runs_total") {
		t.Error("Expected idpsync_sync_runs_total in metrics output")
	}
}
