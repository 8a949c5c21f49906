package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

func testSyncStatus() syncStatus {
	started := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	finished := started.Add(42 * time.Second)

	return syncStatus{
		ProviderID:   "p-1",
		SyncEnabled:  true,
		LastSyncedAt: &finished,
		Checkpoints: storage.Checkpoints{
			"users": {StartedAt: &started, FinishedAt: &finished},
		},
		RecentRuns: []dirsync.Attempt{
			{
				Job:        dirsync.JobSync,
				ProviderID: "p-1",
				Adapter:    idp.AdapterOkta,
				StartedAt:  started,
				FinishedAt: finished,
				Outcome:    "success",
				Result: &storage.SyncResult{
					IdentitiesUpserted: 12,
					GroupsUpserted:     3,
				},
			},
		},
	}
}

func TestNewSyncCommand(t *testing.T) {
	cmd := newSyncCommand()
	assert.NotNil(t, cmd)
	assert.Equal(t, "sync", cmd.Name)
	assert.NotNil(t, cmd.Run)

	// Verify subcommands are registered
	assert.NotNil(t, cmd.Subcommands["run"])
	assert.NotNil(t, cmd.Subcommands["status"])
	assert.NotNil(t, cmd.Subcommands["reset"])
}

func TestRunSyncNoArgs(t *testing.T) {
	output, err := captureStdout(t, func() error {
		return runSync([]string{})
	})
	assert.NoError(t, err)
	assert.Contains(t, output, "Usage: idpsync sync <command> [args]")
}

func TestRunSyncUnknownSubcommand(t *testing.T) {
	err := runSync([]string{"unknown"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sync subcommand")
}

func TestRunSyncRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/providers/p-1/sync", r.URL.Path)
		assert.Equal(t, "Bearer idps_test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"queued","provider_id":"p-1"}`))
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return runSyncRun([]string{"-server", server.URL, "-token", "idps_test", "p-1"})
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Successfully queued sync for provider p-1")
}

func TestRunSyncRunMissingID(t *testing.T) {
	err := runSyncRun([]string{"-server", "http://localhost:8080"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider ID required")
}

func TestRunSyncRunConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"a sync run for this provider is already in progress"}`))
	}))
	defer server.Close()

	err := runSyncRun([]string{"-server", server.URL, "-token", "idps_test", "p-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestRunSyncStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/providers/p-1/sync/status", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testSyncStatus())
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return runSyncStatus([]string{"-server", server.URL, "-token", "idps_test", "p-1"})
	})
	require.NoError(t, err)

	assert.Contains(t, output, "Provider: p-1")
	assert.Contains(t, output, "Sync Enabled: true")
	assert.Contains(t, output, "users")
	assert.Contains(t, output, "directory_sync")
	assert.Contains(t, output, "success")
	assert.Contains(t, output, "+12 -0")
}

func TestRunSyncStatusLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testSyncStatus())
	}))
	defer server.Close()

	_, err := captureStdout(t, func() error {
		return runSyncStatus([]string{"-server", server.URL, "-token", "idps_test", "-limit", "50", "p-1"})
	})
	assert.NoError(t, err)
}

func TestRunSyncStatusJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testSyncStatus())
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return runSyncStatus([]string{"-server", server.URL, "-token", "idps_test", "-json", "p-1"})
	})
	require.NoError(t, err)

	var decoded syncStatus
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))
	assert.Equal(t, "p-1", decoded.ProviderID)
	require.Len(t, decoded.RecentRuns, 1)
	assert.Equal(t, "success", decoded.RecentRuns[0].Outcome)
}

func TestRunSyncStatusMissingID(t *testing.T) {
	err := runSyncStatus([]string{"-server", "http://localhost:8080"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider ID required")
}

func TestRunSyncReset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/providers/p-1/sync/reset", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return runSyncReset([]string{"-server", server.URL, "-token", "idps_test", "p-1"})
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Successfully reset sync failures for provider p-1")
}

func TestRunSyncResetDisabledProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"provider not found"}`))
	}))
	defer server.Close()

	err := runSyncReset([]string{"-server", server.URL, "-token", "idps_test", "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider not found")
}
