package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/idpsync/pkg/api"
	"github.com/perimetra/idpsync/pkg/idp"
)

// captureStdout runs fn with stdout redirected and returns what it
// printed.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	runErr := fn()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), runErr
}

func testProvider() api.ProviderResponse {
	syncedAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return api.ProviderResponse{
		ID:          "p-1",
		AccountID:   "acct-1",
		Name:        "corp-okta",
		Adapter:     idp.AdapterOkta,
		Provisioner: idp.ProvisionerCustom,
		AdapterConfig: idp.Config{
			IssuerURL: "https://acme.okta.com",
			ClientID:  "0oa123",
		},
		ClientSecretSet: true,
		Connected:       true,
		LastSyncedAt:    &syncedAt,
		CreatedAt:       syncedAt,
		UpdatedAt:       syncedAt,
	}
}

func TestNewProvidersCommand(t *testing.T) {
	cmd := newProvidersCommand()
	assert.NotNil(t, cmd)
	assert.Equal(t, "providers", cmd.Name)
	assert.NotNil(t, cmd.Run)

	// Verify subcommands are registered
	assert.NotNil(t, cmd.Subcommands["list"])
	assert.NotNil(t, cmd.Subcommands["show"])
}

func TestRunProvidersNoArgs(t *testing.T) {
	output, err := captureStdout(t, func() error {
		return runProviders([]string{})
	})
	assert.NoError(t, err)
	assert.Contains(t, output, "Usage: idpsync providers <command> [args]")
}

func TestRunProvidersUnknownSubcommand(t *testing.T) {
	err := runProviders([]string{"unknown"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown providers subcommand")
}

func TestRunProvidersList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/providers", r.URL.Path)
		assert.Equal(t, "Bearer idps_test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(providerList{
			Providers: []api.ProviderResponse{testProvider()},
			Count:     1,
		})
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return runProvidersList([]string{"-server", server.URL, "-token", "idps_test"})
	})
	require.NoError(t, err)

	assert.Contains(t, output, "corp-okta")
	assert.Contains(t, output, "okta")
	assert.Contains(t, output, "2026-03-14T10:00:00Z")
	assert.Contains(t, output, "Total: 1 providers")
}

func TestRunProvidersListJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(providerList{
			Providers: []api.ProviderResponse{testProvider()},
			Count:     1,
		})
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return runProvidersList([]string{"-server", server.URL, "-token", "idps_test", "-json"})
	})
	require.NoError(t, err)

	var decoded []api.ProviderResponse
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "corp-okta", decoded[0].Name)
}

func TestRunProvidersListUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"missing bearer token"}`))
	}))
	defer server.Close()

	err := runProvidersList([]string{"-server", server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing bearer token")
}

func TestRunProvidersShow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/providers/p-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testProvider())
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return runProvidersShow([]string{"-server", server.URL, "-token", "idps_test", "p-1"})
	})
	require.NoError(t, err)

	assert.Contains(t, output, "Provider: corp-okta")
	assert.Contains(t, output, "Adapter: okta")
	assert.Contains(t, output, "Issuer: https://acme.okta.com")
	assert.Contains(t, output, "Last synced: 2026-03-14T10:00:00Z")
}

func TestRunProvidersShowMissingID(t *testing.T) {
	err := runProvidersShow([]string{"-server", "http://localhost:8080"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider ID required")
}

func TestRunProvidersShowNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"provider not found"}`))
	}))
	defer server.Close()

	err := runProvidersShow([]string{"-server", server.URL, "-token", "idps_test", "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider not found")
}
