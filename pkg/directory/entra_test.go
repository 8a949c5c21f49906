package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntraClient_ListUsers(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users", r.URL.Path)

		if r.URL.Query().Get("$skiptoken") == "" {
			require.Equal(t, "accountEnabled eq true", r.URL.Query().Get("$filter"))
			fmt.Fprintf(w, `{
				"value": [
					{"id": "aad-1", "displayName": "Alice A", "mail": "Alice@Example.com", "userPrincipalName": "alice@example.onmicrosoft.com"},
					{"id": "aad-2", "displayName": "Bob B", "mail": "", "userPrincipalName": "Bob@Example.onmicrosoft.com"}
				],
				"@odata.nextLink": "%s/users?$skiptoken=page2"
			}`, srv.URL)
			return
		}
		fmt.Fprint(w, `{"value": [{"id": "aad-3", "displayName": "Carol C", "mail": "carol@example.com"}]}`)
	}))
	defer srv.Close()

	client := NewEntraClient(EntraConfig{AccessToken: "tok", BaseURL: srv.URL, HTTPClient: srv.Client()})
	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)

	require.Len(t, users, 3)
	assert.Equal(t, User{ID: "aad-1", Email: "alice@example.com", Name: "Alice A"}, users[0])
	// mail absent falls back to the UPN
	assert.Equal(t, "bob@example.onmicrosoft.com", users[1].Email)
	assert.Equal(t, "aad-3", users[2].ID)
}

func TestEntraClient_ListGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/groups", r.URL.Path)
		fmt.Fprint(w, `{"value": [{"id": "grp-1", "displayName": "Engineering"}]}`)
	}))
	defer srv.Close()

	client := NewEntraClient(EntraConfig{AccessToken: "tok", BaseURL: srv.URL, HTTPClient: srv.Client()})
	groups, err := client.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Group{{ID: "grp-1", Name: "Engineering"}}, groups)
}

func TestEntraClient_ListGroupMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/groups/grp-1/members", r.URL.Path)
		fmt.Fprint(w, `{"value": [{"id": "aad-1"}, {"id": "aad-2"}]}`)
	}))
	defer srv.Close()

	client := NewEntraClient(EntraConfig{AccessToken: "tok", BaseURL: srv.URL, HTTPClient: srv.Client()})
	members, err := client.ListGroupMembers(context.Background(), "grp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"aad-1", "aad-2"}, members)
}

func TestGraphAPIError(t *testing.T) {
	msg := graphAPIError(403, []byte(`{"error": {"code": "Authorization_RequestDenied", "message": "Insufficient privileges to complete the operation."}}`))
	assert.Equal(t, "Insufficient privileges to complete the operation.", msg)
	assert.Empty(t, graphAPIError(500, []byte("not json")))
}
