package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// EntraConfig configures the Microsoft Graph client. The access token
// comes from the connect-flow adapter state and must carry the
// directory read scopes.
type EntraConfig struct {
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// EntraClient reads users and groups from Microsoft Graph. The flavor
// exposes no org-unit hierarchy to sync.
type EntraClient struct {
	api  *apiClient
	base string
}

// NewEntraClient builds the client. Graph throttles per app per
// tenant; sustained directory reads stay well under the default
// budget at this rate.
func NewEntraClient(cfg EntraConfig) *EntraClient {
	base := cfg.BaseURL
	if base == "" {
		base = graphBaseURL
	}
	api := newAPIClient("Microsoft Graph", rate.Limit(10), 10, bearerAuth(cfg.AccessToken), cfg.HTTPClient)
	api.apiError = graphAPIError
	return &EntraClient{api: api, base: strings.TrimSuffix(base, "/")}
}

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// ListUsers pages through enabled users following @odata.nextLink.
func (c *EntraClient) ListUsers(ctx context.Context) ([]User, error) {
	q := url.Values{
		"$select": {"id,displayName,mail,userPrincipalName"},
		"$filter": {"accountEnabled eq true"},
		"$top":    {"999"},
	}

	var out []User
	next := c.base + "/users?" + q.Encode()
	for next != "" {
		var page struct {
			Value    []graphUser `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if _, err := c.api.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, u := range page.Value {
			email := u.Mail
			if email == "" {
				email = u.UserPrincipalName
			}
			out = append(out, User{
				ID:    u.ID,
				Email: strings.ToLower(email),
				Name:  u.DisplayName,
			})
		}
		next = page.NextLink
	}
	return out, nil
}

// ListGroups pages through every group.
func (c *EntraClient) ListGroups(ctx context.Context) ([]Group, error) {
	q := url.Values{
		"$select": {"id,displayName"},
		"$top":    {"999"},
	}

	var out []Group
	next := c.base + "/groups?" + q.Encode()
	for next != "" {
		var page struct {
			Value []struct {
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if _, err := c.api.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, g := range page.Value {
			out = append(out, Group{ID: g.ID, Name: g.DisplayName})
		}
		next = page.NextLink
	}
	return out, nil
}

// ListOrgUnits returns nothing; the flavor has no unit hierarchy.
func (c *EntraClient) ListOrgUnits(ctx context.Context) ([]OrgUnit, error) {
	return nil, nil
}

// ListGroupMembers pages through one group's member object ids.
// Nested groups and devices come back too and are dropped later when
// tuples are filtered to known users.
func (c *EntraClient) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	next := c.base + "/groups/" + url.PathEscape(groupID) + "/members?" + url.Values{
		"$select": {"id"},
		"$top":    {"999"},
	}.Encode()
	for next != "" {
		var page struct {
			Value []struct {
				ID string `json:"id"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if _, err := c.api.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Value {
			out = append(out, m.ID)
		}
		next = page.NextLink
	}
	return out, nil
}

func graphAPIError(_ int, body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error.Message
}
