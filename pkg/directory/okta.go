package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// OktaConfig configures the org API client. Domain is the bare account
// domain (acme.okta.com); the access token comes from the connect-flow
// adapter state and must carry the okta.users.read and
// okta.groups.read scopes.
type OktaConfig struct {
	Domain      string
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// OktaClient reads users and groups from the Okta org API. Okta has no
// org-unit hierarchy.
type OktaClient struct {
	api  *apiClient
	base string
}

// NewOktaClient builds the client. The org API allows bursts but
// throttles sustained load, so the limiter stays conservative.
func NewOktaClient(cfg OktaConfig) *OktaClient {
	base := cfg.BaseURL
	if base == "" {
		base = "https://" + strings.TrimSuffix(cfg.Domain, "/") + "/api/v1"
	}
	api := newAPIClient("Okta", rate.Limit(5), 10, bearerAuth(cfg.AccessToken), cfg.HTTPClient)
	api.apiError = oktaAPIError
	return &OktaClient{api: api, base: strings.TrimSuffix(base, "/")}
}

type oktaUser struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Profile struct {
		Email       string `json:"email"`
		FirstName   string `json:"firstName"`
		LastName    string `json:"lastName"`
		DisplayName string `json:"displayName"`
	} `json:"profile"`
}

type oktaGroup struct {
	ID      string `json:"id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// ListUsers pages through active users.
func (c *OktaClient) ListUsers(ctx context.Context) ([]User, error) {
	q := url.Values{
		"limit":  {"200"},
		"filter": {`status eq "ACTIVE"`},
	}
	users, err := oktaCollect[oktaUser](ctx, c.api, c.base+"/users?"+q.Encode())
	if err != nil {
		return nil, err
	}

	out := make([]User, 0, len(users))
	for _, u := range users {
		name := u.Profile.DisplayName
		if name == "" {
			name = strings.TrimSpace(u.Profile.FirstName + " " + u.Profile.LastName)
		}
		out = append(out, User{
			ID:    u.ID,
			Email: strings.ToLower(u.Profile.Email),
			Name:  name,
		})
	}
	return out, nil
}

// ListGroups pages through every group.
func (c *OktaClient) ListGroups(ctx context.Context) ([]Group, error) {
	groups, err := oktaCollect[oktaGroup](ctx, c.api, c.base+"/groups?limit=200")
	if err != nil {
		return nil, err
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, Group{ID: g.ID, Name: g.Profile.Name})
	}
	return out, nil
}

// ListOrgUnits returns nothing; the flavor has no unit hierarchy.
func (c *OktaClient) ListOrgUnits(ctx context.Context) ([]OrgUnit, error) {
	return nil, nil
}

// ListGroupMembers pages through one group's member ids.
func (c *OktaClient) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	endpoint := c.base + "/groups/" + url.PathEscape(groupID) + "/users?limit=200"
	members, err := oktaCollect[oktaUser](ctx, c.api, endpoint)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.ID)
	}
	return out, nil
}

// oktaCollect follows the Link header rel="next" convention until the
// collection is exhausted.
func oktaCollect[T any](ctx context.Context, api *apiClient, first string) ([]T, error) {
	var out []T
	next := first
	for next != "" {
		var page []T
		headers, err := api.getJSON(ctx, next, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		next = oktaNextLink(headers)
	}
	return out, nil
}

// oktaNextLink extracts the rel="next" URL from a Link header.
func oktaNextLink(headers http.Header) string {
	for _, header := range headers.Values("Link") {
		for _, link := range strings.Split(header, ",") {
			if !strings.Contains(link, `rel="next"`) {
				continue
			}
			start := strings.Index(link, "<")
			end := strings.Index(link, ">")
			if start >= 0 && end > start {
				return link[start+1 : end]
			}
		}
	}
	return ""
}

func oktaAPIError(_ int, body []byte) string {
	var payload struct {
		ErrorSummary string `json:"errorSummary"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.ErrorSummary
}
