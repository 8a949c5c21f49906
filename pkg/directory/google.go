package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const googleBaseURL = "https://admin.googleapis.com/admin/directory/v1"

// GoogleConfig configures the Admin SDK directory client. The access
// token comes from the provider's connect-flow adapter state.
type GoogleConfig struct {
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// GoogleClient reads the Google Workspace directory: users, groups,
// org units and group members, through the Admin SDK.
type GoogleClient struct {
	api  *apiClient
	base string
}

// NewGoogleClient builds the client. Admin SDK quotas sit around ten
// queries per second per user, so the limiter stays under that.
func NewGoogleClient(cfg GoogleConfig) *GoogleClient {
	base := cfg.BaseURL
	if base == "" {
		base = googleBaseURL
	}
	api := newAPIClient("Google Workspace", rate.Limit(8), 8, bearerAuth(cfg.AccessToken), cfg.HTTPClient)
	api.apiError = googleAPIError
	api.rateLimited = googleRateLimited
	return &GoogleClient{api: api, base: strings.TrimSuffix(base, "/")}
}

// ListUsers pages through every active user. Suspended and archived
// accounts are filtered server-side.
func (c *GoogleClient) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	pageToken := ""
	for {
		q := url.Values{
			"customer":   {"my_customer"},
			"maxResults": {"500"},
			"query":      {"isSuspended=false isArchived=false"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page struct {
			Users []struct {
				ID           string `json:"id"`
				PrimaryEmail string `json:"primaryEmail"`
				Name         struct {
					FullName string `json:"fullName"`
				} `json:"name"`
				OrgUnitPath string `json:"orgUnitPath"`
			} `json:"users"`
			NextPageToken string `json:"nextPageToken"`
		}
		if _, err := c.api.getJSON(ctx, c.base+"/users?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		for _, u := range page.Users {
			out = append(out, User{
				ID:      u.ID,
				Email:   strings.ToLower(u.PrimaryEmail),
				Name:    u.Name.FullName,
				OrgUnit: u.OrgUnitPath,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListGroups pages through every group of the customer.
func (c *GoogleClient) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	pageToken := ""
	for {
		q := url.Values{
			"customer":   {"my_customer"},
			"maxResults": {"200"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page struct {
			Groups []struct {
				ID    string `json:"id"`
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"groups"`
			NextPageToken string `json:"nextPageToken"`
		}
		if _, err := c.api.getJSON(ctx, c.base+"/groups?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		for _, g := range page.Groups {
			name := g.Name
			if name == "" {
				name = g.Email
			}
			out = append(out, Group{ID: g.ID, Name: name})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListOrgUnits returns the whole unit tree. The endpoint is not
// paginated; type=all includes nested units.
func (c *GoogleClient) ListOrgUnits(ctx context.Context) ([]OrgUnit, error) {
	var page struct {
		OrganizationUnits []struct {
			OrgUnitID         string `json:"orgUnitId"`
			Name              string `json:"name"`
			OrgUnitPath       string `json:"orgUnitPath"`
			ParentOrgUnitID   string `json:"parentOrgUnitId"`
			ParentOrgUnitPath string `json:"parentOrgUnitPath"`
		} `json:"organizationUnits"`
	}
	if _, err := c.api.getJSON(ctx, c.base+"/customer/my_customer/orgunits?type=all", &page); err != nil {
		return nil, err
	}

	out := make([]OrgUnit, 0, len(page.OrganizationUnits))
	for _, u := range page.OrganizationUnits {
		out = append(out, OrgUnit{
			ID:         u.OrgUnitID,
			Name:       u.Name,
			Path:       u.OrgUnitPath,
			ParentID:   u.ParentOrgUnitID,
			ParentPath: u.ParentOrgUnitPath,
		})
	}
	return out, nil
}

// ListGroupMembers pages through one group's member ids. Nested
// non-user members come back too and are dropped later when tuples are
// filtered to known users.
func (c *GoogleClient) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	pageToken := ""
	for {
		q := url.Values{"maxResults": {"200"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page struct {
			Members []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"members"`
			NextPageToken string `json:"nextPageToken"`
		}
		endpoint := c.base + "/groups/" + url.PathEscape(groupID) + "/members?" + q.Encode()
		if _, err := c.api.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Members {
			out = append(out, m.ID)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func googleAPIError(_ int, body []byte) string {
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

// googleRateLimited recognizes the Admin SDK quota signal, which
// arrives as 403 with a rate-limit reason rather than 429.
func googleRateLimited(status int, body []byte) bool {
	if status != http.StatusForbidden {
		return false
	}
	var payload struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	for _, e := range payload.Error.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}
