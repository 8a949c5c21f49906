package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

const jumpcloudBaseURL = "https://console.jumpcloud.com/api"

// JumpCloudConfig configures the JumpCloud client. Unlike the other
// flavors the credential is a long-lived admin API key, not a
// connect-flow token.
type JumpCloudConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// JumpCloudClient reads users and user groups from the JumpCloud
// admin API. v1 list endpoints page with limit/skip and report
// totalCount; v2 endpoints return bare arrays and page until a short
// page comes back.
type JumpCloudClient struct {
	api  *apiClient
	base string
}

func NewJumpCloudClient(cfg JumpCloudConfig) *JumpCloudClient {
	base := cfg.BaseURL
	if base == "" {
		base = jumpcloudBaseURL
	}
	api := newAPIClient("JumpCloud", rate.Limit(5), 10, headerAuth("x-api-key", cfg.APIKey), cfg.HTTPClient)
	api.apiError = jumpcloudAPIError
	return &JumpCloudClient{api: api, base: strings.TrimSuffix(base, "/")}
}

type jumpcloudUser struct {
	ID          string `json:"_id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayname"`
	FirstName   string `json:"firstname"`
	LastName    string `json:"lastname"`
	Suspended   bool   `json:"suspended"`
	State       string `json:"state"`
}

const jumpcloudPageSize = 100

// ListUsers pages /systemusers and keeps activated, unsuspended
// accounts.
func (c *JumpCloudClient) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	for skip := 0; ; skip += jumpcloudPageSize {
		var page struct {
			TotalCount int             `json:"totalCount"`
			Results    []jumpcloudUser `json:"results"`
		}
		u := c.base + "/systemusers?" + url.Values{
			"limit": {strconv.Itoa(jumpcloudPageSize)},
			"skip":  {strconv.Itoa(skip)},
		}.Encode()
		if _, err := c.api.getJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		for _, ju := range page.Results {
			if ju.Suspended || ju.State == "SUSPENDED" {
				continue
			}
			name := ju.DisplayName
			if name == "" {
				name = strings.TrimSpace(ju.FirstName + " " + ju.LastName)
			}
			out = append(out, User{
				ID:    ju.ID,
				Email: strings.ToLower(ju.Email),
				Name:  name,
			})
		}
		if skip+jumpcloudPageSize >= page.TotalCount || len(page.Results) == 0 {
			break
		}
	}
	return out, nil
}

// ListGroups pages the v2 user-group list until a short page.
func (c *JumpCloudClient) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	for skip := 0; ; skip += jumpcloudPageSize {
		var page []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		u := c.base + "/v2/usergroups?" + url.Values{
			"limit": {strconv.Itoa(jumpcloudPageSize)},
			"skip":  {strconv.Itoa(skip)},
		}.Encode()
		if _, err := c.api.getJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		for _, g := range page {
			out = append(out, Group{ID: g.ID, Name: g.Name})
		}
		if len(page) < jumpcloudPageSize {
			break
		}
	}
	return out, nil
}

// ListOrgUnits returns nothing; the flavor has no unit hierarchy.
func (c *JumpCloudClient) ListOrgUnits(ctx context.Context) ([]OrgUnit, error) {
	return nil, nil
}

// ListGroupMembers pages one group's membership edges and returns the
// user ids they point at.
func (c *JumpCloudClient) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	for skip := 0; ; skip += jumpcloudPageSize {
		var page []struct {
			To struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"to"`
		}
		u := c.base + "/v2/usergroups/" + url.PathEscape(groupID) + "/members?" + url.Values{
			"limit": {strconv.Itoa(jumpcloudPageSize)},
			"skip":  {strconv.Itoa(skip)},
		}.Encode()
		if _, err := c.api.getJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		for _, m := range page {
			if m.To.Type != "" && m.To.Type != "user" {
				continue
			}
			out = append(out, m.To.ID)
		}
		if len(page) < jumpcloudPageSize {
			break
		}
	}
	return out, nil
}

func jumpcloudAPIError(_ int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
