package idp

import (
	"context"
	"fmt"
)

// googleIssuerURL is fixed for every Google Workspace tenant.
const googleIssuerURL = "https://accounts.google.com"

// googleScopes covers sign-in plus read-only Admin SDK access for the
// directory sync engine. The admin connecting the provider consents to
// the directory scopes once; sync reuses the resulting tokens.
var googleScopes = []string{
	"openid",
	"email",
	"profile",
	"https://www.googleapis.com/auth/admin.directory.customer.readonly",
	"https://www.googleapis.com/auth/admin.directory.orgunit.readonly",
	"https://www.googleapis.com/auth/admin.directory.group.readonly",
	"https://www.googleapis.com/auth/admin.directory.user.readonly",
}

// GoogleWorkspace syncs users, groups and organization units from the
// Admin SDK directory and delegates sign-in to the generic OIDC core.
type GoogleWorkspace struct {
	core *Core
}

func (a *GoogleWorkspace) Name() AdapterName {
	return AdapterGoogleWorkspace
}

func (a *GoogleWorkspace) Capabilities() Capabilities {
	return Capabilities{
		Provisioners:       []Provisioner{ProvisionerCustom},
		DefaultProvisioner: ProvisionerCustom,
		ParentAdapter:      AdapterOIDC,
	}
}

func (a *GoogleWorkspace) ApplyDefaults(cfg Config) (Config, error) {
	if cfg.IssuerURL == "" {
		cfg.IssuerURL = googleIssuerURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), googleScopes...)
	}
	return cfg, nil
}

func (a *GoogleWorkspace) ValidateConfig(cfg Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.IssuerURL != "" && cfg.IssuerURL != googleIssuerURL {
		return fmt.Errorf("issuer_url for google_workspace must be %s", googleIssuerURL)
	}
	return nil
}

// AuthParams requests offline access so the connect flow yields a
// refresh token for the directory sync engine. Google only issues one
// when consent is re-prompted.
func (a *GoogleWorkspace) AuthParams() map[string]string {
	return map[string]string{
		"access_type": "offline",
		"prompt":      "consent",
	}
}

func (a *GoogleWorkspace) ClientFor(ctx context.Context, providerID string, cfg ClientConfig) (*Client, error) {
	withDefaults, err := a.ApplyDefaults(cfg.Config)
	if err != nil {
		return nil, err
	}
	cfg.Config = withDefaults
	return a.core.ClientFor(ctx, providerID, cfg)
}
