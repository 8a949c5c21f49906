package idp

import (
	"context"
	"fmt"
	"strings"
)

// entraIssuerTemplate expands with the directory tenant id.
const entraIssuerTemplate = "https://login.microsoftonline.com/%s/v2.0"

// entraScopes covers sign-in plus the Microsoft Graph scopes the
// directory sync engine calls with the connect-flow token.
var entraScopes = []string{
	"openid",
	"email",
	"profile",
	"offline_access",
	"User.Read.All",
	"Group.Read.All",
	"GroupMember.Read.All",
}

// MicrosoftEntra syncs users and groups from Microsoft Graph and
// delegates sign-in to the generic OIDC core. The identifier claim
// defaults to oid: Entra's sub is pairwise per application, while oid
// matches the Graph user id the sync engine sees.
type MicrosoftEntra struct {
	core *Core
}

func (a *MicrosoftEntra) Name() AdapterName {
	return AdapterMicrosoftEntra
}

func (a *MicrosoftEntra) Capabilities() Capabilities {
	return Capabilities{
		Provisioners:       []Provisioner{ProvisionerCustom},
		DefaultProvisioner: ProvisionerCustom,
		ParentAdapter:      AdapterOIDC,
	}
}

func (a *MicrosoftEntra) ApplyDefaults(cfg Config) (Config, error) {
	if cfg.IssuerURL == "" {
		if cfg.TenantID == "" {
			return cfg, fmt.Errorf("tenant_id or issuer_url is required")
		}
		cfg.IssuerURL = fmt.Sprintf(entraIssuerTemplate, cfg.TenantID)
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), entraScopes...)
	}
	if cfg.IdentifierClaim == "" {
		cfg.IdentifierClaim = "oid"
	}
	return cfg, nil
}

func (a *MicrosoftEntra) ValidateConfig(cfg Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.IssuerURL == "" && cfg.TenantID == "" {
		return fmt.Errorf("tenant_id or issuer_url is required")
	}
	if cfg.IssuerURL != "" && !strings.HasPrefix(cfg.IssuerURL, "https://login.microsoftonline.com/") {
		return fmt.Errorf("issuer_url for microsoft_entra must be under login.microsoftonline.com")
	}
	return nil
}

func (a *MicrosoftEntra) AuthParams() map[string]string {
	return nil
}

func (a *MicrosoftEntra) ClientFor(ctx context.Context, providerID string, cfg ClientConfig) (*Client, error) {
	withDefaults, err := a.ApplyDefaults(cfg.Config)
	if err != nil {
		return nil, err
	}
	cfg.Config = withDefaults
	return a.core.ClientFor(ctx, providerID, cfg)
}
