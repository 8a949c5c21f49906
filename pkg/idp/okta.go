package idp

import (
	"context"
	"fmt"
	"strings"
)

// oktaScopes covers sign-in plus the Okta API scopes the directory
// sync engine calls with the connect-flow token.
var oktaScopes = []string{
	"openid",
	"email",
	"profile",
	"offline_access",
	"okta.users.read",
	"okta.groups.read",
}

// Okta syncs users and groups from the Okta org API and delegates
// sign-in to the generic OIDC core. Okta exposes no org-unit
// hierarchy.
type Okta struct {
	core *Core
}

func (a *Okta) Name() AdapterName {
	return AdapterOkta
}

func (a *Okta) Capabilities() Capabilities {
	return Capabilities{
		Provisioners:       []Provisioner{ProvisionerCustom},
		DefaultProvisioner: ProvisionerCustom,
		ParentAdapter:      AdapterOIDC,
	}
}

// ApplyDefaults derives the org authorization server issuer from the
// account domain. Admins configuring a custom authorization server set
// issuer_url directly and the domain is ignored.
func (a *Okta) ApplyDefaults(cfg Config) (Config, error) {
	if cfg.IssuerURL == "" {
		if cfg.AccountDomain == "" {
			return cfg, fmt.Errorf("account_domain or issuer_url is required")
		}
		cfg.IssuerURL = "https://" + strings.TrimSuffix(cfg.AccountDomain, "/")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), oktaScopes...)
	}
	return cfg, nil
}

func (a *Okta) ValidateConfig(cfg Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.IssuerURL == "" && cfg.AccountDomain == "" {
		return fmt.Errorf("account_domain or issuer_url is required")
	}
	if cfg.AccountDomain != "" && strings.Contains(cfg.AccountDomain, "://") {
		return fmt.Errorf("account_domain must be a bare domain, not a URL")
	}
	return nil
}

func (a *Okta) AuthParams() map[string]string {
	return nil
}

func (a *Okta) ClientFor(ctx context.Context, providerID string, cfg ClientConfig) (*Client, error) {
	withDefaults, err := a.ApplyDefaults(cfg.Config)
	if err != nil {
		return nil, err
	}
	cfg.Config = withDefaults
	return a.core.ClientFor(ctx, providerID, cfg)
}
