package idp

import (
	"context"
	"fmt"
)

// jumpcloudIssuerURL is fixed for every JumpCloud organization.
const jumpcloudIssuerURL = "https://oauth.id.jumpcloud.com/"

var jumpcloudScopes = []string{
	"openid",
	"email",
	"profile",
}

// JumpCloud syncs users and groups from the JumpCloud admin API and
// delegates sign-in to the generic OIDC core. The directory API has no
// OAuth surface, so sync authenticates with an admin API key instead
// of the connect-flow token.
type JumpCloud struct {
	core *Core
}

func (a *JumpCloud) Name() AdapterName {
	return AdapterJumpCloud
}

func (a *JumpCloud) Capabilities() Capabilities {
	return Capabilities{
		Provisioners:       []Provisioner{ProvisionerCustom},
		DefaultProvisioner: ProvisionerCustom,
		ParentAdapter:      AdapterOIDC,
	}
}

func (a *JumpCloud) ApplyDefaults(cfg Config) (Config, error) {
	if cfg.IssuerURL == "" {
		cfg.IssuerURL = jumpcloudIssuerURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), jumpcloudScopes...)
	}
	return cfg, nil
}

func (a *JumpCloud) ValidateConfig(cfg Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("api_key is required for directory sync")
	}
	return nil
}

func (a *JumpCloud) AuthParams() map[string]string {
	return nil
}

func (a *JumpCloud) ClientFor(ctx context.Context, providerID string, cfg ClientConfig) (*Client, error) {
	withDefaults, err := a.ApplyDefaults(cfg.Config)
	if err != nil {
		return nil, err
	}
	cfg.Config = withDefaults
	return a.core.ClientFor(ctx, providerID, cfg)
}
