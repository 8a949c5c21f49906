package idp

import (
	"context"
	"fmt"
	"strings"
)

// OpenIDConnect is the generic flavor: any spec-compliant IdP with a
// discovery document. It is also the parent every directory flavor
// delegates protocol work to. Identities are provisioned manually or
// just-in-time; there is no directory surface to sync.
type OpenIDConnect struct {
	core *Core
}

func (a *OpenIDConnect) Name() AdapterName {
	return AdapterOIDC
}

func (a *OpenIDConnect) Capabilities() Capabilities {
	return Capabilities{
		Provisioners:       []Provisioner{ProvisionerManual, ProvisionerJustInTime},
		DefaultProvisioner: ProvisionerManual,
	}
}

func (a *OpenIDConnect) ApplyDefaults(cfg Config) (Config, error) {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), defaultScopes...)
	}
	return cfg, nil
}

func (a *OpenIDConnect) ValidateConfig(cfg Config) error {
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if !strings.HasPrefix(cfg.IssuerURL, "https://") && !strings.HasPrefix(cfg.IssuerURL, "http://") {
		return fmt.Errorf("issuer_url must be an absolute URL")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	return nil
}

func (a *OpenIDConnect) AuthParams() map[string]string {
	return nil
}

func (a *OpenIDConnect) ClientFor(ctx context.Context, providerID string, cfg ClientConfig) (*Client, error) {
	withDefaults, err := a.ApplyDefaults(cfg.Config)
	if err != nil {
		return nil, err
	}
	cfg.Config = withDefaults
	return a.core.ClientFor(ctx, providerID, cfg)
}
