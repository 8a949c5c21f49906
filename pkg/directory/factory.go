package directory

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/perimetra/idpsync/pkg/idp"
)

// NewClient builds the directory client for one provider flavor.
// Google, Okta and Entra authenticate with the access token captured
// when an admin connected the provider; JumpCloud uses the admin API
// key from the provider config. Flavors without a directory API are
// rejected.
func NewClient(adapter idp.AdapterName, cfg idp.Config, state idp.State, httpClient *http.Client) (Client, error) {
	switch adapter {
	case idp.AdapterGoogleWorkspace:
		if state.AccessToken == "" {
			return nil, missingToken(FlavorName(adapter))
		}
		return NewGoogleClient(GoogleConfig{
			AccessToken: state.AccessToken,
			HTTPClient:  httpClient,
		}), nil

	case idp.AdapterOkta:
		if state.AccessToken == "" {
			return nil, missingToken(FlavorName(adapter))
		}
		domain, err := oktaDomain(cfg)
		if err != nil {
			return nil, err
		}
		return NewOktaClient(OktaConfig{
			Domain:      domain,
			AccessToken: state.AccessToken,
			HTTPClient:  httpClient,
		}), nil

	case idp.AdapterMicrosoftEntra:
		if state.AccessToken == "" {
			return nil, missingToken(FlavorName(adapter))
		}
		return NewEntraClient(EntraConfig{
			AccessToken: state.AccessToken,
			HTTPClient:  httpClient,
		}), nil

	case idp.AdapterJumpCloud:
		if cfg.APIKey == "" {
			return nil, idp.NewError(idp.CodeUnauthorized, "missing credential: JumpCloud provider has no API key configured")
		}
		return NewJumpCloudClient(JumpCloudConfig{
			APIKey:     cfg.APIKey,
			HTTPClient: httpClient,
		}), nil

	default:
		return nil, idp.Errorf(idp.CodeUnclassified, "adapter %q has no directory API", adapter)
	}
}

func missingToken(flavor string) error {
	return idp.Errorf(idp.CodeUnauthorized, "missing credential: %s provider has no directory access token; reconnect the provider", flavor)
}

// FlavorName returns the display name used in operator-facing messages.
func FlavorName(adapter idp.AdapterName) string {
	switch adapter {
	case idp.AdapterGoogleWorkspace:
		return "Google Workspace"
	case idp.AdapterOkta:
		return "Okta"
	case idp.AdapterMicrosoftEntra:
		return "Microsoft Entra"
	case idp.AdapterJumpCloud:
		return "JumpCloud"
	default:
		return string(adapter)
	}
}

// oktaDomain resolves the org domain the directory API lives on,
// preferring the explicit account domain over the issuer host.
func oktaDomain(cfg idp.Config) (string, error) {
	if cfg.AccountDomain != "" {
		return trimScheme(cfg.AccountDomain), nil
	}
	if cfg.IssuerURL != "" {
		u, err := url.Parse(cfg.IssuerURL)
		if err == nil && u.Host != "" {
			return u.Host, nil
		}
	}
	return "", idp.NewError(idp.CodeUnclassified, "okta provider has no account domain configured")
}

// trimScheme strips an accidental scheme prefix from a configured
// domain.
func trimScheme(domain string) string {
	if i := strings.Index(domain, "://"); i >= 0 {
		return domain[i+3:]
	}
	return domain
}
