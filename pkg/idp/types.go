package idp

import (
	"time"
)

// AdapterName identifies one supported identity-provider flavor.
type AdapterName string

const (
	AdapterOIDC            AdapterName = "openid_connect"
	AdapterGoogleWorkspace AdapterName = "google_workspace"
	AdapterOkta            AdapterName = "okta"
	AdapterMicrosoftEntra  AdapterName = "microsoft_entra"
	AdapterJumpCloud       AdapterName = "jumpcloud"
)

// AdapterNames lists every registered flavor in a stable order.
func AdapterNames() []AdapterName {
	return []AdapterName{
		AdapterOIDC,
		AdapterGoogleWorkspace,
		AdapterOkta,
		AdapterMicrosoftEntra,
		AdapterJumpCloud,
	}
}

// Valid reports whether n names a supported flavor.
func (n AdapterName) Valid() bool {
	switch n {
	case AdapterOIDC, AdapterGoogleWorkspace, AdapterOkta, AdapterMicrosoftEntra, AdapterJumpCloud:
		return true
	}
	return false
}

func (n AdapterName) String() string {
	return string(n)
}

// Provisioner describes how identities under a provider come into
// existence.
type Provisioner string

const (
	// ProvisionerManual means an admin creates identities ahead of time,
	// keyed by email until the first sign-in claims them.
	ProvisionerManual Provisioner = "manual"

	// ProvisionerJustInTime means the first successful sign-in creates
	// the identity.
	ProvisionerJustInTime Provisioner = "just_in_time"

	// ProvisionerCustom means the directory sync engine owns the
	// identity lifecycle.
	ProvisionerCustom Provisioner = "custom"
)

// Valid reports whether p is a known provisioner.
func (p Provisioner) Valid() bool {
	switch p {
	case ProvisionerManual, ProvisionerJustInTime, ProvisionerCustom:
		return true
	}
	return false
}

// Capabilities is the descriptor every adapter flavor declares: which
// provisioners it supports, which one new providers default to, and the
// flavor it delegates protocol work to (empty for the generic core).
type Capabilities struct {
	Provisioners       []Provisioner `json:"provisioners"`
	DefaultProvisioner Provisioner   `json:"default_provisioner"`
	ParentAdapter      AdapterName   `json:"parent_adapter,omitempty"`
}

// Supports reports whether the flavor allows the given provisioner.
func (c Capabilities) Supports(p Provisioner) bool {
	for _, candidate := range c.Provisioners {
		if candidate == p {
			return true
		}
	}
	return false
}

// Config is the per-provider adapter configuration persisted as the
// adapter_config column. The client secret stays in the struct so the
// storage layer can round-trip it; the API layer redacts it before any
// response leaves the process.
type Config struct {
	IssuerURL    string   `json:"issuer_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	ResponseType string   `json:"response_type,omitempty"`

	// IdentifierClaim names the claim used as the stable provider
	// identifier. Empty means "sub".
	IdentifierClaim string `json:"identifier_claim,omitempty"`

	// Flavor-specific settings. TenantID feeds the Entra issuer
	// template, AccountDomain the Okta one. APIKey authenticates the
	// JumpCloud directory API, which has no OAuth surface.
	TenantID      string `json:"tenant_id,omitempty"`
	AccountDomain string `json:"account_domain,omitempty"`
	APIKey        string `json:"api_key,omitempty"`

	SkipIssuerCheck bool `json:"skip_issuer_check,omitempty"`
}

// EffectiveIdentifierClaim returns the configured identifier claim or
// the default.
func (c Config) EffectiveIdentifierClaim() string {
	if c.IdentifierClaim == "" {
		return "sub"
	}
	return c.IdentifierClaim
}

// EffectiveResponseType returns the configured response type or the
// authorization-code default.
func (c Config) EffectiveResponseType() string {
	if c.ResponseType == "" {
		return "code"
	}
	return c.ResponseType
}

// State is the per-provider adapter state persisted as the
// adapter_state column: the tokens and claims captured when an admin
// connected the provider, kept fresh by the refresh job.
type State struct {
	AccessToken  string                 `json:"access_token,omitempty"`
	RefreshToken string                 `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	Claims       map[string]interface{} `json:"claims,omitempty"`
	Userinfo     map[string]interface{} `json:"userinfo,omitempty"`
}

// Expired reports whether the access token is past expiry at the given
// instant. A state without an expiry never reports expired.
func (s State) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires inside the
// lookahead window. States without an expiry never qualify.
func (s State) ExpiresWithin(now time.Time, window time.Duration) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now.Add(window))
}

// Token is the outcome of one token-endpoint exchange. ExpiresAt is
// taken from expires_in when the provider sends it, from the ID token's
// exp claim otherwise, and left nil when neither is available.
type Token struct {
	AccessToken  string
	RefreshToken string
	RawIDToken   string
	ExpiresAt    *time.Time
}

// Claims is the verified, flattened claim set the reconciler consumes.
// Raw preserves every claim from the ID token for storage.
type Claims struct {
	Issuer        string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Raw           map[string]interface{}
}

// Identifier resolves the configured identifier claim from the raw
// claim set, falling back to the subject for the default claim name.
func (c Claims) Identifier(claim string) (string, bool) {
	if claim == "" || claim == "sub" {
		return c.Subject, c.Subject != ""
	}
	v, ok := c.Raw[claim]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
