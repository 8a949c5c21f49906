package idp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// defaultScopes is used when a provider's configuration does not name
// its own scope list.
var defaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// ClientConfig carries everything needed to construct a protocol client
// for one provider. RedirectURL is computed by the caller from its
// public base URL; HTTPClient is optional and mainly for tests.
type ClientConfig struct {
	Config
	RedirectURL string
	HTTPClient  *http.Client
}

// Client speaks the OIDC authorization-code flow for one provider. It
// is safe for concurrent use and is normally cached per provider.
type Client struct {
	cfg      ClientConfig
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
}

// AuthorizationRequest bundles the redirect URI with the state and
// verifier the caller must persist client-side (signed cookies) to
// finish the flow. No authorization-attempt state is held server-side.
type AuthorizationRequest struct {
	URI      string
	State    string
	Verifier string
}

// NewClient runs discovery against the configured issuer and prepares
// the token verifier and OAuth2 endpoints.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, WrapError(CodeInternal, "failed to discover provider configuration", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if !containsScope(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
	})

	return &Client{
		cfg:      cfg,
		provider: provider,
		verifier: verifier,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

// Issuer returns the issuer the client was discovered against.
func (c *Client) Issuer() string {
	return c.cfg.IssuerURL
}

// BuildAuthorizationURI generates a fresh state and PKCE verifier and
// returns the authorization endpoint URI carrying the S256 challenge.
// Extra parameters (prompt, login_hint, hd) are appended verbatim.
func (c *Client) BuildAuthorizationURI(extra map[string]string) (*AuthorizationRequest, error) {
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", Challenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("response_type", c.cfg.EffectiveResponseType()),
	}
	for k, v := range extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return &AuthorizationRequest{
		URI:      c.oauth.AuthCodeURL(state, opts...),
		State:    state,
		Verifier: verifier,
	}, nil
}

// Exchange redeems an authorization code with the PKCE verifier.
// ExpiresAt comes from expires_in when the provider sends it, from the
// ID token's exp claim otherwise, and stays nil when neither exists.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*Token, error) {
	ctx = c.httpContext(ctx)
	tok, err := c.oauth.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, classifyTokenError(err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, NewError(CodeInvalidToken, "token response did not include an id_token")
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		RawIDToken:   rawID,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		out.ExpiresAt = &expiry
	} else {
		out.ExpiresAt = idTokenExpiry(rawID)
	}
	return out, nil
}

// Refresh runs the refresh-token grant. Providers that rotate refresh
// tokens get the rotated value carried forward; providers that do not
// keep the original.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, NewError(CodeInvalidToken, "missing credential: no refresh token on file")
	}

	ctx = c.httpContext(ctx)
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	if rawID, ok := tok.Extra("id_token").(string); ok {
		out.RawIDToken = rawID
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		out.ExpiresAt = &expiry
	}
	return out, nil
}

// VerifyIDToken validates signature, issuer, audience and expiry and
// returns the flattened claim set. Expiry failures surface as
// CodeExpiredToken; every other verification failure as
// CodeInvalidToken.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken string) (*Claims, error) {
	ctx = c.httpContext(ctx)
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, WrapError(CodeExpiredToken, "id token is expired", err)
		}
		return nil, WrapError(CodeInvalidToken, "id token failed verification", err)
	}

	var std struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&std); err != nil {
		return nil, WrapError(CodeInvalidToken, "failed to parse id token claims", err)
	}
	raw := map[string]interface{}{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, WrapError(CodeInvalidToken, "failed to parse id token claims", err)
	}

	return &Claims{
		Issuer:        idToken.Issuer,
		Subject:       idToken.Subject,
		Email:         strings.ToLower(std.Email),
		EmailVerified: std.EmailVerified,
		Name:          std.Name,
		Picture:       std.Picture,
		Raw:           raw,
	}, nil
}

// UserInfo fetches the userinfo endpoint with the access token. A
// provider whose discovery document publishes no userinfo endpoint
// yields an empty map rather than an error.
func (c *Client) UserInfo(ctx context.Context, token *Token) (map[string]interface{}, error) {
	var disco struct {
		UserinfoEndpoint string `json:"userinfo_endpoint"`
	}
	if err := c.provider.Claims(&disco); err != nil || disco.UserinfoEndpoint == "" {
		return map[string]interface{}{}, nil
	}

	ctx = c.httpContext(ctx)
	info, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, WrapError(CodeInternal, "failed to fetch userinfo", err)
	}

	out := map[string]interface{}{}
	if err := info.Claims(&out); err != nil {
		return nil, WrapError(CodeInternal, "failed to parse userinfo claims", err)
	}
	return out, nil
}

func (c *Client) httpContext(ctx context.Context) context.Context {
	if c.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	return ctx
}

// classifyTokenError maps token-endpoint failures onto the taxonomy:
// 4xx responses are rejected credentials (expired when the provider
// says so, invalid otherwise) and are not retried; 5xx and transport
// failures are internal and safe to retry.
func classifyTokenError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.Response != nil && retrieve.Response.StatusCode >= 500 {
			return WrapError(CodeInternal, "identity provider returned a server error", err)
		}
		desc := strings.ToLower(retrieve.ErrorCode + " " + retrieve.ErrorDescription)
		if strings.Contains(desc, "expired") {
			return WrapError(CodeExpiredToken, "token is expired", err)
		}
		return WrapError(CodeInvalidToken, "identity provider rejected the token request", err)
	}
	return WrapError(CodeInternal, "failed to reach identity provider", err)
}

// idTokenExpiry reads the exp claim straight off a JWT payload without
// verifying it. Verification happens separately; this only feeds the
// expires_at fallback.
func idTokenExpiry(raw string) *time.Time {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return nil
	}
	expiry := time.Unix(claims.Exp, 0)
	return &expiry
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
