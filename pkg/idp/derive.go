package idp

import (
	"fmt"
	"strings"
)

// IdentityAssertion is what one verified sign-in asserts about a user:
// the stable identifier under the configured claim, the email used by
// the manual-provisioner claiming policy, profile fields, and the
// state bundle (tokens, claims, userinfo) persisted on the identity.
type IdentityAssertion struct {
	Issuer     string
	Identifier string
	Email      string
	Name       string
	Picture    string
	State      State
}

// DeriveIdentity flattens verified claims, the exchanged token and the
// optional userinfo response into an assertion. The identifier comes
// from the provider's configured identifier claim (default sub);
// userinfo fills profile gaps the ID token left open.
func DeriveIdentity(cfg Config, claims *Claims, token *Token, userinfo map[string]interface{}) (*IdentityAssertion, error) {
	identifier, ok := claims.Identifier(cfg.EffectiveIdentifierClaim())
	if !ok {
		return nil, Errorf(CodeInvalidToken, "id token is missing the %q claim", cfg.EffectiveIdentifierClaim())
	}

	email := claims.Email
	if email == "" {
		email = stringClaim(userinfo, "email")
	}
	name := claims.Name
	if name == "" {
		name = stringClaim(userinfo, "name")
	}
	picture := claims.Picture
	if picture == "" {
		picture = stringClaim(userinfo, "picture")
	}

	state := State{
		Claims:   claims.Raw,
		Userinfo: userinfo,
	}
	if token != nil {
		state.AccessToken = token.AccessToken
		state.RefreshToken = token.RefreshToken
		state.ExpiresAt = token.ExpiresAt
	}

	return &IdentityAssertion{
		Issuer:     claims.Issuer,
		Identifier: identifier,
		Email:      strings.ToLower(email),
		Name:       name,
		Picture:    picture,
		State:      state,
	}, nil
}

func stringClaim(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}

// String keeps assertions loggable without leaking tokens.
func (a *IdentityAssertion) String() string {
	return fmt.Sprintf("identity<%s %s>", a.Identifier, a.Email)
}
