// Package auth drives the OIDC sign-in flows and maps verified
// assertions onto local identities.
//
// # Sign-in
//
// Service.Begin builds the provider's authorization redirect; the API
// layer stores the returned state and PKCE verifier in the caller's
// cookies. Service.Complete validates the callback, exchanges the code,
// verifies the ID token and reconciles the identity:
//
//	req, err := svc.Begin(ctx, provider, redirectURL)
//	// ... user authenticates at the IdP ...
//	result, err := svc.Complete(ctx, provider, redirectURL,
//		cookieState, r.URL.Query().Get("state"), cookieVerifier, code)
//
// Service.Connect runs the same verification but lands the tokens on
// the provider row, which is what the directory sync engine calls the
// provider's API with.
//
// # Reconciliation
//
// The Reconciler applies the provisioner-dependent matching policy:
// manual providers match by identifier and fall back to claiming an
// admin-created identity by email exactly once; just-in-time creates
// the actor and identity on first sign-in; directory-managed providers
// match strictly by identifier and never create rows at sign-in.
//
// # Admin tokens
//
// TokenGenerator mints the idps_-prefixed bearer tokens the admin API
// accepts. Tokens are shown once and configured as SHA256 hashes; the
// middleware hashes the presented token for the comparison.
package auth
