// Package cli provides the idpsync command-line interface for operators.
//
// # Overview
//
// This package implements the `idpsync` CLI tool for managing identity
// providers, driving directory sync runs, probing adapter configurations
// and minting admin credentials from the terminal.
//
// # Commands
//
// providers: Inspect configured identity providers
//
//	idpsync providers list
//	idpsync providers show 4f6b82de-8a3c-4e62-9a6c-0f6f0c61c1f2
//
// sync: Control directory sync for a provider
//
//	idpsync sync run <provider-id>
//	idpsync sync status <provider-id> --limit 50
//	idpsync sync reset <provider-id>
//
// verify: Probe an adapter configuration against the live issuer
//
//	idpsync verify \
//		--adapter okta \
//		--account-domain acme.okta.com \
//		--client-id 0oa... \
//		--client-secret ...
//
// The probe validates the config the way the management API would, runs
// OIDC discovery and resolves the authorization endpoint, so credential
// problems surface before a provider is saved.
//
// token: Mint an admin token
//
//	idpsync token --account acct-1 --name terraform
//
// Prints the idps_ token once together with the account:sha256:name
// entry for the server's IDPSYNC_ADMIN_TOKENS list. Only the hash ever
// reaches the server.
//
// # Configuration
//
// Server URL and admin token resolve in order: command flags, the
// IDPSYNC_SERVER and IDPSYNC_TOKEN environment variables, then the
// profile file:
//
//	# ~/.idpsync/config.yaml
//	server: https://sso.example.com
//	token: idps_...
//
// Use --config to point at a different profile.
//
// # Related Packages
//
//   - pkg/api: Response types for the management API
//   - pkg/idp: Adapter registry behind the verify probe
//   - pkg/auth: Token generator behind the token command
package cli
