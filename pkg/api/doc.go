// Package api provides the HTTP server for provider management,
// directory sync control and the browser-facing sign-in flow.
//
// # Overview
//
// This package stitches the other packages into one http.Handler:
//
//	server := api.NewServer(api.ServerConfig{...})
//	http.ListenAndServe(addr, server)
//
// # Route Groups
//
// Sign-in flow (unauthenticated, IP rate limited):
//
//	GET /auth/{provider}/redirect   start the authorization flow
//	GET /auth/{provider}/callback   finish it, sign in or connect
//
// Management API (admin token, per-account rate limited):
//
//	/v1/adapters                    registered adapters and capabilities
//	/v1/providers                   provider CRUD
//	/v1/providers/{id}/sync         trigger and inspect directory sync
//	/v1/providers/{id}/identities   synced identities
//	/v1/providers/{id}/groups       synced groups
//	/v1/notifications/targets       webhook targets
//	/v1/audit/*                     audit trail
//
// # Response Redaction
//
// Stored adapter configs carry client secrets and API keys. Responses
// replace them with client_secret_set / api_key_set booleans, and a
// config update with a blank secret keeps the stored one.
//
// # Related Packages
//
//   - pkg/auth: sign-in and connect flows behind the /auth routes
//   - pkg/dirsync: the scheduler behind the sync trigger
//   - pkg/middleware: admin token auth and rate limiting
package api
