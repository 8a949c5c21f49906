// Package audit records security-relevant events for compliance and
// forensics: sign-ins, directory sync runs, and provider configuration
// changes.
//
// # Event Types
//
// Authentication: auth.signin, auth.signin_failed
// Sync: sync.run, sync.disabled
// Configuration: config.provider_created, config.provider_updated,
// config.provider_deleted, config.provider_connected
//
// # Usage
//
// Handlers and jobs log through the context; a request that never passed
// the audit middleware gets a no-op logger, so call sites never branch:
//
//	audit.LogSignin(ctx, actor.ID, actor.Email, provider.ID,
//		audit.EventStatusSuccess, "Signed in via Okta")
//
//	audit.LogSyncRun(ctx, provider, audit.EventStatusFailure,
//		"directory API rejected the access token", nil)
//
// Query and export through the store:
//
//	events, err := store.Search(ctx, audit.SearchFilter{
//		ProviderID: provider.ID,
//		EventTypes: []audit.EventType{audit.EventTypeSyncRun},
//		Status:     &failure,
//	})
//
// # Retention
//
// Postgres keeps 90 days by default. Cleanup archives expired rows to S3
// as gzipped NDJSON before deleting them, so the trail survives the
// table. Export supports JSON, CSV and NDJSON for external analysis.
package audit
