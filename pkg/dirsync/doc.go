// Package dirsync is the directory synchronization engine. On a fixed
// schedule it gathers users, groups and organization units from each
// sync-eligible provider's directory API, flattens org-unit ancestry
// into synthetic groups, diffs the result against the stored graph and
// applies it in one transaction per provider.
//
// A Postgres advisory lock keyed by job class and provider id keeps
// each provider's sync a cluster-wide singleton: a tick that cannot
// take the lock is a silent no-op. Failures never escape the job
// boundary. They land on the provider's error fields, and a streak of
// them disables the provider's sync and notifies an admin.
package dirsync
