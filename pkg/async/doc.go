// Package async provides the concurrency primitives the background
// jobs run on: panic-isolated goroutines and a bounded worker pool
// with graceful drain.
//
// The sync scheduler submits one task per provider to a WorkerPool so
// a slow directory API cannot stall the tick loop. Notification
// delivery uses SafeGo for fire-and-forget work that must never crash
// the daemon.
package async
