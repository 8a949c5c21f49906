package dirsync

import "hash/fnv"

// Job classes scope advisory lock keys. The sync and refresh jobs for
// one provider may overlap each other, but never themselves.
const (
	JobSync    = "directory_sync"
	JobRefresh = "token_refresh"
)

// LockKey derives the 64-bit advisory lock key for one job on one
// provider: FNV-64a over the job class and provider id. A cross-provider
// collision would only serialize two unrelated runs.
func LockKey(job, providerID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(job))
	h.Write([]byte{0})
	h.Write([]byte(providerID))
	return int64(h.Sum64())
}
