package idp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheEntries = 256
	defaultCacheTTL     = 10 * time.Minute
)

// ClientCache memoizes constructed protocol clients so repeated
// sign-ins against the same provider do not re-fetch its discovery
// document. Entries key on provider id plus a configuration
// fingerprint, so a config update misses the stale entry naturally and
// the old one ages out.
type ClientCache struct {
	cache  *lru.LRU[string, *Client]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewClientCache builds a cache with the given capacity and entry TTL.
// Zero values select the defaults.
func NewClientCache(maxEntries int, ttl time.Duration) *ClientCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ClientCache{
		cache: lru.NewLRU[string, *Client](maxEntries, nil, ttl),
	}
}

// Get returns the cached client for a provider configuration.
func (c *ClientCache) Get(providerID string, cfg ClientConfig) (*Client, bool) {
	client, ok := c.cache.Get(cacheKey(providerID, cfg))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return client, true
}

// Put stores a freshly constructed client.
func (c *ClientCache) Put(providerID string, cfg ClientConfig, client *Client) {
	c.cache.Add(cacheKey(providerID, cfg), client)
}

// Invalidate drops every cached client. Keys carry config fingerprints
// so they cannot be enumerated per provider; clearing everything is
// acceptable for an in-memory cache this small.
func (c *ClientCache) Invalidate() {
	c.cache.Purge()
}

// Len returns the number of live entries.
func (c *ClientCache) Len() int {
	return c.cache.Len()
}

// Hits returns the cumulative hit count.
func (c *ClientCache) Hits() int64 {
	return c.hits.Load()
}

// Misses returns the cumulative miss count.
func (c *ClientCache) Misses() int64 {
	return c.misses.Load()
}

func cacheKey(providerID string, cfg ClientConfig) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		cfg.IssuerURL,
		cfg.ClientID,
		cfg.ClientSecret,
		cfg.RedirectURL,
		strings.Join(cfg.Scopes, " "),
	}, "\n")))
	return providerID + "/" + hex.EncodeToString(sum[:8])
}
