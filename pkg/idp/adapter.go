package idp

import (
	"context"
	"fmt"
)

// Adapter is implemented once per IdP flavor. A flavor declares its
// capability descriptor and supplies its endpoint and claim
// conventions; all protocol work is delegated to the generic OIDC core
// by composition. The core knows nothing about any flavor.
type Adapter interface {
	Name() AdapterName
	Capabilities() Capabilities

	// ApplyDefaults fills the flavor's conventions (issuer template,
	// scope list, identifier claim) into a sparse admin configuration.
	ApplyDefaults(cfg Config) (Config, error)

	// ValidateConfig checks the fields the flavor requires before a
	// provider can be saved.
	ValidateConfig(cfg Config) error

	// AuthParams returns extra authorization-request parameters the
	// flavor needs (offline access hints and the like).
	AuthParams() map[string]string

	// ClientFor returns a protocol client for one provider with the
	// flavor defaults applied.
	ClientFor(ctx context.Context, providerID string, cfg ClientConfig) (*Client, error)
}

// Core is the generic OIDC protocol engine every flavor delegates to.
// It owns the client cache so repeated sign-ins reuse discovery state.
type Core struct {
	cache *ClientCache
}

// NewCore builds the protocol engine around a client cache. A nil
// cache gets the defaults.
func NewCore(cache *ClientCache) *Core {
	if cache == nil {
		cache = NewClientCache(0, 0)
	}
	return &Core{cache: cache}
}

// ClientFor returns a cached client for the provider or constructs and
// caches a fresh one.
func (c *Core) ClientFor(ctx context.Context, providerID string, cfg ClientConfig) (*Client, error) {
	if client, ok := c.cache.Get(providerID, cfg); ok {
		return client, nil
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.cache.Put(providerID, cfg, client)
	return client, nil
}

// Cache exposes the client cache for invalidation on config updates.
func (c *Core) Cache() *ClientCache {
	return c.cache
}

// Registry holds the constructed adapter set. All flavors share one
// core instance.
type Registry struct {
	core     *Core
	adapters map[AdapterName]Adapter
}

// NewRegistry constructs every supported flavor around a shared core.
func NewRegistry(core *Core) *Registry {
	if core == nil {
		core = NewCore(nil)
	}
	r := &Registry{
		core:     core,
		adapters: make(map[AdapterName]Adapter),
	}
	for _, a := range []Adapter{
		&OpenIDConnect{core: core},
		&GoogleWorkspace{core: core},
		&Okta{core: core},
		&MicrosoftEntra{core: core},
		&JumpCloud{core: core},
	} {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a flavor name.
func (r *Registry) Get(name AdapterName) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unsupported adapter: %s", name)
	}
	return a, nil
}

// Core returns the shared protocol engine.
func (r *Registry) Core() *Core {
	return r.core
}

// CapabilitySet maps every registered flavor to its descriptor, for
// the admin-facing capabilities endpoint.
func (r *Registry) CapabilitySet() map[AdapterName]Capabilities {
	out := make(map[AdapterName]Capabilities, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.Capabilities()
	}
	return out
}
