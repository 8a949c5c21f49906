package dirsync

import (
	"sort"
	"time"

	"github.com/perimetra/idpsync/pkg/directory"
	"github.com/perimetra/idpsync/pkg/storage"
)

// BuildPlan resolves a bundle and applies the provider's group filters,
// producing the transaction-ready plan. Filtered groups keep their row
// for admin visibility but contribute no membership edges. Tuples are
// sorted so every run issues statements in the same order.
func BuildPlan(provider *storage.Provider, bundle *directory.Bundle, startedAt time.Time, checkpoints storage.Checkpoints) *storage.SyncPlan {
	resolved := Resolve(bundle)

	filter := newGroupFilter(provider.IncludedGroupIDs, provider.ExcludedGroupIDs)
	dropped := make(map[string]bool)
	for i := range resolved.Groups {
		g := &resolved.Groups[i]
		g.Included, g.Excluded = filter.match(g.IdpID)
		g.Filtered = g.Excluded || (filter.selective && !g.Included)
		if g.Filtered {
			dropped[g.IdpID] = true
		}
	}

	memberships := make([]storage.MembershipUpsert, 0, len(resolved.Memberships))
	for _, m := range resolved.Memberships {
		if !dropped[m.GroupIdpID] {
			memberships = append(memberships, m)
		}
	}

	sort.Slice(resolved.Identities, func(a, b int) bool {
		return resolved.Identities[a].Identifier < resolved.Identities[b].Identifier
	})
	sort.Slice(resolved.Groups, func(a, b int) bool {
		return resolved.Groups[a].IdpID < resolved.Groups[b].IdpID
	})
	sort.Slice(memberships, func(a, b int) bool {
		if memberships[a].GroupIdpID != memberships[b].GroupIdpID {
			return memberships[a].GroupIdpID < memberships[b].GroupIdpID
		}
		return memberships[a].Identifier < memberships[b].Identifier
	})

	return &storage.SyncPlan{
		AccountID:   provider.AccountID,
		ProviderID:  provider.ID,
		Issuer:      provider.AdapterConfig.IssuerURL,
		StartedAt:   startedAt,
		Identities:  resolved.Identities,
		Groups:      resolved.Groups,
		Memberships: memberships,
		Checkpoints: checkpoints,
	}
}

// groupFilter applies the admin include/exclude lists by group idp_id.
// An empty include list admits every group; exclusion always wins.
type groupFilter struct {
	selective bool
	included  map[string]bool
	excluded  map[string]bool
}

func newGroupFilter(included, excluded []string) *groupFilter {
	f := &groupFilter{
		selective: len(included) > 0,
		included:  make(map[string]bool, len(included)),
		excluded:  make(map[string]bool, len(excluded)),
	}
	for _, id := range included {
		f.included[id] = true
	}
	for _, id := range excluded {
		f.excluded[id] = true
	}
	return f
}

func (f *groupFilter) match(idpID string) (included, excluded bool) {
	return f.included[idpID], f.excluded[idpID]
}
