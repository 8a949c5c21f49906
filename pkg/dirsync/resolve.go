package dirsync

import (
	"github.com/perimetra/idpsync/pkg/directory"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Name and id prefixes keep the group and org-unit namespaces from
// colliding in the shared actor_groups table.
const (
	groupIDPrefix   = "G:"
	orgUnitIDPrefix = "OU:"

	groupNamePrefix   = "Group:"
	orgUnitNamePrefix = "OrgUnit:"
)

// Resolved is the upsert-ready form of one gathered bundle.
type Resolved struct {
	Identities  []storage.IdentityUpsert
	Groups      []storage.GroupUpsert
	Memberships []storage.MembershipUpsert
}

// Resolve maps a bundle to canonical tuples. Direct memberships are
// filtered to users the user fetch actually returned; stale or foreign
// member ids drop silently. Each user with an org unit becomes a
// member of that unit's synthetic group and of every ancestor's.
func Resolve(bundle *directory.Bundle) *Resolved {
	res := &Resolved{}

	known := make(map[string]bool, len(bundle.Users))
	for _, u := range bundle.Users {
		known[u.ID] = true
		res.Identities = append(res.Identities, storage.IdentityUpsert{
			Identifier: u.ID,
			Email:      u.Email,
			Name:       u.Name,
		})
	}

	for _, g := range bundle.Groups {
		res.Groups = append(res.Groups, storage.GroupUpsert{
			IdpID:      groupIDPrefix + g.ID,
			Name:       groupNamePrefix + g.Name,
			EntityType: storage.GroupEntityGroup,
		})
	}

	units := newUnitIndex(bundle.OrgUnits)
	for _, u := range bundle.OrgUnits {
		name := u.Name
		if name == "" {
			name = u.Path
		}
		res.Groups = append(res.Groups, storage.GroupUpsert{
			IdpID:      orgUnitIDPrefix + u.ID,
			Name:       orgUnitNamePrefix + name,
			EntityType: storage.GroupEntityOrgUnit,
		})
	}

	seen := make(map[string]bool)
	add := func(groupIdpID, identifier string) {
		key := groupIdpID + "\x00" + identifier
		if seen[key] {
			return
		}
		seen[key] = true
		res.Memberships = append(res.Memberships, storage.MembershipUpsert{
			GroupIdpID: groupIdpID,
			Identifier: identifier,
		})
	}

	for groupID, members := range bundle.Memberships {
		for _, member := range members {
			if known[member] {
				add(groupIDPrefix+groupID, member)
			}
		}
	}

	for _, u := range bundle.Users {
		if u.OrgUnit == "" {
			continue
		}
		for _, unit := range units.chain(u.OrgUnit) {
			add(orgUnitIDPrefix+unit.ID, u.ID)
		}
	}

	return res
}

// unitIndex resolves org units by id or path. Google locates a user's
// leaf unit by path; other hierarchies link by id.
type unitIndex struct {
	byID   map[string]directory.OrgUnit
	byPath map[string]directory.OrgUnit
}

func newUnitIndex(units []directory.OrgUnit) *unitIndex {
	idx := &unitIndex{
		byID:   make(map[string]directory.OrgUnit, len(units)),
		byPath: make(map[string]directory.OrgUnit, len(units)),
	}
	for _, u := range units {
		idx.byID[u.ID] = u
		if u.Path != "" {
			idx.byPath[u.Path] = u
		}
	}
	return idx
}

// chain returns the leaf unit and its ancestors, leaf first. A visited
// set bounds the walk: a parent chain that loops back terminates with
// the chain built so far instead of spinning.
func (i *unitIndex) chain(leaf string) []directory.OrgUnit {
	unit, ok := i.byPath[leaf]
	if !ok {
		unit, ok = i.byID[leaf]
	}

	var out []directory.OrgUnit
	visited := make(map[string]bool)
	for ok && !visited[unit.ID] {
		visited[unit.ID] = true
		out = append(out, unit)
		unit, ok = i.parent(unit)
	}
	return out
}

func (i *unitIndex) parent(u directory.OrgUnit) (directory.OrgUnit, bool) {
	if u.ParentID != "" {
		if p, ok := i.byID[u.ParentID]; ok {
			return p, true
		}
	}
	if u.ParentPath != "" {
		if p, ok := i.byPath[u.ParentPath]; ok {
			return p, true
		}
	}
	return directory.OrgUnit{}, false
}
