// Package directory implements the per-flavor REST clients the sync
// engine gathers users, groups and organization units with. Each
// client follows its provider's own pagination, rate-limit and auth
// header conventions and returns taxonomy-classified errors.
package directory

import (
	"context"
)

// User is one directory user record.
type User struct {
	ID    string
	Email string
	Name  string

	// OrgUnit locates the user's leaf organization unit in whatever
	// coordinates the flavor uses (Google: the unit path). Empty for
	// flavors without a unit hierarchy.
	OrgUnit string
}

// Group is one directory group record.
type Group struct {
	ID   string
	Name string
}

// OrgUnit is one node of a flavor's organization-unit hierarchy.
// ParentID or ParentPath links to the parent; both empty marks a root.
type OrgUnit struct {
	ID         string
	Name       string
	Path       string
	ParentID   string
	ParentPath string
}

// Bundle is the complete result of one gather: the three base fetches
// plus per-group member ids. A bundle is only ever produced whole.
type Bundle struct {
	Users    []User
	Groups   []Group
	OrgUnits []OrgUnit

	// Memberships maps group id to member user ids.
	Memberships map[string][]string
}

// Client is the per-flavor directory API surface. Every call is
// blocking network I/O, paginates internally until exhaustion, and
// classifies failures per the gather error policy.
type Client interface {
	ListUsers(ctx context.Context) ([]User, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ListOrgUnits(ctx context.Context) ([]OrgUnit, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)
}
