package dirsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perimetra/idpsync/pkg/directory"
	"github.com/perimetra/idpsync/pkg/storage"
)

const defaultMembershipConcurrency = 8

// Gatherer fetches one provider's directory state. The three base
// fetches run concurrently; the first error cancels the rest and
// becomes the gather's result, so a bundle is only ever produced
// whole.
type Gatherer struct {
	client      directory.Client
	concurrency int
}

// NewGatherer wraps a directory client. membershipConcurrency bounds
// the per-group member fetch fan-out; zero means the default.
func NewGatherer(client directory.Client, membershipConcurrency int) *Gatherer {
	if membershipConcurrency <= 0 {
		membershipConcurrency = defaultMembershipConcurrency
	}
	return &Gatherer{client: client, concurrency: membershipConcurrency}
}

// Gather runs the users, groups and org-unit fetches in parallel, then
// collects group memberships with bounded concurrency. Checkpoints
// record each base fetch's window for the provider's sync bookkeeping.
func (g *Gatherer) Gather(ctx context.Context) (*directory.Bundle, storage.Checkpoints, error) {
	var (
		users  []directory.User
		groups []directory.Group
		units  []directory.OrgUnit

		usersCP, groupsCP, unitsCP storage.Checkpoint
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		users, err = timed(&usersCP, func() ([]directory.User, error) {
			return g.client.ListUsers(egCtx)
		})
		return err
	})
	eg.Go(func() error {
		var err error
		groups, err = timed(&groupsCP, func() ([]directory.Group, error) {
			return g.client.ListGroups(egCtx)
		})
		return err
	})
	eg.Go(func() error {
		var err error
		units, err = timed(&unitsCP, func() ([]directory.OrgUnit, error) {
			return g.client.ListOrgUnits(egCtx)
		})
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	// Member lists fetched before a failure are discarded with the
	// bundle; there is no partial commit.
	memberships := make(map[string][]string, len(groups))
	var mu sync.Mutex

	mg, mgCtx := errgroup.WithContext(ctx)
	mg.SetLimit(g.concurrency)
	for _, group := range groups {
		group := group
		mg.Go(func() error {
			members, err := g.client.ListGroupMembers(mgCtx, group.ID)
			if err != nil {
				return err
			}
			mu.Lock()
			memberships[group.ID] = members
			mu.Unlock()
			return nil
		})
	}
	if err := mg.Wait(); err != nil {
		return nil, nil, err
	}

	checkpoints := storage.Checkpoints{
		"users":     usersCP,
		"groups":    groupsCP,
		"org_units": unitsCP,
	}
	bundle := &directory.Bundle{
		Users:       users,
		Groups:      groups,
		OrgUnits:    units,
		Memberships: memberships,
	}
	return bundle, checkpoints, nil
}

func timed[T any](cp *storage.Checkpoint, fetch func() ([]T, error)) ([]T, error) {
	started := time.Now().UTC()
	cp.StartedAt = &started
	out, err := fetch()
	if err != nil {
		return nil, err
	}
	finished := time.Now().UTC()
	cp.FinishedAt = &finished
	return out, nil
}
