package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Reconciler maps a verified sign-in assertion onto exactly one local
// identity, applying the provisioner-dependent matching policy.
type Reconciler struct {
	identities storage.IdentityStore
}

// NewReconciler builds a reconciler over an identity store.
func NewReconciler(identities storage.IdentityStore) *Reconciler {
	return &Reconciler{identities: identities}
}

// Reconcile resolves the assertion for one provider.
//
// Manual providers match by identifier first and fall back to a
// case-insensitive email match; an email hit claims the identity by
// rewriting its identifier to the stable value, after which it never
// matches by email again. Every other provisioner matches strictly by
// identifier; just-in-time creates the actor and identity on first
// sign-in. An identity is never reassigned between identifiers.
func (r *Reconciler) Reconcile(ctx context.Context, provider *storage.Provider, assertion *idp.IdentityAssertion, now time.Time) (*storage.Identity, error) {
	ident, err := r.identities.GetIdentity(ctx, provider.AccountID, assertion.Issuer, assertion.Identifier)
	switch {
	case err == nil:
		// Matched by stable identifier.

	case errors.Is(err, storage.ErrNotFound):
		ident, err = r.matchFallback(ctx, provider, assertion, now)
		if err != nil {
			return nil, err
		}

	default:
		return nil, idp.WrapError(idp.CodeInternal, "identity lookup failed", err)
	}

	actor, err := r.identities.GetActor(ctx, provider.AccountID, ident.ActorID)
	if err != nil {
		return nil, idp.WrapError(idp.CodeInternal, "actor lookup failed", err)
	}
	if !actor.Enabled() {
		return nil, idp.NewError(idp.CodeUnauthorized, "account is disabled")
	}

	if err := r.identities.RecordSignIn(ctx, ident.ID, assertion.Name, assertion.Picture, assertion.State, now); err != nil {
		return nil, idp.WrapError(idp.CodeInternal, "failed to persist sign-in", err)
	}

	ident.Name = assertion.Name
	ident.Picture = assertion.Picture
	ident.ProviderState = assertion.State
	ident.LastSeenAt = &now
	return ident, nil
}

func (r *Reconciler) matchFallback(ctx context.Context, provider *storage.Provider, assertion *idp.IdentityAssertion, now time.Time) (*storage.Identity, error) {
	switch provider.Provisioner {
	case idp.ProvisionerManual:
		if assertion.Email == "" {
			return nil, idp.NewError(idp.CodeNotFound, "no identity matches these credentials")
		}
		ident, err := r.identities.GetManualIdentityByEmail(ctx, provider.AccountID, provider.ID, assertion.Email)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, idp.NewError(idp.CodeNotFound, "no identity matches these credentials")
		}
		if err != nil {
			return nil, idp.WrapError(idp.CodeInternal, "identity lookup failed", err)
		}
		if err := r.identities.ClaimIdentity(ctx, ident.ID, assertion.Identifier); err != nil {
			return nil, idp.WrapError(idp.CodeInternal, "failed to claim identity", err)
		}
		ident.Identifier = assertion.Identifier
		return ident, nil

	case idp.ProvisionerJustInTime:
		return r.provision(ctx, provider, assertion, now)

	default:
		// Directory-managed providers never create identities at
		// sign-in; the sync engine owns the lifecycle.
		return nil, idp.NewError(idp.CodeNotFound, "no identity matches these credentials")
	}
}

func (r *Reconciler) provision(ctx context.Context, provider *storage.Provider, assertion *idp.IdentityAssertion, now time.Time) (*storage.Identity, error) {
	name := assertion.Name
	if name == "" {
		name = assertion.Email
	}
	actor := &storage.Actor{
		ID:        uuid.NewString(),
		AccountID: provider.AccountID,
		Type:      storage.ActorTypeUser,
		Name:      name,
		Email:     assertion.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.identities.CreateActor(ctx, actor); err != nil {
		return nil, idp.WrapError(idp.CodeInternal, "failed to provision actor", err)
	}

	ident := &storage.Identity{
		ID:          uuid.NewString(),
		AccountID:   provider.AccountID,
		ProviderID:  provider.ID,
		ActorID:     actor.ID,
		Issuer:      assertion.Issuer,
		Identifier:  assertion.Identifier,
		Email:       assertion.Email,
		Provisioner: idp.ProvisionerJustInTime,
		Name:        assertion.Name,
		Picture:     assertion.Picture,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.identities.CreateIdentity(ctx, ident); err != nil {
		return nil, idp.WrapError(idp.CodeInternal, fmt.Sprintf("failed to provision identity for %s", assertion.Identifier), err)
	}
	return ident, nil
}
