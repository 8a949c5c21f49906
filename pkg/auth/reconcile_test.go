package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

// fakeIdentityStore keys identities the way the real store does:
// (issuer, identifier) for the stable match, lowercased email for the
// manual fallback.
type fakeIdentityStore struct {
	identities map[string]*storage.Identity
	actors     map[string]*storage.Actor

	claimed  []string
	signIns  []string
	creates  int
	actorNew int
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{
		identities: make(map[string]*storage.Identity),
		actors:     make(map[string]*storage.Actor),
	}
}

func identKey(issuer, identifier string) string { return issuer + "|" + identifier }

func (f *fakeIdentityStore) add(ident *storage.Identity, actor *storage.Actor) {
	f.identities[identKey(ident.Issuer, ident.Identifier)] = ident
	f.actors[actor.ID] = actor
}

func (f *fakeIdentityStore) CreateIdentity(_ context.Context, ident *storage.Identity) error {
	f.creates++
	f.identities[identKey(ident.Issuer, ident.Identifier)] = ident
	return nil
}

func (f *fakeIdentityStore) GetIdentity(_ context.Context, _, issuer, identifier string) (*storage.Identity, error) {
	if ident, ok := f.identities[identKey(issuer, identifier)]; ok {
		return ident, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeIdentityStore) GetManualIdentityByEmail(_ context.Context, _, providerID, email string) (*storage.Identity, error) {
	for _, ident := range f.identities {
		if ident.ProviderID == providerID &&
			ident.Provisioner == idp.ProvisionerManual &&
			ident.LastSeenAt == nil &&
			strings.EqualFold(ident.Email, email) {
			return ident, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeIdentityStore) ClaimIdentity(_ context.Context, id, identifier string) error {
	f.claimed = append(f.claimed, id)
	for key, ident := range f.identities {
		if ident.ID == id {
			delete(f.identities, key)
			ident.Identifier = identifier
			f.identities[identKey(ident.Issuer, identifier)] = ident
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeIdentityStore) RecordSignIn(_ context.Context, id, _, _ string, _ idp.State, seenAt time.Time) error {
	f.signIns = append(f.signIns, id)
	for _, ident := range f.identities {
		if ident.ID == id {
			at := seenAt
			ident.LastSeenAt = &at
		}
	}
	return nil
}

func (f *fakeIdentityStore) ClearIdentityRefreshToken(context.Context, string) error { return nil }

func (f *fakeIdentityStore) ListIdentities(context.Context, string, string) ([]*storage.Identity, error) {
	return nil, nil
}

func (f *fakeIdentityStore) GetActor(_ context.Context, _, id string) (*storage.Actor, error) {
	if actor, ok := f.actors[id]; ok {
		return actor, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeIdentityStore) CreateActor(_ context.Context, actor *storage.Actor) error {
	f.actorNew++
	f.actors[actor.ID] = actor
	return nil
}

func reconcileProvider(provisioner idp.Provisioner) *storage.Provider {
	return &storage.Provider{
		ID:          "prov-1",
		AccountID:   "acct-1",
		Adapter:     idp.AdapterOIDC,
		Provisioner: provisioner,
	}
}

func assertion(identifier, email string) *idp.IdentityAssertion {
	return &idp.IdentityAssertion{
		Issuer:     "https://issuer.example.com",
		Identifier: identifier,
		Email:      email,
		Name:       "Ada Lovelace",
	}
}

func seededIdentity(provisioner idp.Provisioner, identifier, email string) (*storage.Identity, *storage.Actor) {
	actor := &storage.Actor{
		ID:        "actor-1",
		AccountID: "acct-1",
		Type:      storage.ActorTypeUser,
		Email:     email,
	}
	ident := &storage.Identity{
		ID:          "ident-1",
		AccountID:   "acct-1",
		ProviderID:  "prov-1",
		ActorID:     actor.ID,
		Issuer:      "https://issuer.example.com",
		Identifier:  identifier,
		Email:       email,
		Provisioner: provisioner,
	}
	return ident, actor
}

func TestReconcile_MatchByIdentifier(t *testing.T) {
	store := newFakeIdentityStore()
	ident, actor := seededIdentity(idp.ProvisionerManual, "subject-1", "ada@example.com")
	store.add(ident, actor)

	r := NewReconciler(store)
	now := time.Now().UTC()
	got, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerManual), assertion("subject-1", "ada@example.com"), now)
	require.NoError(t, err)

	assert.Equal(t, "ident-1", got.ID)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.Equal(t, &now, got.LastSeenAt)
	assert.Equal(t, []string{"ident-1"}, store.signIns)
	assert.Empty(t, store.claimed, "identifier match must not claim")
}

func TestReconcile_ManualEmailClaim(t *testing.T) {
	store := newFakeIdentityStore()
	// Admin pre-created the identity with a placeholder identifier; the
	// first sign-in claims it with the real subject.
	ident, actor := seededIdentity(idp.ProvisionerManual, "pending:ada@example.com", "ada@example.com")
	store.add(ident, actor)

	r := NewReconciler(store)
	got, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerManual), assertion("subject-1", "Ada@Example.com"), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, "ident-1", got.ID)
	assert.Equal(t, "subject-1", got.Identifier)
	assert.Equal(t, []string{"ident-1"}, store.claimed)

	// Once claimed the email path is dead: a different subject with the
	// same email must not steal the identity.
	_, err = r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerManual), assertion("subject-2", "ada@example.com"), time.Now().UTC())
	require.Error(t, err)
	assert.True(t, idp.IsCode(err, idp.CodeNotFound))
	assert.Len(t, store.claimed, 1, "claim must happen exactly once")
}

func TestReconcile_ManualNoEmailNoMatch(t *testing.T) {
	store := newFakeIdentityStore()
	r := NewReconciler(store)

	_, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerManual), assertion("subject-1", ""), time.Now().UTC())
	require.Error(t, err)
	assert.True(t, idp.IsCode(err, idp.CodeNotFound))
}

func TestReconcile_JustInTimeProvisions(t *testing.T) {
	store := newFakeIdentityStore()
	r := NewReconciler(store)
	now := time.Now().UTC()

	got, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerJustInTime), assertion("subject-9", "grace@example.com"), now)
	require.NoError(t, err)

	assert.Equal(t, 1, store.actorNew)
	assert.Equal(t, 1, store.creates)
	assert.Equal(t, "subject-9", got.Identifier)
	assert.Equal(t, idp.ProvisionerJustInTime, got.Provisioner)
	assert.NotEmpty(t, got.ActorID)

	// Second sign-in finds the provisioned identity, no new rows.
	again, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerJustInTime), assertion("subject-9", "grace@example.com"), now)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
	assert.Equal(t, 1, store.actorNew)
	assert.Equal(t, 1, store.creates)
}

func TestReconcile_JustInTimeActorNameFallsBackToEmail(t *testing.T) {
	store := newFakeIdentityStore()
	r := NewReconciler(store)

	a := assertion("subject-9", "grace@example.com")
	a.Name = ""
	got, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerJustInTime), a, time.Now().UTC())
	require.NoError(t, err)

	actor, err := store.GetActor(context.Background(), "acct-1", got.ActorID)
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", actor.Name)
}

func TestReconcile_CustomNeverCreates(t *testing.T) {
	store := newFakeIdentityStore()
	r := NewReconciler(store)

	// Directory-managed providers: unknown subjects are rejected even
	// with a matching email on file.
	ident, actor := seededIdentity(idp.ProvisionerCustom, "other-subject", "ada@example.com")
	store.add(ident, actor)

	_, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerCustom), assertion("subject-1", "ada@example.com"), time.Now().UTC())
	require.Error(t, err)
	assert.True(t, idp.IsCode(err, idp.CodeNotFound))
	assert.Equal(t, 0, store.creates)
	assert.Empty(t, store.claimed)
}

func TestReconcile_DisabledActorRejected(t *testing.T) {
	store := newFakeIdentityStore()
	ident, actor := seededIdentity(idp.ProvisionerManual, "subject-1", "ada@example.com")
	disabled := time.Now().UTC()
	actor.DisabledAt = &disabled
	store.add(ident, actor)

	r := NewReconciler(store)
	_, err := r.Reconcile(context.Background(), reconcileProvider(idp.ProvisionerManual), assertion("subject-1", "ada@example.com"), time.Now().UTC())
	require.Error(t, err)
	assert.True(t, idp.IsCode(err, idp.CodeUnauthorized))
	assert.Empty(t, store.signIns, "disabled actors never record sign-ins")
}
