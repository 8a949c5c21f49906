package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/idpsync/pkg/auth"
	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/middleware"
	"github.com/perimetra/idpsync/pkg/notify"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

const testAccountID = "acct-1"

// fakeStore is an in-memory Store. Reads hand out copies so handler
// mutations cannot leak into the stored rows before a write lands,
// matching the row-per-query behavior of the real store.
type fakeStore struct {
	mu         sync.Mutex
	providers  map[string]*storage.Provider
	identities map[string]*storage.Identity
	actors     map[string]*storage.Actor
	groups     []*storage.ActorGroup
	members    map[string][]*storage.Actor

	// lockHeld simulates another node holding every advisory lock.
	lockHeld bool
	// failWith, when set, fails every call.
	failWith error

	resets  []string
	applied []*storage.SyncPlan
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		providers:  make(map[string]*storage.Provider),
		identities: make(map[string]*storage.Identity),
		actors:     make(map[string]*storage.Actor),
		members:    make(map[string][]*storage.Actor),
	}
}

func fakeIdentKey(issuer, identifier string) string { return issuer + "|" + identifier }

func (f *fakeStore) CreateProvider(_ context.Context, p *storage.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for _, existing := range f.providers {
		if existing.AccountID == p.AccountID && existing.Name == p.Name {
			return storage.ErrConflict
		}
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	copied := *p
	f.providers[p.ID] = &copied
	return nil
}

func (f *fakeStore) GetProvider(_ context.Context, accountID, id string) (*storage.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	p, ok := f.providers[id]
	if !ok || p.AccountID != accountID {
		return nil, storage.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) GetProviderByID(_ context.Context, id string) (*storage.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	p, ok := f.providers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) ListProviders(_ context.Context, accountID string) ([]*storage.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []*storage.Provider
	for _, p := range f.providers {
		if p.AccountID == accountID {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListSyncEligibleProviders(context.Context) ([]*storage.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Provider
	for _, p := range f.providers {
		if p.SyncEnabled() {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateProvider(_ context.Context, p *storage.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.providers[p.ID]; !ok {
		return storage.ErrNotFound
	}
	for _, existing := range f.providers {
		if existing.ID != p.ID && existing.AccountID == p.AccountID && existing.Name == p.Name {
			return storage.ErrConflict
		}
	}
	p.UpdatedAt = time.Now().UTC()
	copied := *p
	f.providers[p.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateAdapterState(_ context.Context, id string, state idp.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.AdapterState = state
	return nil
}

func (f *fakeStore) RecordSyncSuccess(_ context.Context, id string, finishedAt time.Time, checkpoints storage.Checkpoints) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.LastSyncedAt = &finishedAt
	p.LastSyncsFailed = 0
	p.LastSyncError = ""
	p.LastSyncErrorDetail = ""
	p.SyncCheckpoints = checkpoints
	return nil
}

func (f *fakeStore) RecordSyncFailure(_ context.Context, id, message, detail string, disableThreshold int) (*storage.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	p.LastSyncsFailed++
	p.LastSyncError = message
	p.LastSyncErrorDetail = detail
	if disableThreshold > 0 && p.LastSyncsFailed >= disableThreshold && p.SyncDisabledAt == nil {
		now := time.Now().UTC()
		p.SyncDisabledAt = &now
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) MarkSyncErrorNotified(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.providers[id]; ok {
		p.SyncErrorNotifiedAt = &at
	}
	return nil
}

func (f *fakeStore) ResetSyncFailures(_ context.Context, accountID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	p, ok := f.providers[id]
	if !ok || p.AccountID != accountID {
		return storage.ErrNotFound
	}
	p.LastSyncsFailed = 0
	p.LastSyncError = ""
	p.LastSyncErrorDetail = ""
	p.SyncDisabledAt = nil
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeStore) DeleteProvider(_ context.Context, accountID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	p, ok := f.providers[id]
	if !ok || p.AccountID != accountID {
		return storage.ErrNotFound
	}
	delete(f.providers, id)
	return nil
}

func (f *fakeStore) CreateIdentity(_ context.Context, ident *storage.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[fakeIdentKey(ident.Issuer, ident.Identifier)] = ident
	return nil
}

func (f *fakeStore) GetIdentity(_ context.Context, accountID, issuer, identifier string) (*storage.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ident, ok := f.identities[fakeIdentKey(issuer, identifier)]
	if !ok || ident.AccountID != accountID {
		return nil, storage.ErrNotFound
	}
	return ident, nil
}

func (f *fakeStore) GetManualIdentityByEmail(_ context.Context, _, providerID, email string) (*storage.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeStore) ClaimIdentity(_ context.Context, id, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, ident := range f.identities {
		if ident.ID == id {
			delete(f.identities, key)
			ident.Identifier = identifier
			f.identities[fakeIdentKey(ident.Issuer, identifier)] = ident
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) RecordSignIn(_ context.Context, id, name, picture string, state idp.State, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ident := range f.identities {
		if ident.ID == id {
			ident.Name = name
			ident.Picture = picture
			ident.ProviderState = state
			at := seenAt
			ident.LastSeenAt = &at
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) ClearIdentityRefreshToken(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ident := range f.identities {
		if ident.ID == id {
			ident.ProviderState.RefreshToken = ""
		}
	}
	return nil
}

func (f *fakeStore) ListIdentities(_ context.Context, accountID, providerID string) ([]*storage.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []*storage.Identity
	for _, ident := range f.identities {
		if ident.AccountID == accountID && ident.ProviderID == providerID {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetActor(_ context.Context, accountID, id string) (*storage.Actor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	actor, ok := f.actors[id]
	if !ok || actor.AccountID != accountID {
		return nil, storage.ErrNotFound
	}
	return actor, nil
}

func (f *fakeStore) CreateActor(_ context.Context, actor *storage.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors[actor.ID] = actor
	return nil
}

func (f *fakeStore) ApplySyncPlan(_ context.Context, plan *storage.SyncPlan) (*storage.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, plan)
	return &storage.SyncResult{}, nil
}

func (f *fakeStore) ListGroups(_ context.Context, accountID, providerID string) ([]*storage.ActorGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []*storage.ActorGroup
	for _, g := range f.groups {
		if g.AccountID == accountID && g.ProviderID != nil && *g.ProviderID == providerID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) ListGroupMembers(_ context.Context, accountID, groupID string) ([]*storage.Actor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	for _, g := range f.groups {
		if g.ID == groupID && g.AccountID == accountID {
			return f.members[groupID], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockHeld {
		return nil, false, nil
	}
	return func() {}, true, nil
}

// testServer is a fully wired Server over the fake store, with one
// admin token minted.
type testServer struct {
	server *Server
	store  *fakeStore
	sched  *dirsync.Scheduler
	stats  *dirsync.Stats
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, func(*ServerConfig) {})
}

func newTestServerWithConfig(t *testing.T, tweak func(*ServerConfig)) *testServer {
	t.Helper()

	token, tokenHash, _, err := auth.NewTokenGenerator().GenerateToken()
	require.NoError(t, err)

	store := newFakeStore()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	registry := idp.NewRegistry(nil)
	stats := dirsync.NewStats(16)

	syncCfg := dirsync.DefaultConfig()
	syncCfg.Workers = 2
	engine := dirsync.NewEngine(store, dirsync.NopNotifier{}, stats, syncCfg, logger, metrics)
	refresher := dirsync.NewRefresher(store, registry, dirsync.NopNotifier{}, stats, syncCfg, logger, metrics)
	sched := dirsync.NewScheduler(engine, refresher, store, syncCfg, logger, metrics)

	cfg := ServerConfig{
		ExternalURL: "http://idpsync.test",
		AdminTokens: []middleware.AdminToken{
			{AccountID: testAccountID, TokenHash: tokenHash, Name: "test"},
		},
		Store:     store,
		Registry:  registry,
		SignIn:    auth.NewService(registry, store, store, logger),
		Scheduler: sched,
		Stats:     stats,
		Targets:   notify.NewManager(notify.Config{}, logger, metrics),
		Logger:    logger,
	}
	tweak(&cfg)

	return &testServer{
		server: NewServer(cfg),
		store:  store,
		sched:  sched,
		stats:  stats,
		token:  token,
	}
}

// request runs one request through the full server, admin token
// attached. A nil body sends no payload.
func (ts *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dest))
}

// seedProvider plants a sync-capable Google Workspace provider.
func seedProvider(t *testing.T, store *fakeStore, id string) *storage.Provider {
	t.Helper()
	p := &storage.Provider{
		ID:          id,
		AccountID:   testAccountID,
		Name:        "Workspace " + id,
		Adapter:     idp.AdapterGoogleWorkspace,
		Provisioner: idp.ProvisionerCustom,
		AdapterConfig: idp.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
		},
	}
	require.NoError(t, store.CreateProvider(context.Background(), p))
	return p
}

func providerRequestBody() ProviderRequest {
	return ProviderRequest{
		Name:    "Corp Workspace",
		Adapter: idp.AdapterGoogleWorkspace,
		AdapterConfig: idp.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
		},
	}
}
