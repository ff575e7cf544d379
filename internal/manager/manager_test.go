package manager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"

	"didhub/internal/agent"
	"didhub/internal/issuers"
	"didhub/internal/protocol"
	"didhub/pkg/fault"
	"didhub/pkg/logger"
	"didhub/pkg/tenants"
)

type fakeRegistry struct {
	mu      sync.Mutex
	byID    map[string]tenants.Tenant
	setCall []string
}

func newFakeRegistry(ts ...tenants.Tenant) *fakeRegistry {
	r := &fakeRegistry{byID: map[string]tenants.Tenant{}}
	for _, t := range ts {
		r.byID[t.ID] = t
	}
	return r
}

func (r *fakeRegistry) FindByID(_ context.Context, id string) (tenants.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return tenants.Tenant{}, fault.New(fault.NotFound, "load tenant")
	}
	return t, nil
}

func (r *fakeRegistry) FindBySlug(_ context.Context, slug string) (tenants.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		if t.Slug == slug {
			return t, nil
		}
	}
	return tenants.Tenant{}, fault.New(fault.NotFound, "load tenant")
}

func (r *fakeRegistry) SetActivated(_ context.Context, id string, activated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return fault.New(fault.NotFound, "set activation")
	}
	t.Activated = activated
	r.byID[id] = t
	r.setCall = append(r.setCall, id)
	return nil
}

func (r *fakeRegistry) ListActivated(_ context.Context) ([]tenants.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tenants.Tenant
	for _, t := range r.byID {
		if t.Activated {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeRegistry) Create(_ context.Context, t tenants.Tenant) (tenants.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Activated = false
	r.byID[t.ID] = t
	return t, nil
}

func (r *fakeRegistry) activated(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id].Activated
}

type fakeCatalog struct {
	mu      sync.Mutex
	schemas map[string]bool
	fail    error
}

func (c *fakeCatalog) EnsureSchema(_ context.Context, name string) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schemas == nil {
		c.schemas = map[string]bool{}
	}
	c.schemas[name] = true
	return nil
}

func (c *fakeCatalog) SchemaExists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schemas[name], nil
}

func (c *fakeCatalog) ListSchemas(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for s := range c.schemas {
		out = append(out, s)
	}
	return out, nil
}

type fakeStore struct {
	closed bool
}

func (s *fakeStore) Close() { s.closed = true }

type fakeAgent struct{}

func (fakeAgent) DIDGetOrCreate(context.Context, string) (string, error) {
	return "did:key:test", nil
}

func (fakeAgent) DIDDereference(context.Context, string) (jwk.Key, error) {
	return nil, errors.New("not implemented")
}

type fakeIssuerStore struct {
	byID map[string]issuers.Issuer
}

func (s *fakeIssuerStore) FindByID(_ context.Context, id string) (issuers.Issuer, error) {
	i, ok := s.byID[id]
	if !ok {
		return issuers.Issuer{}, fault.New(fault.NotFound, "load issuer")
	}
	return i, nil
}

func (s *fakeIssuerStore) ListByTenant(_ context.Context, tenantID string) ([]issuers.Issuer, error) {
	var out []issuers.Issuer
	for _, i := range s.byID {
		if i.TenantID == tenantID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *fakeIssuerStore) Upsert(_ context.Context, i issuers.Issuer) error {
	s.byID[i.ID] = i
	return nil
}

type fakeProvider struct {
	issuer string
}

func (p *fakeProvider) Issuer() string { return p.issuer }
func (p *fakeProvider) InteractionDetails(context.Context, string) (*protocol.Interaction, error) {
	return nil, errors.New("not implemented")
}
func (p *fakeProvider) FinishInteraction(context.Context, string, protocol.Result, bool) (string, error) {
	return "", errors.New("not implemented")
}
func (p *fakeProvider) FindClient(context.Context, string) (*protocol.Client, error) {
	return nil, errors.New("not implemented")
}
func (p *fakeProvider) FindGrant(context.Context, string) (*protocol.Grant, error) {
	return nil, errors.New("not implemented")
}
func (p *fakeProvider) NewGrant(accountID, clientID string) *protocol.Grant {
	return &protocol.Grant{AccountID: accountID, ClientID: clientID}
}
func (p *fakeProvider) SaveGrant(context.Context, *protocol.Grant) (string, error) {
	return "", errors.New("not implemented")
}

type harness struct {
	m        *Manager
	registry *fakeRegistry
	catalog  *fakeCatalog
	stores   []*fakeStore
	openErr  error
	openFail string // tenant id whose Open always fails
	agentErr error
	provs    int
}

func newHarness(t *testing.T, ts ...tenants.Tenant) *harness {
	h := &harness{
		registry: newFakeRegistry(ts...),
		catalog:  &fakeCatalog{},
	}
	issuerStore := &fakeIssuerStore{byID: map[string]issuers.Issuer{
		"iss-a": {ID: "iss-a", TenantID: "t1", SigningAlg: "ES256"},
		"iss-b": {ID: "iss-b", TenantID: "t1", SigningAlg: "ES256"},
		"iss-other": {ID: "iss-other", TenantID: "t9", SigningAlg: "ES256"},
	}}
	h.m = New(Deps{
		Registry: h.registry,
		Catalog:  h.catalog,
		Issuers:  issuerStore,
		Open: func(ctx context.Context, tn tenants.Tenant) (Store, error) {
			if h.openErr != nil {
				return nil, h.openErr
			}
			if h.openFail == tn.ID {
				return nil, errors.New("connection refused")
			}
			s := &fakeStore{}
			h.stores = append(h.stores, s)
			return s, nil
		},
		BuildAgent: func(ctx context.Context, s Store) (agent.Capability, error) {
			if h.agentErr != nil {
				return nil, h.agentErr
			}
			return fakeAgent{}, nil
		},
		BindAdapters: func(s Store, agt agent.Capability, alg string) protocol.AdapterFactory {
			return func(k protocol.Kind) protocol.Adapter { return nil }
		},
		Providers: func(s protocol.ProviderSettings) (protocol.Provider, error) {
			h.provs++
			return &fakeProvider{issuer: s.IssuerURL}, nil
		},
		Log: logger.Nop(),
	})
	require.NotNil(t, h.m)
	return h
}

func tenant1() tenants.Tenant {
	return tenants.Tenant{ID: "t1", Slug: "acme", DBHost: "localhost", DBUser: "u", DBName: "d"}
}

func TestActivateHappyPath(t *testing.T) {
	h := newHarness(t, tenant1())
	ctx := context.Background()

	require.NoError(t, h.m.Activate(ctx, "t1"))

	require.True(t, h.registry.activated("t1"))
	st, err := h.m.TenantStatus(ctx, "t1")
	require.NoError(t, err)
	require.True(t, st.IsSchemaExist)
	require.True(t, st.IsActivated)
	require.True(t, st.IsAgentReady)

	_, ok := h.m.StoreFor("t1")
	require.True(t, ok)
	_, ok = h.m.AgentFor("acme")
	require.True(t, ok)
}

func TestActivateTwiceIsPrecondition(t *testing.T) {
	h := newHarness(t, tenant1())
	ctx := context.Background()

	require.NoError(t, h.m.Activate(ctx, "t1"))
	calls := len(h.registry.setCall)

	err := h.m.Activate(ctx, "t1")
	require.True(t, fault.IsPrecondition(err))
	// Second call must not touch the persisted flag.
	require.Len(t, h.registry.setCall, calls)
	require.True(t, h.registry.activated("t1"))
}

func TestActivateUnknownTenant(t *testing.T) {
	h := newHarness(t, tenant1())
	err := h.m.Activate(context.Background(), "missing")
	require.True(t, fault.IsNotFound(err))
}

func TestActivateAgentFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, tenant1())
	h.agentErr = errors.New("key generation failed")

	err := h.m.Activate(context.Background(), "t1")
	require.Error(t, err)

	// No cache entries, activation flag untouched, opened store closed.
	require.False(t, h.registry.activated("t1"))
	_, ok := h.m.StoreFor("t1")
	require.False(t, ok)
	_, ok = h.m.AgentFor("acme")
	require.False(t, ok)
	require.Len(t, h.stores, 1)
	require.True(t, h.stores[0].closed)

	// The tenant can be activated once the failure clears.
	h.agentErr = nil
	require.NoError(t, h.m.Activate(context.Background(), "t1"))
}

func TestActivateSchemaFailureAborts(t *testing.T) {
	h := newHarness(t, tenant1())
	h.catalog.fail = errors.New("catalog down")

	err := h.m.Activate(context.Background(), "t1")
	require.Error(t, err)
	require.Empty(t, h.stores)
	require.False(t, h.registry.activated("t1"))
}

func TestDeactivateNeverActivatedIsNoop(t *testing.T) {
	h := newHarness(t, tenant1())
	require.NoError(t, h.m.Deactivate(context.Background(), "t1"))
	require.NoError(t, h.m.Deactivate(context.Background(), "missing"))
}

func TestDeactivateClosesAndClears(t *testing.T) {
	h := newHarness(t, tenant1())
	ctx := context.Background()
	require.NoError(t, h.m.Activate(ctx, "t1"))
	_, err := h.m.CreateOrGetOidcProvider(ctx, "acme.example.com", "t1", "iss-a")
	require.NoError(t, err)

	require.NoError(t, h.m.Deactivate(ctx, "t1"))

	require.False(t, h.registry.activated("t1"))
	require.True(t, h.stores[0].closed)
	_, ok := h.m.StoreFor("t1")
	require.False(t, ok)
	_, ok = h.m.AgentFor("acme")
	require.False(t, ok)

	// Deactivation drops the tenant's providers; a fresh activation builds
	// a new instance.
	require.NoError(t, h.m.Activate(ctx, "t1"))
	before := h.provs
	_, err = h.m.CreateOrGetOidcProvider(ctx, "acme.example.com", "t1", "iss-a")
	require.NoError(t, err)
	require.Equal(t, before+1, h.provs)
}

func TestStatusBooleansAreIndependent(t *testing.T) {
	h := newHarness(t, tenant1())
	ctx := context.Background()

	// Nothing yet: all three false.
	st, err := h.m.TenantStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, Status{}, st)

	// Schema exists but the tenant was never activated.
	require.NoError(t, h.catalog.EnsureSchema(ctx, tenant1().SchemaName()))
	st, err = h.m.TenantStatus(ctx, "t1")
	require.NoError(t, err)
	require.True(t, st.IsSchemaExist)
	require.False(t, st.IsActivated)
	require.False(t, st.IsAgentReady)

	// Flag persisted but caches empty, as after a process restart.
	require.NoError(t, h.registry.SetActivated(ctx, "t1", true))
	st, err = h.m.TenantStatus(ctx, "t1")
	require.NoError(t, err)
	require.True(t, st.IsActivated)
	require.False(t, st.IsAgentReady)
}

func TestSummaryCounts(t *testing.T) {
	t2 := tenants.Tenant{ID: "t2", Slug: "globex", DBHost: "localhost", DBUser: "u", DBName: "d"}
	h := newHarness(t, tenant1(), t2)
	ctx := context.Background()

	sum, err := h.m.TenantSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{}, sum)

	require.NoError(t, h.m.Activate(ctx, "t1"))
	require.NoError(t, h.m.Activate(ctx, "t2"))

	sum, err = h.m.TenantSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.AgentCount)
	require.Equal(t, 2, sum.SchemaCount)
}

func TestProviderCacheReturnsSameInstance(t *testing.T) {
	h := newHarness(t, tenant1())
	ctx := context.Background()
	require.NoError(t, h.m.Activate(ctx, "t1"))

	p1, err := h.m.CreateOrGetOidcProvider(ctx, "acme.example.com", "t1", "iss-a")
	require.NoError(t, err)
	p2, err := h.m.CreateOrGetOidcProvider(ctx, "acme.example.com", "t1", "iss-a")
	require.NoError(t, err)
	require.Same(t, p1, p2)
	require.Equal(t, 1, h.provs)

	// A second issuer on the same tenant gets its own instance.
	p3, err := h.m.CreateOrGetOidcProvider(ctx, "acme.example.com", "t1", "iss-b")
	require.NoError(t, err)
	require.NotSame(t, p1, p3)
	require.Equal(t, "https://acme.example.com/op/iss-b", p3.Issuer())
}

func TestProviderRequiresConnectedTenant(t *testing.T) {
	h := newHarness(t, tenant1())
	_, err := h.m.CreateOrGetOidcProvider(context.Background(), "acme.example.com", "t1", "iss-a")
	require.True(t, fault.IsPrecondition(err))
}

func TestProviderRejectsForeignIssuer(t *testing.T) {
	h := newHarness(t, tenant1())
	ctx := context.Background()
	require.NoError(t, h.m.Activate(ctx, "t1"))

	_, err := h.m.CreateOrGetOidcProvider(ctx, "acme.example.com", "t1", "iss-other")
	require.True(t, fault.IsNotFound(err))
}

func TestProviderCacheUnderConcurrency(t *testing.T) {
	h := newHarness(t, tenant1())
	ctx := context.Background()
	require.NoError(t, h.m.Activate(ctx, "t1"))

	const n = 16
	got := make([]protocol.Provider, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = h.m.CreateOrGetOidcProvider(ctx, "acme.example.com", "t1", "iss-a")
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, got[0], got[i])
	}
}

func TestConnectAllDatabasesSkipsFailures(t *testing.T) {
	t2 := tenants.Tenant{ID: "t2", Slug: "globex", DBHost: "localhost", DBUser: "u", DBName: "d", Activated: true}
	h := newHarness(t, tenant1(), t2)
	h.openFail = "t2"
	ctx := context.Background()

	require.NoError(t, h.registry.SetActivated(ctx, "t1", true))
	require.NoError(t, h.m.ConnectAllDatabases(ctx))

	// t2's database is unreachable; t1 still comes up.
	_, ok := h.m.StoreFor("t1")
	require.True(t, ok)
	_, ok = h.m.StoreFor("t2")
	require.False(t, ok)

	require.NoError(t, h.m.SetupAgents(ctx))
	_, ok = h.m.AgentFor("acme")
	require.True(t, ok)
	_, ok = h.m.AgentFor("globex")
	require.False(t, ok)
}
