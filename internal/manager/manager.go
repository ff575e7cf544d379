// Package manager owns the tenant lifecycle: per-tenant store handles,
// identity agents and OIDC provider instances, all cached as fields of
// one Manager (no package-level state). Check-then-insert sequences
// reserve their cache slot before the first blocking call so concurrent
// requests for the same tenant observe each other immediately.
package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"didhub/internal/agent"
	"didhub/internal/issuers"
	"didhub/internal/protocol"
	"didhub/pkg/fault"
	"didhub/pkg/tenants"
)

// Store is the manager's view of a tenant store handle.
type Store interface {
	Close()
}

// Opener establishes a live store handle bound to the tenant's schema.
type Opener func(ctx context.Context, t tenants.Tenant) (Store, error)

// AgentBuilder constructs the tenant's identity agent on top of its
// store handle. The agent must not outlive the handle.
type AgentBuilder func(ctx context.Context, s Store) (agent.Capability, error)

// AdapterBinder scopes a protocol adapter factory to one tenant's store
// and agent, advertising the issuer's signing algorithm.
type AdapterBinder func(s Store, agt agent.Capability, signingAlg string) protocol.AdapterFactory

// Catalog is the subset of schema management activation needs.
type Catalog interface {
	EnsureSchema(ctx context.Context, name string) error
	SchemaExists(ctx context.Context, name string) (bool, error)
	ListSchemas(ctx context.Context) ([]string, error)
}

// Status reports three independent observations. They can disagree (for
// example after a process restart the schema exists while the caches are
// empty); callers must not infer one from another.
type Status struct {
	IsSchemaExist bool `json:"isSchemaExist"`
	IsActivated   bool `json:"isActivated"`
	IsAgentReady  bool `json:"isAgentReady"`
}

// Summary aggregates cache and catalog counts.
type Summary struct {
	AgentCount  int `json:"agentCount"`
	SchemaCount int `json:"schemaCount"`
}

type provKey struct {
	tenantID string
	issuerID string
}

type Deps struct {
	Registry     tenants.Registry
	Catalog      Catalog
	Issuers      issuers.Store
	Open         Opener
	BuildAgent   AgentBuilder
	BindAdapters AdapterBinder
	Providers    protocol.ProviderFactory
	Clock        func() time.Time
	Log          *zap.SugaredLogger
}

type Manager struct {
	deps Deps

	mu      sync.Mutex
	conns   map[string]Store            // by tenant id
	pending map[string]struct{}         // activation placeholders, by tenant id
	agents  map[string]agent.Capability // by tenant slug
	provs   map[provKey]protocol.Provider
	sf      singleflight.Group
}

func New(deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Manager{
		deps:    deps,
		conns:   map[string]Store{},
		pending: map[string]struct{}{},
		agents:  map[string]agent.Capability{},
		provs:   map[provKey]protocol.Provider{},
	}
}

// reserve claims the tenant's connection slot. strict mode fails when the
// slot is taken (Activate's precondition); tolerant mode reports it.
func (m *Manager) reserve(tenantID string, strict bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, connected := m.conns[tenantID]
	_, inflight := m.pending[tenantID]
	if connected || inflight {
		if strict {
			return false, fault.New(fault.Precondition, "tenant already activated")
		}
		return false, nil
	}
	m.pending[tenantID] = struct{}{}
	return true, nil
}

func (m *Manager) release(tenantID string) {
	m.mu.Lock()
	delete(m.pending, tenantID)
	m.mu.Unlock()
}

// Activate brings one tenant online. Strict precondition: a second call
// for an already-connected (or connecting) tenant fails without touching
// any step. Each step aborts the whole operation; the activation flag is
// the last write so a half-activated tenant is never observable as active.
func (m *Manager) Activate(ctx context.Context, tenantID string) error {
	reserved, err := m.reserve(tenantID, true)
	if err != nil {
		activations.WithLabelValues("precondition").Inc()
		return err
	}
	if !reserved {
		activations.WithLabelValues("precondition").Inc()
		return fault.New(fault.Precondition, "tenant already activated")
	}
	defer m.release(tenantID)

	if err := m.activateSteps(ctx, tenantID); err != nil {
		activations.WithLabelValues("error").Inc()
		return err
	}
	activations.WithLabelValues("ok").Inc()
	return nil
}

func (m *Manager) activateSteps(ctx context.Context, tenantID string) error {
	// Step 1: load the tenant record.
	t, err := m.deps.Registry.FindByID(ctx, tenantID)
	if err != nil {
		return err
	}

	// Step 2: ensure the schema exists in the shared catalog.
	if err := m.deps.Catalog.EnsureSchema(ctx, t.SchemaName()); err != nil {
		return err
	}

	// Step 3: open the store handle.
	store, err := m.deps.Open(ctx, t)
	if err != nil {
		return fault.Wrap(fault.Persistence, "open connection", err)
	}

	// Step 4: construct the identity agent bound to that handle.
	agt, err := m.deps.BuildAgent(ctx, store)
	if err != nil {
		store.Close()
		return fault.Wrap(fault.Persistence, "agent setup", err)
	}

	// Step 5: persist the activation flag, the last write.
	if err := m.deps.Registry.SetActivated(ctx, tenantID, true); err != nil {
		store.Close()
		return err
	}

	m.mu.Lock()
	m.conns[tenantID] = store
	m.agents[t.Slug] = agt
	m.mu.Unlock()
	connectionCacheSize.Inc()
	agentCacheSize.Inc()
	m.deps.Log.Infow("tenant activated", "tenant", tenantID, "slug", t.Slug)
	return nil
}

// Deactivate tears a tenant down. Unlike Activate it tolerates absent
// cache entries: deactivating a never-activated tenant is a no-op.
func (m *Manager) Deactivate(ctx context.Context, tenantID string) error {
	t, err := m.deps.Registry.FindByID(ctx, tenantID)
	if err != nil {
		if fault.IsNotFound(err) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	store, hadConn := m.conns[tenantID]
	delete(m.conns, tenantID)
	_, hadAgent := m.agents[t.Slug]
	delete(m.agents, t.Slug)
	var dropped []provKey
	for k := range m.provs {
		if k.tenantID == tenantID {
			dropped = append(dropped, k)
		}
	}
	for _, k := range dropped {
		delete(m.provs, k)
	}
	m.mu.Unlock()

	if hadConn {
		store.Close()
		connectionCacheSize.Dec()
	}
	if hadAgent {
		agentCacheSize.Dec()
	}
	providerCacheSize.Sub(float64(len(dropped)))

	if err := m.deps.Registry.SetActivated(ctx, tenantID, false); err != nil {
		return err
	}
	deactivations.Inc()
	m.deps.Log.Infow("tenant deactivated", "tenant", tenantID, "slug", t.Slug)
	return nil
}

// TenantStatus reports the three independent observations for a tenant.
func (m *Manager) TenantStatus(ctx context.Context, tenantID string) (Status, error) {
	t, err := m.deps.Registry.FindByID(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	exists, err := m.deps.Catalog.SchemaExists(ctx, t.SchemaName())
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	_, agentReady := m.agents[t.Slug]
	m.mu.Unlock()
	return Status{IsSchemaExist: exists, IsActivated: t.Activated, IsAgentReady: agentReady}, nil
}

// TenantSummary aggregates cached agents and catalog schemas.
func (m *Manager) TenantSummary(ctx context.Context) (Summary, error) {
	schemas, err := m.deps.Catalog.ListSchemas(ctx)
	if err != nil {
		return Summary{}, err
	}
	m.mu.Lock()
	agents := len(m.agents)
	m.mu.Unlock()
	return Summary{AgentCount: agents, SchemaCount: len(schemas)}, nil
}

// StoreFor returns the cached store handle for an activated tenant.
func (m *Manager) StoreFor(tenantID string) (Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.conns[tenantID]
	return s, ok
}

// AgentFor returns the cached identity agent for a tenant slug.
func (m *Manager) AgentFor(slug string) (agent.Capability, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[slug]
	return a, ok
}

// CreateOrGetOidcProvider memoizes one provider instance per (tenant,
// issuer). A tenant hosting several issuers gets one instance each; the
// same pair always yields the same instance.
func (m *Manager) CreateOrGetOidcProvider(ctx context.Context, hostname, tenantID, issuerID string) (protocol.Provider, error) {
	key := provKey{tenantID: tenantID, issuerID: issuerID}
	m.mu.Lock()
	if p, ok := m.provs[key]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do("prov:"+tenantID+":"+issuerID, func() (any, error) {
		m.mu.Lock()
		if p, ok := m.provs[key]; ok {
			m.mu.Unlock()
			return p, nil
		}
		store, hasConn := m.conns[tenantID]
		m.mu.Unlock()
		if !hasConn {
			return nil, fault.New(fault.Precondition, "tenant not connected")
		}

		t, err := m.deps.Registry.FindByID(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		agt, hasAgent := m.agents[t.Slug]
		m.mu.Unlock()
		if !hasAgent {
			return nil, fault.New(fault.Precondition, "tenant agent not ready")
		}

		iss, err := m.deps.Issuers.FindByID(ctx, issuerID)
		if err != nil {
			return nil, err
		}
		if iss.TenantID != tenantID {
			return nil, fault.New(fault.NotFound, "load issuer")
		}

		settings := protocol.ProviderSettings{
			TenantID:      tenantID,
			IssuerID:      issuerID,
			IssuerURL:     "https://" + hostname + "/op/" + issuerID,
			ProxyTrusted:  true,
			Adapters:      m.deps.BindAdapters(store, agt, iss.SigningAlg),
			ClaimMappings: iss.ClaimMappings,
		}
		p, err := m.deps.Providers(settings)
		if err != nil {
			return nil, fault.Wrap(fault.Persistence, "construct provider", err)
		}

		m.mu.Lock()
		m.provs[key] = p
		m.mu.Unlock()
		providerCacheSize.Inc()
		m.deps.Log.Infow("provider constructed", "tenant", tenantID, "issuer", issuerID, "url", settings.IssuerURL)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(protocol.Provider), nil
}

// ConnectAllDatabases opens store handles for every tenant already marked
// activated. Individual failures are logged and skipped: one unreachable
// tenant database must not abort boot.
func (m *Manager) ConnectAllDatabases(ctx context.Context) error {
	list, err := m.deps.Registry.ListActivated(ctx)
	if err != nil {
		return err
	}
	for _, t := range list {
		reserved, _ := m.reserve(t.ID, false)
		if !reserved {
			continue
		}
		store, err := m.deps.Open(ctx, t)
		m.release(t.ID)
		if err != nil {
			m.deps.Log.Warnw("tenant connect failed", "tenant", t.ID, "slug", t.Slug, "err", err)
			continue
		}
		m.mu.Lock()
		m.conns[t.ID] = store
		m.mu.Unlock()
		connectionCacheSize.Inc()
		m.deps.Log.Infow("tenant connected", "tenant", t.ID, "slug", t.Slug)
	}
	return nil
}

// SetupAgents constructs agents for every connected tenant that lacks
// one. Same per-tenant failure tolerance as ConnectAllDatabases.
func (m *Manager) SetupAgents(ctx context.Context) error {
	list, err := m.deps.Registry.ListActivated(ctx)
	if err != nil {
		return err
	}
	for _, t := range list {
		m.mu.Lock()
		store, hasConn := m.conns[t.ID]
		_, hasAgent := m.agents[t.Slug]
		m.mu.Unlock()
		if !hasConn || hasAgent {
			continue
		}
		agt, err := m.deps.BuildAgent(ctx, store)
		if err != nil {
			m.deps.Log.Warnw("agent setup failed", "tenant", t.ID, "slug", t.Slug, "err", err)
			continue
		}
		m.mu.Lock()
		m.agents[t.Slug] = agt
		m.mu.Unlock()
		agentCacheSize.Inc()
		m.deps.Log.Infow("agent ready", "tenant", t.ID, "slug", t.Slug)
	}
	return nil
}

// Shutdown closes every cached store handle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := m.conns
	m.conns = map[string]Store{}
	m.agents = map[string]agent.Capability{}
	m.provs = map[provKey]protocol.Provider{}
	m.mu.Unlock()
	for id, s := range conns {
		s.Close()
		m.deps.Log.Infow("store closed", "tenant", id)
	}
}
