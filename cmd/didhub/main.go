// cmd/didhub/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"didhub/internal/adminapi"
	"didhub/internal/agent"
	"didhub/internal/federation"
	"didhub/internal/interaction"
	"didhub/internal/issuers"
	"didhub/internal/manager"
	"didhub/internal/protocol"
	"didhub/internal/storage"
	"didhub/pkg/config"
	"didhub/pkg/db"
	"didhub/pkg/fault"
	"didhub/pkg/logger"
	"didhub/pkg/middleware"
	"didhub/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pool := db.MustConnect(cfg, log)
	if pool == nil {
		log.Fatalw("DATABASE_URL is required")
	}
	rdb := db.MustRedis(cfg, log)

	ctx := context.Background()
	if err := tenants.EnsureSchema(ctx, pool); err != nil {
		log.Fatalw("tenant schema", "err", err)
	}
	if err := tenants.SeedFromEnv(ctx, pool, os.Getenv("TENANT_SEED_JSON")); err != nil {
		log.Warnw("tenant seed", "err", err)
	}
	if err := issuers.EnsureSchema(ctx, pool); err != nil {
		log.Fatalw("issuer schema", "err", err)
	}

	registry := tenants.NewPostgresRegistry(pool, log)
	issuerStore := issuers.NewPostgresStore(pool, log)
	if err := issuers.SeedFromEnv(ctx, issuerStore, os.Getenv("ISSUER_SEED_JSON")); err != nil {
		log.Warnw("issuer seed", "err", err)
	}
	if cfg.IssuerDir != "" {
		if err := issuers.ImportFromDir(ctx, issuerStore, log, cfg.IssuerDir); err != nil {
			log.Warnw("issuer import", "err", err)
		}
	}

	buildAgent := agent.NewLocalFactory(log)
	mgr := manager.New(manager.Deps{
		Registry: registry,
		Catalog:  storage.NewCatalog(pool),
		Issuers:  issuerStore,
		Open: func(ctx context.Context, t tenants.Tenant) (manager.Store, error) {
			s, err := storage.Connect(ctx, t, log)
			if err != nil {
				return nil, err
			}
			if err := s.EnsureTables(ctx); err != nil {
				s.Close()
				return nil, err
			}
			return s, nil
		},
		BuildAgent: func(ctx context.Context, s manager.Store) (agent.Capability, error) {
			return buildAgent(ctx, s.(*storage.Store).Pool())
		},
		BindAdapters: func(s manager.Store, agt agent.Capability, signingAlg string) protocol.AdapterFactory {
			store := s.(*storage.Store)
			clients := storage.NewClientStore(store, agt, signingAlg, log)
			return storage.NewAdapterFactory(store, clients, nil, log)
		},
		Providers: protocol.NewStoredProvider,
		Log:       log,
	})

	if err := mgr.ConnectAllDatabases(ctx); err != nil {
		log.Warnw("connect tenants", "err", err)
	}
	if err := mgr.SetupAgents(ctx); err != nil {
		log.Warnw("setup agents", "err", err)
	}

	upstreamHTTP := &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	var fedMu sync.Mutex
	fedClients := map[string]*federation.Client{}
	upstreamFor := func(iss issuers.Issuer) *federation.Client {
		fedMu.Lock()
		defer fedMu.Unlock()
		if c, ok := fedClients[iss.ID]; ok {
			return c
		}
		c := federation.New(iss, upstreamHTTP, rdb, cfg.DiscoveryTTL)
		fedClients[iss.ID] = c
		return c
	}

	resolve := func(r *http.Request) (interaction.Binding, error) {
		t := middleware.TenantFrom(r.Context())
		if t.ID == "" {
			return interaction.Binding{}, fault.New(fault.NotFound, "resolve tenant")
		}
		issuerID := chi.URLParam(r, "issuer")
		iss, err := issuerStore.FindByID(r.Context(), issuerID)
		if err != nil {
			return interaction.Binding{}, err
		}
		hostname := r.Host
		if hostname == "" {
			hostname = cfg.DefaultPublicHost
		}
		prov, err := mgr.CreateOrGetOidcProvider(r.Context(), hostname, t.ID, issuerID)
		if err != nil {
			return interaction.Binding{}, err
		}
		return interaction.Binding{
			Provider: prov,
			Upstream: upstreamFor(iss),
			Mapper:   issuers.NewMapper(iss.ClaimMappings),
			Policy:   interaction.NewConsentPolicy(iss.ConsentPolicy, log),
		}, nil
	}
	ih := interaction.NewHandler(resolve, log)

	registrars := func(ctx context.Context, tenantID string) (adminapi.ClientRegistrar, error) {
		s, agt, err := tenantRuntime(ctx, mgr, registry, tenantID)
		if err != nil {
			return nil, err
		}
		return storage.NewClientStore(s, agt, cfg.DefaultSigningAlg, log), nil
	}
	sweep := func(ctx context.Context, tenantID string) (int64, error) {
		s, _, err := tenantRuntime(ctx, mgr, registry, tenantID)
		if err != nil {
			return 0, err
		}
		return storage.Sweep(ctx, s, time.Now())
	}
	admin := adminapi.New(log, registry, issuerStore, mgr, registrars, sweep, adminapi.Config{
		OIDCIssuer:   cfg.AdminIssuer,
		OIDCAudience: cfg.AdminAudience,
		JWKSURL:      cfg.AdminJWKSURL,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Mount("/admin", admin.Routes())

	r.Route("/op/{issuer}", func(or chi.Router) {
		or.Use(middleware.WithTenant(registry))
		or.Mount("/interaction", ih.Routes())
		or.Get("/callback", ih.Callback)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("didhub listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	mgr.Shutdown()
	fmt.Println("didhub stopped")
}

// tenantRuntime fetches the cached store and agent for an activated
// tenant, failing with a precondition when either is absent.
func tenantRuntime(ctx context.Context, mgr *manager.Manager, registry tenants.Registry, tenantID string) (*storage.Store, agent.Capability, error) {
	s, ok := mgr.StoreFor(tenantID)
	if !ok {
		return nil, nil, fault.New(fault.Precondition, "tenant not connected")
	}
	t, err := registry.FindByID(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	agt, ok := mgr.AgentFor(t.Slug)
	if !ok {
		return nil, nil, fault.New(fault.Precondition, "tenant agent not ready")
	}
	return s.(*storage.Store), agt, nil
}
