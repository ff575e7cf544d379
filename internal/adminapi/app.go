package adminapi

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"didhub/internal/issuers"
	"didhub/internal/manager"
	"didhub/internal/storage"
	"didhub/pkg/tenants"
)

// Config holds admin-surface specific configuration.
type Config struct {
	OIDCIssuer   string
	OIDCAudience string
	JWKSURL      string
	CORSOrigins  []string
}

// Lifecycle is the slice of the tenant manager the admin surface drives.
type Lifecycle interface {
	Activate(ctx context.Context, tenantID string) error
	Deactivate(ctx context.Context, tenantID string) error
	TenantStatus(ctx context.Context, tenantID string) (manager.Status, error)
	TenantSummary(ctx context.Context) (manager.Summary, error)
}

// ClientRegistrar registers protocol clients for one tenant, binding
// each to a DID through the tenant's agent.
type ClientRegistrar interface {
	Register(ctx context.Context, c storage.Client) (storage.Client, error)
}

// RegistrarResolver yields the registrar for an activated tenant.
type RegistrarResolver func(ctx context.Context, tenantID string) (ClientRegistrar, error)

// Sweeper removes expired protocol objects from one tenant's store and
// reports how many rows went away. Sweeps run only on operator request;
// reads already honor expiry on their own.
type Sweeper func(ctx context.Context, tenantID string) (int64, error)

// App is the admin-api application container.
//
// Keep it lean: shared deps and config only.
// Request-scoped work should use context.
type App struct {
	log         *zap.SugaredLogger
	registry    tenants.Registry
	issuers     issuers.Store
	lifecycle   Lifecycle
	registrars  RegistrarResolver
	sweep       Sweeper
	adminJWKS   jwk.Set
	adminIssuer string
	adminAud    string
	corsOrigins []string
}

// New constructs the admin App. When cfg.JWKSURL is empty bearer
// validation is disabled and every caller is treated as an operator;
// that mode is for local development only.
func New(log *zap.SugaredLogger, registry tenants.Registry, issuerStore issuers.Store, lifecycle Lifecycle, registrars RegistrarResolver, sweep Sweeper, cfg Config) *App {
	app := &App{
		log:         log,
		registry:    registry,
		issuers:     issuerStore,
		lifecycle:   lifecycle,
		registrars:  registrars,
		sweep:       sweep,
		adminIssuer: cfg.OIDCIssuer,
		adminAud:    cfg.OIDCAudience,
		corsOrigins: cfg.CORSOrigins,
	}
	if len(app.corsOrigins) == 0 {
		app.corsOrigins = []string{"http://localhost:3001"}
	}
	if cfg.JWKSURL != "" {
		app.adminJWKS = mustJWKS(cfg.JWKSURL)
	}
	return app
}
