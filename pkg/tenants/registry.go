package tenants

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"didhub/pkg/fault"
)

// Registry is the durable table of tenant records.
type Registry interface {
	FindByID(ctx context.Context, id string) (Tenant, error)
	FindBySlug(ctx context.Context, slug string) (Tenant, error)
	// SetActivated persists the activation flag. It is the last write of an
	// activation and the only mutation the manager performs here.
	SetActivated(ctx context.Context, id string, activated bool) error
	ListActivated(ctx context.Context) ([]Tenant, error)
	Create(ctx context.Context, t Tenant) (Tenant, error)
}

type pgRegistry struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresRegistry constructs a PostgreSQL-backed tenant registry.
func NewPostgresRegistry(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Registry {
	return &pgRegistry{dbPool: dbPool, log: log}
}

// EnsureSchema creates the registry table if absent. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  slug text UNIQUE NOT NULL,
  activated boolean NOT NULL DEFAULT false,
  db_host text NOT NULL DEFAULT 'localhost',
  db_port int NOT NULL DEFAULT 5432,
  db_user text NOT NULL DEFAULT '',
  db_password text NOT NULL DEFAULT '',
  db_name text NOT NULL DEFAULT '',
  owner_id text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

// SeedFromEnv ingests initial tenants from TENANT_SEED_JSON:
// [{"id":"...","slug":"acme","db_host":"...","db_port":5432,"db_user":"...","db_password":"...","db_name":"..."}]
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []struct {
		ID         string `json:"id"`
		Slug       string `json:"slug"`
		DBHost     string `json:"db_host"`
		DBPort     int    `json:"db_port"`
		DBUser     string `json:"db_user"`
		DBPassword string `json:"db_password"`
		DBName     string `json:"db_name"`
		OwnerID    string `json:"owner_id"`
	}
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		_, _ = dbPool.Exec(ctx, `INSERT INTO tenants(id,slug,db_host,db_port,db_user,db_password,db_name,owner_id)
		  VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		  ON CONFLICT (id) DO UPDATE SET slug=EXCLUDED.slug,db_host=EXCLUDED.db_host,db_port=EXCLUDED.db_port,
		    db_user=EXCLUDED.db_user,db_password=EXCLUDED.db_password,db_name=EXCLUDED.db_name,owner_id=EXCLUDED.owner_id,updated_at=NOW()`,
			e.ID, e.Slug, e.DBHost, e.DBPort, e.DBUser, e.DBPassword, e.DBName, e.OwnerID)
	}
	return nil
}

const tenantCols = `id,slug,activated,db_host,db_port,db_user,db_password,db_name,owner_id,created_at,updated_at`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Activated, &t.DBHost, &t.DBPort, &t.DBUser, &t.DBPassword, &t.DBName, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *pgRegistry) FindByID(ctx context.Context, id string) (Tenant, error) {
	t, err := scanTenant(r.dbPool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id=$1`, id))
	if err == pgx.ErrNoRows {
		return Tenant{}, fault.New(fault.NotFound, "load tenant")
	}
	if err != nil {
		return Tenant{}, fault.Wrap(fault.Persistence, "load tenant", err)
	}
	return t, nil
}

func (r *pgRegistry) FindBySlug(ctx context.Context, slug string) (Tenant, error) {
	t, err := scanTenant(r.dbPool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE slug=$1`, slug))
	if err == pgx.ErrNoRows {
		return Tenant{}, fault.New(fault.NotFound, "load tenant")
	}
	if err != nil {
		return Tenant{}, fault.Wrap(fault.Persistence, "load tenant", err)
	}
	return t, nil
}

func (r *pgRegistry) SetActivated(ctx context.Context, id string, activated bool) error {
	tag, err := r.dbPool.Exec(ctx, `UPDATE tenants SET activated=$1, updated_at=NOW() WHERE id=$2`, activated, id)
	if err != nil {
		return fault.Wrap(fault.Persistence, "persist activation flag", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "persist activation flag")
	}
	return nil
}

func (r *pgRegistry) ListActivated(ctx context.Context) ([]Tenant, error) {
	rows, err := r.dbPool.Query(ctx, `SELECT `+tenantCols+` FROM tenants WHERE activated=true ORDER BY slug`)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "list tenants", err)
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Persistence, "list tenants", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *pgRegistry) Create(ctx context.Context, t Tenant) (Tenant, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	// New tenants always start deactivated; only Activate flips the flag.
	t.Activated = false
	row := r.dbPool.QueryRow(ctx, `INSERT INTO tenants(id,slug,activated,db_host,db_port,db_user,db_password,db_name,owner_id)
	  VALUES ($1,$2,false,$3,$4,$5,$6,$7,$8)
	  RETURNING `+tenantCols,
		t.ID, t.Slug, t.DBHost, t.DBPort, t.DBUser, t.DBPassword, t.DBName, t.OwnerID)
	created, err := scanTenant(row)
	if err != nil {
		return Tenant{}, fault.Wrap(fault.Persistence, "create tenant", err)
	}
	return created, nil
}
