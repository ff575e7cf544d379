// Package storage owns everything that touches a tenant's isolated
// schema: the live store handle, catalog management for activation, and
// the polymorphic persistence adapter the protocol engine drives.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"didhub/pkg/fault"
	"didhub/pkg/tenants"
)

// Store is a live connection handle bound to one tenant's schema.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	log    *zap.SugaredLogger
}

// Connect opens a pool pinned to the tenant's schema via search_path.
func Connect(ctx context.Context, t tenants.Tenant, log *zap.SugaredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(t.DSN())
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "open connection", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = t.SchemaName()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "open connection", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.Persistence, "open connection", err)
	}
	return &Store{pool: pool, schema: t.SchemaName(), log: log}, nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }
func (s *Store) Schema() string      { return s.schema }
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureTables creates the tenant-schema tables. Idempotent.
func (s *Store) EnsureTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS oidc_payloads (
  id text NOT NULL,
  kind text NOT NULL,
  payload jsonb NOT NULL,
  grant_id text,
  user_code text,
  uid text,
  expires_at timestamptz,
  consumed_at timestamptz,
  PRIMARY KEY (id, kind)
);
CREATE INDEX IF NOT EXISTS oidc_payloads_grant_idx ON oidc_payloads(grant_id) WHERE grant_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS oidc_payloads_user_code_idx ON oidc_payloads(user_code) WHERE user_code IS NOT NULL;
CREATE INDEX IF NOT EXISTS oidc_payloads_uid_idx ON oidc_payloads(uid) WHERE uid IS NOT NULL;
CREATE TABLE IF NOT EXISTS oidc_clients (
  client_id text PRIMARY KEY,
  issuer_id text NOT NULL,
  client_secret text NOT NULL DEFAULT '',
  grant_types text[] NOT NULL DEFAULT '{}',
  redirect_uris text[],
  response_types text[],
  id_token_signed_response_alg text,
  backchannel_token_delivery_mode text,
  backchannel_client_notification_endpoint text,
  backchannel_authentication_request_signing_alg text,
  backchannel_user_code_parameter boolean,
  application_type text NOT NULL DEFAULT 'web',
  token_endpoint_auth_method text NOT NULL DEFAULT 'client_secret_basic',
  did text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	if err != nil {
		return fault.Wrap(fault.Persistence, "ensure tenant tables", err)
	}
	return nil
}

// Catalog performs schema management against the shared database the
// tenant schemas live in. Activation uses it before any store exists.
type Catalog struct {
	pool *pgxpool.Pool
}

func NewCatalog(pool *pgxpool.Pool) *Catalog { return &Catalog{pool: pool} }

// EnsureSchema creates the tenant schema if absent. Never destructive.
func (c *Catalog) EnsureSchema(ctx context.Context, name string) error {
	stmt := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, name)
	if _, err := c.pool.Exec(ctx, stmt); err != nil {
		return fault.Wrap(fault.Persistence, "create schema", err)
	}
	return nil
}

func (c *Catalog) SchemaExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name=$1)`, name).Scan(&exists)
	if err != nil {
		return false, fault.Wrap(fault.Persistence, "check schema", err)
	}
	return exists, nil
}

// ListSchemas returns user schemas, excluding reserved system ones.
func (c *Catalog) ListSchemas(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT schema_name FROM information_schema.schemata
	  WHERE schema_name NOT LIKE 'pg\_%' AND schema_name NOT IN ('information_schema','public')`)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "list schemas", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fault.Wrap(fault.Persistence, "list schemas", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
