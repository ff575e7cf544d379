// Package issuers holds per-tenant issuer configuration: the federated
// upstream client, the claim-mapping table and the optional consent
// policy. Stored in the shared control-plane database.
package issuers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"didhub/pkg/fault"
)

// Issuer configures one authorization server hosted by a tenant.
type Issuer struct {
	ID       string `yaml:"id" json:"id"`
	TenantID string `yaml:"tenant_id" json:"tenantId"`

	// Upstream federated identity provider.
	FederatedProviderURL  string `yaml:"federated_provider_url" json:"federatedProviderUrl"`
	FederatedClientID     string `yaml:"federated_client_id" json:"federatedClientId"`
	FederatedClientSecret string `yaml:"federated_client_secret" json:"federatedClientSecret,omitempty"`
	// CallbackURL is the registered redirect target at the upstream
	// provider. Never taken from the client request.
	CallbackURL string `yaml:"callback_url" json:"callbackUrl"`
	// Scope sent upstream; must include openid.
	Scope string `yaml:"scope" json:"scope"`

	// SigningAlg advertised for client JWKs (default ES256).
	SigningAlg string `yaml:"signing_alg" json:"signingAlg,omitempty"`

	// ClaimMappings maps local claim names to JMESPath expressions over
	// the verified upstream ID-token claims.
	ClaimMappings map[string]string `yaml:"claim_mappings" json:"claimMappings,omitempty"`

	// ConsentPolicy is an optional Rego module gating resource scopes at
	// consent time.
	ConsentPolicy string `yaml:"consent_policy" json:"consentPolicy,omitempty"`
}

// Validate rejects configurations the interaction router cannot operate.
func (i Issuer) Validate() error {
	if i.ID == "" || i.TenantID == "" {
		return fault.New(fault.Precondition, "issuer id/tenant required")
	}
	if !hasScope(i.Scope, "openid") {
		return fault.New(fault.Precondition, "issuer scope must include openid")
	}
	return nil
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

// Store persists issuer configurations.
type Store interface {
	FindByID(ctx context.Context, issuerID string) (Issuer, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Issuer, error)
	Upsert(ctx context.Context, i Issuer) error
}

type pgStore struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

func NewPostgresStore(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, log: log}
}

// EnsureSchema creates the issuers table if absent.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS issuers (
  id text PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  federated_provider_url text NOT NULL DEFAULT '',
  federated_client_id text NOT NULL DEFAULT '',
  federated_client_secret text NOT NULL DEFAULT '',
  callback_url text NOT NULL DEFAULT '',
  scope text NOT NULL DEFAULT 'openid',
  signing_alg text NOT NULL DEFAULT 'ES256',
  claim_mappings jsonb NOT NULL DEFAULT '{}'::jsonb,
  consent_policy text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS issuers_tenant_idx ON issuers(tenant_id);
`)
	return err
}

const issuerCols = `id,tenant_id,federated_provider_url,federated_client_id,federated_client_secret,callback_url,scope,signing_alg,claim_mappings,consent_policy`

func scanIssuer(row pgx.Row) (Issuer, error) {
	var i Issuer
	var mappings []byte
	err := row.Scan(&i.ID, &i.TenantID, &i.FederatedProviderURL, &i.FederatedClientID,
		&i.FederatedClientSecret, &i.CallbackURL, &i.Scope, &i.SigningAlg, &mappings, &i.ConsentPolicy)
	if err != nil {
		return Issuer{}, err
	}
	if len(mappings) > 0 {
		_ = json.Unmarshal(mappings, &i.ClaimMappings)
	}
	return i, nil
}

func (s *pgStore) FindByID(ctx context.Context, issuerID string) (Issuer, error) {
	i, err := scanIssuer(s.dbPool.QueryRow(ctx, `SELECT `+issuerCols+` FROM issuers WHERE id=$1`, issuerID))
	if err == pgx.ErrNoRows {
		return Issuer{}, fault.New(fault.NotFound, "load issuer")
	}
	if err != nil {
		return Issuer{}, fault.Wrap(fault.Persistence, "load issuer", err)
	}
	return i, nil
}

func (s *pgStore) ListByTenant(ctx context.Context, tenantID string) ([]Issuer, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT `+issuerCols+` FROM issuers WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "list issuers", err)
	}
	defer rows.Close()
	var out []Issuer
	for rows.Next() {
		i, err := scanIssuer(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Persistence, "list issuers", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *pgStore) Upsert(ctx context.Context, i Issuer) error {
	if err := i.Validate(); err != nil {
		return err
	}
	mappings, _ := json.Marshal(i.ClaimMappings)
	_, err := s.dbPool.Exec(ctx, `INSERT INTO issuers(`+issuerCols+`)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,COALESCE(NULLIF($8,''),'ES256'),$9,$10)
	  ON CONFLICT (id) DO UPDATE SET federated_provider_url=EXCLUDED.federated_provider_url,
	    federated_client_id=EXCLUDED.federated_client_id, federated_client_secret=EXCLUDED.federated_client_secret,
	    callback_url=EXCLUDED.callback_url, scope=EXCLUDED.scope, signing_alg=EXCLUDED.signing_alg,
	    claim_mappings=EXCLUDED.claim_mappings, consent_policy=EXCLUDED.consent_policy, updated_at=NOW()`,
		i.ID, i.TenantID, i.FederatedProviderURL, i.FederatedClientID, i.FederatedClientSecret,
		i.CallbackURL, i.Scope, i.SigningAlg, mappings, i.ConsentPolicy)
	if err != nil {
		return fault.Wrap(fault.Persistence, "save issuer", err)
	}
	return nil
}

// SeedFromEnv ingests issuer definitions from a JSON array, typically
// ISSUER_SEED_JSON. Empty input is a no-op.
func SeedFromEnv(ctx context.Context, store Store, jsonSeed string) error {
	if strings.TrimSpace(jsonSeed) == "" {
		return nil
	}
	var seed []Issuer
	if err := json.Unmarshal([]byte(jsonSeed), &seed); err != nil {
		return fault.Wrap(fault.Validation, "parse issuer seed", err)
	}
	for _, i := range seed {
		if err := store.Upsert(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// ImportFromDir loads issuer definitions from a directory of YAML files
// and upserts each one. Individual file failures are logged, not fatal.
func ImportFromDir(ctx context.Context, store Store, log *zap.SugaredLogger, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warnw("issuer import read failed", "file", name, "err", err)
			continue
		}
		var i Issuer
		if err := yaml.Unmarshal(raw, &i); err != nil {
			log.Warnw("issuer import parse failed", "file", name, "err", err)
			continue
		}
		if err := store.Upsert(ctx, i); err != nil {
			log.Warnw("issuer import upsert failed", "file", name, "issuer", i.ID, "err", err)
			continue
		}
		log.Infow("issuer imported", "file", name, "issuer", i.ID, "tenant", i.TenantID)
	}
	return nil
}
