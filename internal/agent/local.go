package agent

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"didhub/pkg/fault"
)

// localAgent is a key-registry agent backed by the tenant's own schema.
// It generates P-256 keys and identifies them as opaque did:key-style
// strings derived from the key thumbprint. Method-level DID resolution is
// somebody else's job; deployments with a full agent inject their own
// Factory instead.
type localAgent struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

// NewLocalFactory returns a Factory producing local key-registry agents.
func NewLocalFactory(log *zap.SugaredLogger) Factory {
	return func(ctx context.Context, pool *pgxpool.Pool) (Capability, error) {
		a := &localAgent{pool: pool, log: log}
		if err := a.ensureTable(ctx); err != nil {
			return nil, fault.Wrap(fault.Persistence, "agent setup", err)
		}
		return a, nil
	}
}

func (a *localAgent) ensureTable(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS agent_keys (
  alias text PRIMARY KEY,
  did text UNIQUE NOT NULL,
  public_jwk jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW()
);`)
	return err
}

func (a *localAgent) DIDGetOrCreate(ctx context.Context, alias string) (string, error) {
	var did string
	err := a.pool.QueryRow(ctx, `SELECT did FROM agent_keys WHERE alias=$1`, alias).Scan(&did)
	if err == nil {
		return did, nil
	}
	if err != pgx.ErrNoRows {
		return "", fault.Wrap(fault.Persistence, "load agent key", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fault.Wrap(fault.Persistence, "generate key", err)
	}
	key, err := jwk.FromRaw(priv.PublicKey)
	if err != nil {
		return "", fault.Wrap(fault.Persistence, "encode key", err)
	}
	did, err = didFromKey(key)
	if err != nil {
		return "", fault.Wrap(fault.Persistence, "thumbprint", err)
	}

	raw, err := json.Marshal(key)
	if err != nil {
		return "", fault.Wrap(fault.Persistence, "encode key", err)
	}
	// ON CONFLICT keeps the first writer's DID if two requests race.
	if _, err := a.pool.Exec(ctx, `INSERT INTO agent_keys(alias,did,public_jwk) VALUES ($1,$2,$3)
	  ON CONFLICT (alias) DO NOTHING`, alias, did, raw); err != nil {
		return "", fault.Wrap(fault.Persistence, "save agent key", err)
	}
	if err := a.pool.QueryRow(ctx, `SELECT did FROM agent_keys WHERE alias=$1`, alias).Scan(&did); err != nil {
		return "", fault.Wrap(fault.Persistence, "load agent key", err)
	}
	a.log.Infow("did created", "alias", alias, "did", did)
	return did, nil
}

// didFromKey derives the did:key-style identifier from the key's RFC 7638
// thumbprint and stamps the matching kid on the key.
func didFromKey(key jwk.Key) (string, error) {
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	kid := base64.RawURLEncoding.EncodeToString(thumb)
	_ = key.Set(jwk.KeyIDKey, kid)
	return "did:key:" + kid, nil
}

func (a *localAgent) DIDDereference(ctx context.Context, did string) (jwk.Key, error) {
	var raw []byte
	err := a.pool.QueryRow(ctx, `SELECT public_jwk FROM agent_keys WHERE did=$1`, did).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, fault.New(fault.NotFound, "dereference did")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "dereference did", err)
	}
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "parse stored key", err)
	}
	return key, nil
}
