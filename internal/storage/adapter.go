package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"didhub/internal/protocol"
	"didhub/pkg/fault"
)

// Adapter satisfies the engine's storage contract for one object kind
// against one tenant's store. Twelve kinds share the polymorphic
// oidc_payloads table; Client is served from its own entity and rejects
// every lifecycle mutation.
type Adapter struct {
	store   *Store
	kind    protocol.Kind
	clients *ClientStore
	clock   func() time.Time
	log     *zap.SugaredLogger
}

// NewAdapterFactory returns the factory handed to the protocol engine.
// clock is injected for expiry tests; nil means time.Now.
func NewAdapterFactory(store *Store, clients *ClientStore, clock func() time.Time, log *zap.SugaredLogger) protocol.AdapterFactory {
	if clock == nil {
		clock = time.Now
	}
	return func(kind protocol.Kind) protocol.Adapter {
		return &Adapter{store: store, kind: kind, clients: clients, clock: clock, log: log}
	}
}

// guardClient rejects lifecycle operations on the Client kind before any
// storage is touched. Clients are never consumed, destroyed or revoked.
func (a *Adapter) guardClient(stage string) error {
	if a.kind == protocol.KindClient {
		return fault.New(fault.Precondition, stage+" on Client kind")
	}
	return nil
}

func (a *Adapter) Upsert(ctx context.Context, id string, payload protocol.Payload, ttl time.Duration) error {
	if err := a.guardClient("upsert"); err != nil {
		return err
	}
	payload.Version = protocol.PayloadVersion
	blob, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.Persistence, "encode payload", err)
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := a.clock().Add(ttl)
		expiresAt = &t
	}
	// Replace semantics: a re-upsert clears any previous consumption mark.
	_, err = a.store.Pool().Exec(ctx, `INSERT INTO oidc_payloads(id,kind,payload,grant_id,user_code,uid,expires_at,consumed_at)
	  VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),$7,NULL)
	  ON CONFLICT (id,kind) DO UPDATE SET payload=EXCLUDED.payload, grant_id=EXCLUDED.grant_id,
	    user_code=EXCLUDED.user_code, uid=EXCLUDED.uid, expires_at=EXCLUDED.expires_at, consumed_at=NULL`,
		id, string(a.kind), blob, payload.GrantID, payload.UserCode, payload.UID, expiresAt)
	if err != nil {
		return fault.Wrap(fault.Persistence, "upsert payload", err)
	}
	return nil
}

func (a *Adapter) Find(ctx context.Context, id string) (*protocol.Payload, error) {
	if a.kind == protocol.KindClient {
		c, err := a.clients.EngineClient(ctx, id)
		if err != nil {
			return nil, err
		}
		return clientPayload(c)
	}
	return a.findWhere(ctx, `id=$1`, id)
}

func (a *Adapter) FindByUserCode(ctx context.Context, userCode string) (*protocol.Payload, error) {
	if err := a.guardClient("findByUserCode"); err != nil {
		return nil, err
	}
	return a.findWhere(ctx, `user_code=$1`, userCode)
}

func (a *Adapter) FindByUID(ctx context.Context, uid string) (*protocol.Payload, error) {
	if err := a.guardClient("findByUid"); err != nil {
		return nil, err
	}
	return a.findWhere(ctx, `uid=$1`, uid)
}

// findWhere scopes every secondary-key lookup by kind as well: user codes
// and uids are not unique across kinds.
func (a *Adapter) findWhere(ctx context.Context, cond string, arg string) (*protocol.Payload, error) {
	row := a.store.Pool().QueryRow(ctx, `SELECT payload, consumed_at FROM oidc_payloads
	  WHERE `+cond+` AND kind=$2 AND (expires_at IS NULL OR expires_at > $3)`,
		arg, string(a.kind), a.clock())
	var blob []byte
	var consumedAt *time.Time
	err := row.Scan(&blob, &consumedAt)
	if err == pgx.ErrNoRows {
		return nil, fault.New(fault.NotFound, "load payload")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "load payload", err)
	}
	var p protocol.Payload
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fault.Wrap(fault.Persistence, "decode payload", err)
	}
	p.Consumed = consumedAt != nil
	return &p, nil
}

func (a *Adapter) Consume(ctx context.Context, id string) error {
	if err := a.guardClient("consume"); err != nil {
		return err
	}
	tag, err := a.store.Pool().Exec(ctx, `UPDATE oidc_payloads SET consumed_at=$3 WHERE id=$1 AND kind=$2`,
		id, string(a.kind), a.clock())
	if err != nil {
		return fault.Wrap(fault.Persistence, "consume payload", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "consume payload")
	}
	return nil
}

func (a *Adapter) Destroy(ctx context.Context, id string) error {
	if err := a.guardClient("destroy"); err != nil {
		return err
	}
	if _, err := a.store.Pool().Exec(ctx, `DELETE FROM oidc_payloads WHERE id=$1 AND kind=$2`,
		id, string(a.kind)); err != nil {
		return fault.Wrap(fault.Persistence, "destroy payload", err)
	}
	return nil
}

func (a *Adapter) RevokeByGrantID(ctx context.Context, grantID string) error {
	if err := a.guardClient("revokeByGrantId"); err != nil {
		return err
	}
	if _, err := a.store.Pool().Exec(ctx, `DELETE FROM oidc_payloads WHERE grant_id=$1 AND kind=$2`,
		grantID, string(a.kind)); err != nil {
		return fault.Wrap(fault.Persistence, "revoke by grant", err)
	}
	return nil
}

// Sweep hard-deletes expired rows of every kind. Reads already ignore
// them; this reclaims the space when the engine asks for a sweep.
func Sweep(ctx context.Context, store *Store, now time.Time) (int64, error) {
	tag, err := store.Pool().Exec(ctx, `DELETE FROM oidc_payloads WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fault.Wrap(fault.Persistence, "sweep payloads", err)
	}
	return tag.RowsAffected(), nil
}

// clientPayload wraps the engine-facing client document into the payload
// shape adapter callers expect for the Client kind.
func clientPayload(c *protocol.Client) (*protocol.Payload, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "encode client", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fault.Wrap(fault.Persistence, "encode client", err)
	}
	return &protocol.Payload{Version: protocol.PayloadVersion, ClientID: c.ClientID, Data: data}, nil
}
