// Package agent exposes the identity-agent capability this core consumes.
// All cryptographic detail behind it is opaque: the core only ever asks
// for a DID and for the key material a DID resolves to.
package agent

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Capability is the narrow surface the core calls. Deliberately not an
// open-ended dispatcher: these are the only operations the tenant
// lifecycle and client registration paths need.
type Capability interface {
	// DIDGetOrCreate returns the DID registered under alias, creating it
	// on first use. One alias maps to exactly one DID.
	DIDGetOrCreate(ctx context.Context, alias string) (string, error)
	// DIDDereference resolves a DID to its primary public key.
	DIDDereference(ctx context.Context, did string) (jwk.Key, error)
}

// Factory builds the agent bound to one tenant's store handle. The agent
// must not outlive that handle; the tenant manager drops both together.
type Factory func(ctx context.Context, pool *pgxpool.Pool) (Capability, error)

// PublicJWK renders a key in the JSON-Web-Key shape the protocol engine
// expects for a client's jwks entry.
func PublicJWK(key jwk.Key) (map[string]any, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(pub)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
