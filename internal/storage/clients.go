package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"didhub/internal/agent"
	"didhub/internal/protocol"
	"didhub/pkg/fault"
)

// Client is the stored registration of an OIDC client. Long-lived,
// queried by business logic independent of the engine's token lifecycle,
// and never swept by expiry, so it gets its own table.
type Client struct {
	ClientID     string   `json:"clientId"`
	IssuerID     string   `json:"issuerId"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	GrantTypes   []string `json:"grantTypes,omitempty"`

	// Authorization-code flow fields (optional).
	RedirectURIs             []string `json:"redirectUris,omitempty"`
	ResponseTypes            []string `json:"responseTypes,omitempty"`
	IDTokenSignedResponseAlg string   `json:"idTokenSignedResponseAlg,omitempty"`

	// Backchannel (CIBA) fields (optional).
	BackchannelTokenDeliveryMode               string `json:"backchannelTokenDeliveryMode,omitempty"`
	BackchannelClientNotificationEndpoint      string `json:"backchannelClientNotificationEndpoint,omitempty"`
	BackchannelAuthenticationRequestSigningAlg string `json:"backchannelAuthenticationRequestSigningAlg,omitempty"`
	BackchannelUserCodeParameter               *bool  `json:"backchannelUserCodeParameter,omitempty"`

	ApplicationType         string `json:"applicationType,omitempty"`
	TokenEndpointAuthMethod string `json:"tokenEndpointAuthMethod,omitempty"`

	// DID is the client's own decentralized identifier, created through
	// the identity agent at registration. One DID per client, never shared.
	DID       string    `json:"did"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClientStore persists OIDC clients in a tenant's schema and synthesizes
// the engine-facing view (including the DID-derived jwks).
type ClientStore struct {
	store      *Store
	agent      agent.Capability
	signingAlg string
	log        *zap.SugaredLogger
}

// NewClientStore binds a client store to one tenant's store handle and
// identity agent. signingAlg is the algorithm advertised for client keys
// (configuration, not a constant).
func NewClientStore(store *Store, agt agent.Capability, signingAlg string, log *zap.SugaredLogger) *ClientStore {
	if signingAlg == "" {
		signingAlg = "ES256"
	}
	return &ClientStore{store: store, agent: agt, signingAlg: signingAlg, log: log}
}

// Register creates the client's DID through the agent and persists the
// registration. The signing public key is not stored; finds re-derive it
// from the DID so key rotation at the agent is picked up automatically.
func (s *ClientStore) Register(ctx context.Context, c Client) (Client, error) {
	if c.ClientID == "" {
		return Client{}, fault.New(fault.Precondition, "register client")
	}
	did, err := s.agent.DIDGetOrCreate(ctx, "client:"+c.ClientID)
	if err != nil {
		return Client{}, fault.Wrap(fault.Persistence, "bind client did", err)
	}
	c.DID = did

	_, err = s.store.Pool().Exec(ctx, `INSERT INTO oidc_clients(
	    client_id, issuer_id, client_secret, grant_types, redirect_uris, response_types,
	    id_token_signed_response_alg, backchannel_token_delivery_mode,
	    backchannel_client_notification_endpoint, backchannel_authentication_request_signing_alg,
	    backchannel_user_code_parameter, application_type, token_endpoint_auth_method, did)
	  VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11,$12,$13,$14)`,
		c.ClientID, c.IssuerID, c.ClientSecret, c.GrantTypes, c.RedirectURIs, c.ResponseTypes,
		c.IDTokenSignedResponseAlg, c.BackchannelTokenDeliveryMode,
		c.BackchannelClientNotificationEndpoint, c.BackchannelAuthenticationRequestSigningAlg,
		c.BackchannelUserCodeParameter, c.ApplicationType, c.TokenEndpointAuthMethod, c.DID)
	if err != nil {
		return Client{}, fault.Wrap(fault.Persistence, "save client", err)
	}
	s.log.Infow("client registered", "client_id", c.ClientID, "issuer", c.IssuerID, "did", c.DID)
	return c, nil
}

// FindByClientID returns the stored registration.
func (s *ClientStore) FindByClientID(ctx context.Context, clientID string) (Client, error) {
	row := s.store.Pool().QueryRow(ctx, `SELECT client_id, issuer_id, client_secret, grant_types,
	    COALESCE(redirect_uris,'{}'), COALESCE(response_types,'{}'),
	    COALESCE(id_token_signed_response_alg,''), COALESCE(backchannel_token_delivery_mode,''),
	    COALESCE(backchannel_client_notification_endpoint,''),
	    COALESCE(backchannel_authentication_request_signing_alg,''),
	    backchannel_user_code_parameter, application_type, token_endpoint_auth_method, did, created_at
	  FROM oidc_clients WHERE client_id=$1`, clientID)
	var c Client
	err := row.Scan(&c.ClientID, &c.IssuerID, &c.ClientSecret, &c.GrantTypes,
		&c.RedirectURIs, &c.ResponseTypes, &c.IDTokenSignedResponseAlg,
		&c.BackchannelTokenDeliveryMode, &c.BackchannelClientNotificationEndpoint,
		&c.BackchannelAuthenticationRequestSigningAlg, &c.BackchannelUserCodeParameter,
		&c.ApplicationType, &c.TokenEndpointAuthMethod, &c.DID, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return Client{}, fault.New(fault.NotFound, "load client")
	}
	if err != nil {
		return Client{}, fault.Wrap(fault.Persistence, "load client", err)
	}
	return c, nil
}

// EngineClient renders the engine-facing view: the stored registration
// plus the jwks derived by dereferencing the bound DID. Optional fields
// stay absent (not null) when unset.
func (s *ClientStore) EngineClient(ctx context.Context, clientID string) (*protocol.Client, error) {
	c, err := s.FindByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	key, err := s.agent.DIDDereference(ctx, c.DID)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "derive client jwks", err)
	}
	pub, err := agent.PublicJWK(key)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "derive client jwks", err)
	}

	out := &protocol.Client{
		ClientID:                 c.ClientID,
		ClientSecret:             c.ClientSecret,
		GrantTypes:               c.GrantTypes,
		RedirectURIs:             c.RedirectURIs,
		ResponseTypes:            c.ResponseTypes,
		IDTokenSignedResponseAlg: c.IDTokenSignedResponseAlg,

		BackchannelTokenDeliveryMode:               c.BackchannelTokenDeliveryMode,
		BackchannelClientNotificationEndpoint:      c.BackchannelClientNotificationEndpoint,
		BackchannelAuthenticationRequestSigningAlg: c.BackchannelAuthenticationRequestSigningAlg,
		BackchannelUserCodeParameter:               c.BackchannelUserCodeParameter,

		ApplicationType:         c.ApplicationType,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		JWKS:                    map[string]any{"keys": []any{pub}},
	}
	if out.IDTokenSignedResponseAlg == "" {
		out.IDTokenSignedResponseAlg = s.signingAlg
	}
	return out, nil
}
