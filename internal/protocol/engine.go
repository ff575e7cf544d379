// Package protocol defines the contract between this core and the embedded
// OIDC provider engine: the object kinds it stores, the storage-adapter
// interface it drives, and the interaction/grant surface the federated
// login router consumes. The engine itself is an external collaborator.
package protocol

import (
	"context"
	"time"
)

// Adapter is the persistence contract one object kind presents to the
// engine. One adapter instance is scoped to a single tenant store and a
// single kind.
type Adapter interface {
	// Upsert stores payload under id, replacing any previous value. A zero
	// ttl means the object never expires on its own.
	Upsert(ctx context.Context, id string, payload Payload, ttl time.Duration) error
	Find(ctx context.Context, id string) (*Payload, error)
	FindByUserCode(ctx context.Context, userCode string) (*Payload, error)
	FindByUID(ctx context.Context, uid string) (*Payload, error)
	// Consume soft-marks the object; subsequent Finds return it with
	// Consumed set. Fails on kind Client.
	Consume(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error
	RevokeByGrantID(ctx context.Context, grantID string) error
}

// AdapterFactory hands the engine a kind-scoped adapter.
type AdapterFactory func(kind Kind) Adapter

// Client is the engine-facing view of a registered OIDC client. Optional
// fields must be omitted when unset (the engine distinguishes absent from
// null), hence omitempty throughout.
type Client struct {
	ClientID                 string   `json:"client_id"`
	ClientSecret             string   `json:"client_secret,omitempty"`
	GrantTypes               []string `json:"grant_types"`
	RedirectURIs             []string `json:"redirect_uris,omitempty"`
	ResponseTypes            []string `json:"response_types,omitempty"`
	IDTokenSignedResponseAlg string   `json:"id_token_signed_response_alg,omitempty"`

	BackchannelTokenDeliveryMode               string `json:"backchannel_token_delivery_mode,omitempty"`
	BackchannelClientNotificationEndpoint      string `json:"backchannel_client_notification_endpoint,omitempty"`
	BackchannelAuthenticationRequestSigningAlg string `json:"backchannel_authentication_request_signing_alg,omitempty"`
	BackchannelUserCodeParameter               *bool  `json:"backchannel_user_code_parameter,omitempty"`

	ApplicationType         string `json:"application_type,omitempty"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// JWKS is derived on every find by dereferencing the client's bound
	// DID; it is never stored redundantly.
	JWKS map[string]any `json:"jwks,omitempty"`
}

// Prompt is the pending end-user decision the engine reports for an
// in-progress authorization request.
type Prompt struct {
	Name    string // "login" or "consent"
	Details PromptDetails
}

// PromptDetails lists what the engine computed as still missing. Consumed
// as-is; this core never recomputes them.
type PromptDetails struct {
	MissingOIDCScopes     []string
	MissingOIDCClaims     []string
	MissingResourceScopes map[string][]string
}

// Params carries the original authorization-request parameters.
type Params struct {
	ClientID     string
	RedirectURI  string
	Scope        string
	Nonce        string
	ResponseType string
}

// Session is the engine's view of the authenticated browser session.
type Session struct {
	AccountID string
	GrantID   string
}

// Interaction is the engine's record of a pending login/consent exchange.
type Interaction struct {
	JTI     string
	UID     string
	Prompt  Prompt
	Params  Params
	Session *Session
	// LastResult is the previously submitted result, if any. Consent
	// finishes merge into it; login finishes replace it.
	LastResult *Result
}

// LoginResult reports which account authenticated.
type LoginResult struct {
	AccountID string `json:"accountId"`
	ACR       string `json:"acr"`
}

// ConsentResult reports the grant produced by a consent decision.
type ConsentResult struct {
	GrantID string `json:"grantId,omitempty"`
}

// Result is the payload handed to FinishInteraction. Either an outcome
// (login/consent) or a protocol error, never both.
type Result struct {
	Login            *LoginResult   `json:"login,omitempty"`
	Consent          *ConsentResult `json:"consent,omitempty"`
	IDToken          map[string]any `json:"id_token,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorDescription string         `json:"error_description,omitempty"`
}

// Grant records which scopes/claims an account approved for a client.
type Grant struct {
	ID             string
	AccountID      string
	ClientID       string
	OIDCScopes     []string
	OIDCClaims     []string
	ResourceScopes map[string][]string
}

func (g *Grant) AddOIDCScopes(scopes ...string) {
	for _, s := range scopes {
		if !contains(g.OIDCScopes, s) {
			g.OIDCScopes = append(g.OIDCScopes, s)
		}
	}
}

func (g *Grant) AddOIDCClaims(claims ...string) {
	for _, c := range claims {
		if !contains(g.OIDCClaims, c) {
			g.OIDCClaims = append(g.OIDCClaims, c)
		}
	}
}

func (g *Grant) AddResourceScopes(resource string, scopes ...string) {
	if g.ResourceScopes == nil {
		g.ResourceScopes = map[string][]string{}
	}
	for _, s := range scopes {
		if !contains(g.ResourceScopes[resource], s) {
			g.ResourceScopes[resource] = append(g.ResourceScopes[resource], s)
		}
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Provider is the engine surface the rest of the system drives: reading
// and finishing interactions, looking up clients, managing grants.
type Provider interface {
	Issuer() string
	// InteractionDetails loads a pending interaction by jti or uid; the
	// engine resolves either form.
	InteractionDetails(ctx context.Context, id string) (*Interaction, error)
	// FinishInteraction submits a result. With merge the engine folds it
	// into the prior submission (consent preserves the earlier login);
	// without, the result replaces whatever was there.
	FinishInteraction(ctx context.Context, jti string, result Result, merge bool) (redirectTo string, err error)
	FindClient(ctx context.Context, clientID string) (*Client, error)
	FindGrant(ctx context.Context, grantID string) (*Grant, error)
	NewGrant(accountID, clientID string) *Grant
	SaveGrant(ctx context.Context, g *Grant) (string, error)
}

// ProviderSettings parameterizes a provider instance for one issuer of
// one tenant.
type ProviderSettings struct {
	TenantID  string
	IssuerID  string
	IssuerURL string
	// ProxyTrusted marks the instance as sitting behind a TLS-terminating
	// proxy so it emits https URLs.
	ProxyTrusted bool
	Adapters     AdapterFactory
	// ClaimMappings is the issuer's claim-mapping table (claim name ->
	// JMESPath expression over the upstream identity payload).
	ClaimMappings map[string]string
}

// ProviderFactory constructs the engine instance. Injected so the engine
// stays an external collaborator and tests can substitute fakes.
type ProviderFactory func(s ProviderSettings) (Provider, error)
