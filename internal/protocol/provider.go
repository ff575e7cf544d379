package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"didhub/pkg/fault"
)

// interactionTTL bounds how long an unfinished interaction survives.
const interactionTTL = time.Hour

// storedProvider implements Provider directly over the kind-scoped
// storage adapters. Engines with their own runtime can replace it via
// ProviderFactory; this one keeps the adapter contract exercised end to
// end without an external dependency.
type storedProvider struct {
	settings     ProviderSettings
	interactions Adapter
	clients      Adapter
	grants       Adapter
}

// NewStoredProvider is the default ProviderFactory.
func NewStoredProvider(s ProviderSettings) (Provider, error) {
	if s.Adapters == nil {
		return nil, fault.New(fault.Precondition, "provider requires adapters")
	}
	return &storedProvider{
		settings:     s,
		interactions: s.Adapters(KindInteraction),
		clients:      s.Adapters(KindClient),
		grants:       s.Adapters(KindGrant),
	}, nil
}

func (p *storedProvider) Issuer() string { return p.settings.IssuerURL }

func (p *storedProvider) InteractionDetails(ctx context.Context, id string) (*Interaction, error) {
	payload, err := p.interactions.Find(ctx, id)
	if fault.IsNotFound(err) {
		payload, err = p.interactions.FindByUID(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return interactionFromPayload(payload)
}

func (p *storedProvider) FinishInteraction(ctx context.Context, jti string, result Result, merge bool) (string, error) {
	payload, err := p.interactions.Find(ctx, jti)
	if err != nil {
		return "", err
	}
	it, err := interactionFromPayload(payload)
	if err != nil {
		return "", err
	}

	final := result
	if merge && it.LastResult != nil {
		final = mergeResults(*it.LastResult, result)
	}
	if payload.Data == nil {
		payload.Data = map[string]any{}
	}
	resultMap, err := toMap(final)
	if err != nil {
		return "", fault.Wrap(fault.Persistence, "encode result", err)
	}
	payload.Data["result"] = resultMap
	if final.Login != nil {
		payload.AccountID = final.Login.AccountID
	}
	if err := p.interactions.Upsert(ctx, it.JTI, *payload, interactionTTL); err != nil {
		return "", err
	}

	if returnTo, _ := payload.Data["returnTo"].(string); returnTo != "" {
		return returnTo, nil
	}
	return strings.TrimRight(p.settings.IssuerURL, "/") + "/auth/" + it.UID, nil
}

func (p *storedProvider) FindClient(ctx context.Context, clientID string) (*Client, error) {
	payload, err := p.clients.Find(ctx, clientID)
	if err != nil {
		return nil, err
	}
	var c Client
	if err := fromMap(payload.Data, &c); err != nil {
		return nil, fault.Wrap(fault.Persistence, "decode client", err)
	}
	return &c, nil
}

func (p *storedProvider) FindGrant(ctx context.Context, grantID string) (*Grant, error) {
	payload, err := p.grants.Find(ctx, grantID)
	if err != nil {
		return nil, err
	}
	g := Grant{ID: grantID, AccountID: payload.AccountID, ClientID: payload.ClientID}
	if err := fromMap(payload.Data, &g); err != nil {
		return nil, fault.Wrap(fault.Persistence, "decode grant", err)
	}
	g.ID = grantID
	return &g, nil
}

func (p *storedProvider) NewGrant(accountID, clientID string) *Grant {
	return &Grant{ID: uuid.NewString(), AccountID: accountID, ClientID: clientID}
}

func (p *storedProvider) SaveGrant(ctx context.Context, g *Grant) (string, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	data, err := toMap(g)
	if err != nil {
		return "", fault.Wrap(fault.Persistence, "encode grant", err)
	}
	payload := Payload{
		GrantID:   g.ID,
		AccountID: g.AccountID,
		ClientID:  g.ClientID,
		Data:      data,
	}
	// Grants have no intrinsic expiry; revocation removes them.
	if err := p.grants.Upsert(ctx, g.ID, payload, 0); err != nil {
		return "", err
	}
	return g.ID, nil
}

// mergeResults folds a new submission into the prior one. Each facet of
// the new result wins when present; absent facets keep the earlier value,
// so a consent decision preserves the login before it.
func mergeResults(prev, next Result) Result {
	out := prev
	if next.Login != nil {
		out.Login = next.Login
	}
	if next.Consent != nil {
		out.Consent = next.Consent
	}
	if next.IDToken != nil {
		out.IDToken = next.IDToken
	}
	if next.Error != "" {
		out.Error = next.Error
		out.ErrorDescription = next.ErrorDescription
	}
	return out
}

func interactionFromPayload(payload *Payload) (*Interaction, error) {
	jti, _ := payload.Data["jti"].(string)
	if jti == "" {
		return nil, fault.New(fault.Persistence, "interaction record carries no jti")
	}
	it := &Interaction{
		JTI: jti,
		UID: payload.UID,
		Params: Params{
			ClientID: payload.ClientID,
			Scope:    payload.Scope,
			Nonce:    payload.Nonce,
		},
	}
	if raw, ok := payload.Data["params"]; ok {
		if err := fromAny(raw, &it.Params); err != nil {
			return nil, fault.Wrap(fault.Persistence, "decode params", err)
		}
	}
	if raw, ok := payload.Data["prompt"]; ok {
		if err := fromAny(raw, &it.Prompt); err != nil {
			return nil, fault.Wrap(fault.Persistence, "decode prompt", err)
		}
	}
	if raw, ok := payload.Data["session"]; ok {
		var s Session
		if err := fromAny(raw, &s); err != nil {
			return nil, fault.Wrap(fault.Persistence, "decode session", err)
		}
		it.Session = &s
	}
	if raw, ok := payload.Data["result"]; ok {
		var r Result
		if err := fromAny(raw, &r); err != nil {
			return nil, fault.Wrap(fault.Persistence, "decode result", err)
		}
		it.LastResult = &r
	}
	return it, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(m map[string]any, dst any) error {
	if m == nil {
		return nil
	}
	return fromAny(m, dst)
}

func fromAny(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
