// Package interaction drives a federated login through an upstream
// identity provider and back into the local protocol engine. Each route
// is a step of the state machine; ordering is enforced by the engine's
// own prompt state, not by this package.
package interaction

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"didhub/internal/federation"
	"didhub/internal/issuers"
	"didhub/internal/protocol"
	"didhub/pkg/fault"
)

// Upstream is the slice of the federation client the router drives.
type Upstream interface {
	AuthorizationURL(ctx context.Context, state, nonce string) (string, error)
	Exchange(ctx context.Context, code string) (*federation.TokenResponse, error)
	VerifyIDToken(ctx context.Context, rawToken string) (map[string]any, error)
}

// Binding is everything the router needs for one (tenant, issuer) pair.
type Binding struct {
	Provider protocol.Provider
	Upstream Upstream
	Mapper   *issuers.Mapper
	Policy   *ConsentPolicy
}

// Resolver produces the binding for an incoming request, typically from
// the request host and the issuer route parameter.
type Resolver func(r *http.Request) (Binding, error)

type Handler struct {
	resolve Resolver
	log     *zap.SugaredLogger
}

func NewHandler(resolve Resolver, log *zap.SugaredLogger) *Handler {
	return &Handler{resolve: resolve, log: log}
}

// Routes returns the interaction sub-router. Mount it under the issuer
// prefix alongside Callback.
func (h *Handler) Routes() chi.Router {
	// One param name for both jti and uid: chi requires consistent
	// wildcards per segment, and the engine resolves either form.
	r := chi.NewRouter()
	r.Get("/{id}", h.kickoff)
	r.Get("/{id}/login", h.loginFinish)
	r.Post("/{id}/confirm", h.confirm)
	r.Post("/{id}/abort", h.abort)
	return r
}

// kickoff inspects the pending prompt: login redirects the browser to
// the upstream provider with state bound to this interaction's jti;
// consent renders the missing scopes/claims the engine computed.
func (h *Handler) kickoff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.resolve(r)
	if err != nil {
		h.fail(w, "resolve issuer", err)
		return
	}
	jti := chi.URLParam(r, "id")
	details, err := b.Provider.InteractionDetails(ctx, jti)
	if err != nil {
		h.fail(w, "load interaction", err)
		return
	}

	switch details.Prompt.Name {
	case "login":
		// state = jti is the anti-CSRF binding the login-finish step
		// re-verifies.
		authURL, err := b.Upstream.AuthorizationURL(ctx, details.JTI, details.Params.Nonce)
		if err != nil {
			h.fail(w, "build authorization url", err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	case "consent":
		writeJSON(w, http.StatusOK, map[string]any{
			"uid":                   details.UID,
			"clientId":              details.Params.ClientID,
			"scope":                 details.Params.Scope,
			"missingOIDCScopes":     details.Prompt.Details.MissingOIDCScopes,
			"missingOIDCClaims":     details.Prompt.Details.MissingOIDCClaims,
			"missingResourceScopes": details.Prompt.Details.MissingResourceScopes,
		})
	default:
		h.fail(w, "dispatch prompt", fault.Newf(fault.Precondition, "dispatch prompt", "unknown prompt %q", details.Prompt.Name))
	}
}

// Callback receives code and state from the upstream provider and
// re-dispatches to the login-finish step, treating state as the
// interaction jti. Mount at GET /callback on the issuer prefix.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	h.finishLogin(w, r, r.URL.Query().Get("state"))
}

func (h *Handler) loginFinish(w http.ResponseWriter, r *http.Request) {
	h.finishLogin(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) finishLogin(w http.ResponseWriter, r *http.Request, jti string) {
	ctx := r.Context()
	b, err := h.resolve(r)
	if err != nil {
		h.fail(w, "resolve issuer", err)
		return
	}
	details, err := b.Provider.InteractionDetails(ctx, jti)
	if err != nil {
		h.fail(w, "load interaction", err)
		return
	}

	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")

	// Fatal CSRF binding: a state that does not match the interaction
	// aborts before the code is ever exchanged.
	if state != details.UID && state != details.JTI {
		h.log.Warnw("state mismatch on login finish", "jti", details.JTI, "uid", details.UID)
		h.finishRedirect(w, r, b.Provider, details.JTI, protocol.Result{
			Error:            "invalid_state",
			ErrorDescription: "state does not match the pending interaction",
		}, false)
		return
	}

	tok, err := b.Upstream.Exchange(ctx, code)
	if err != nil {
		h.log.Warnw("code exchange failed", "jti", details.JTI, "err", err)
		h.finishRedirect(w, r, b.Provider, details.JTI, protocol.Result{
			Error:            "upstream_error",
			ErrorDescription: "token exchange with the federated provider failed",
		}, false)
		return
	}

	claims, err := b.Upstream.VerifyIDToken(ctx, tok.IDToken)
	if err != nil {
		h.finishRedirect(w, r, b.Provider, details.JTI, protocol.Result{
			Error:            "invalid_id_token",
			ErrorDescription: "id token failed verification",
		}, false)
		return
	}

	if nonce, _ := claims["nonce"].(string); nonce != details.Params.Nonce {
		h.finishRedirect(w, r, b.Provider, details.JTI, protocol.Result{
			Error:            "invalid_nonce",
			ErrorDescription: "nonce does not match the authorization request",
		}, false)
		return
	}

	// Second check against the authoritative interaction id.
	if details.JTI != state && details.UID != state {
		h.finishRedirect(w, r, b.Provider, details.JTI, protocol.Result{
			Error:            "invalid_state",
			ErrorDescription: "state does not match the interaction id",
		}, false)
		return
	}

	mapped := claims
	if b.Mapper != nil {
		mapped = b.Mapper.Apply(claims)
	}
	accountID := issuers.Subject(mapped)
	if accountID == "" {
		h.finishRedirect(w, r, b.Provider, details.JTI, protocol.Result{
			Error:            "invalid_id_token",
			ErrorDescription: "id token carries no subject",
		}, false)
		return
	}

	h.finishRedirect(w, r, b.Provider, details.JTI, protocol.Result{
		Login:   &protocol.LoginResult{AccountID: accountID, ACR: "0"},
		IDToken: mapped,
	}, false)
}

// confirm applies a consent decision: the session's grant is loaded or
// created, the engine-reported missing scopes/claims are added, and the
// result merges with the earlier login submission.
func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.resolve(r)
	if err != nil {
		h.fail(w, "resolve issuer", err)
		return
	}
	uid := chi.URLParam(r, "id")
	details, err := b.Provider.InteractionDetails(ctx, uid)
	if err != nil {
		h.fail(w, "load interaction", err)
		return
	}
	if details.Prompt.Name != "consent" {
		h.fail(w, "confirm consent", fault.New(fault.Precondition, "interaction is not awaiting consent"))
		return
	}
	if details.Session == nil || details.Session.AccountID == "" {
		h.fail(w, "confirm consent", fault.New(fault.Precondition, "no authenticated session"))
		return
	}

	var grant *protocol.Grant
	existing := details.Session.GrantID != ""
	if existing {
		grant, err = b.Provider.FindGrant(ctx, details.Session.GrantID)
		if err != nil {
			h.fail(w, "load grant", err)
			return
		}
	} else {
		grant = b.Provider.NewGrant(details.Session.AccountID, details.Params.ClientID)
	}

	missing := details.Prompt.Details
	grant.AddOIDCScopes(missing.MissingOIDCScopes...)
	grant.AddOIDCClaims(missing.MissingOIDCClaims...)
	resourceScopes := missing.MissingResourceScopes
	if b.Policy != nil {
		resourceScopes = b.Policy.FilterResourceScopes(ctx, details.Session.AccountID, details.Params.ClientID, resourceScopes)
	}
	for indicator, scopes := range resourceScopes {
		grant.AddResourceScopes(indicator, scopes...)
	}

	grantID, err := b.Provider.SaveGrant(ctx, grant)
	if err != nil {
		h.fail(w, "save grant", err)
		return
	}

	result := protocol.Result{Consent: &protocol.ConsentResult{}}
	if !existing {
		result.Consent.GrantID = grantID
	}
	redirectTo, err := b.Provider.FinishInteraction(ctx, details.JTI, result, true)
	if err != nil {
		h.fail(w, "finish interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirectTo": redirectTo})
}

// abort finishes the interaction with a fixed access_denied error.
func (h *Handler) abort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.resolve(r)
	if err != nil {
		h.fail(w, "resolve issuer", err)
		return
	}
	uid := chi.URLParam(r, "id")
	details, err := b.Provider.InteractionDetails(ctx, uid)
	if err != nil {
		h.fail(w, "load interaction", err)
		return
	}
	redirectTo, err := b.Provider.FinishInteraction(ctx, details.JTI, protocol.Result{
		Error:            "access_denied",
		ErrorDescription: "End-User aborted interaction",
	}, false)
	if err != nil {
		h.fail(w, "finish interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirectTo": redirectTo})
}

// finishRedirect submits a result and sends the browser wherever the
// engine says to go next. Validation outcomes travel this path so they
// surface as OIDC error redirects, never as HTTP errors.
func (h *Handler) finishRedirect(w http.ResponseWriter, r *http.Request, p protocol.Provider, jti string, result protocol.Result, merge bool) {
	redirectTo, err := p.FinishInteraction(r.Context(), jti, result, merge)
	if err != nil {
		h.fail(w, "finish interaction", err)
		return
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

func (h *Handler) fail(w http.ResponseWriter, stage string, err error) {
	h.log.Warnw("interaction step failed", "stage", stage, "err", err)
	if fault.KindOf(err) == 0 {
		err = fault.Wrap(fault.Persistence, stage, err)
	}
	fault.WriteJSON(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
