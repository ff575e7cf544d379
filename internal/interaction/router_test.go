package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"didhub/internal/federation"
	"didhub/internal/issuers"
	"didhub/internal/protocol"
	"didhub/pkg/fault"
	"didhub/pkg/logger"
)

type finishCall struct {
	jti    string
	result protocol.Result
	merge  bool
}

type stubProvider struct {
	details    map[string]*protocol.Interaction
	grants     map[string]*protocol.Grant
	finishes   []finishCall
	redirectTo string
	loadedWith []string
}

func newStubProvider(ds ...*protocol.Interaction) *stubProvider {
	p := &stubProvider{
		details:    map[string]*protocol.Interaction{},
		grants:     map[string]*protocol.Grant{},
		redirectTo: "https://rp.example.com/cb?resumed=1",
	}
	for _, d := range ds {
		p.details[d.JTI] = d
		p.details[d.UID] = d
	}
	return p
}

func (p *stubProvider) Issuer() string { return "https://acme.example.com/op/iss-a" }

func (p *stubProvider) InteractionDetails(_ context.Context, id string) (*protocol.Interaction, error) {
	p.loadedWith = append(p.loadedWith, id)
	d, ok := p.details[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "load interaction")
	}
	return d, nil
}

func (p *stubProvider) FinishInteraction(_ context.Context, jti string, result protocol.Result, merge bool) (string, error) {
	p.finishes = append(p.finishes, finishCall{jti: jti, result: result, merge: merge})
	return p.redirectTo, nil
}

func (p *stubProvider) FindClient(context.Context, string) (*protocol.Client, error) {
	return nil, fault.New(fault.NotFound, "load client")
}

func (p *stubProvider) FindGrant(_ context.Context, id string) (*protocol.Grant, error) {
	g, ok := p.grants[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "load grant")
	}
	return g, nil
}

func (p *stubProvider) NewGrant(accountID, clientID string) *protocol.Grant {
	return &protocol.Grant{AccountID: accountID, ClientID: clientID}
}

func (p *stubProvider) SaveGrant(_ context.Context, g *protocol.Grant) (string, error) {
	if g.ID == "" {
		g.ID = "grant-1"
	}
	p.grants[g.ID] = g
	return g.ID, nil
}

func (p *stubProvider) lastFinish(t *testing.T) finishCall {
	t.Helper()
	require.NotEmpty(t, p.finishes)
	return p.finishes[len(p.finishes)-1]
}

type stubUpstream struct {
	authURL     string
	authState   string
	authNonce   string
	exchangeErr error
	exchanged   []string
	idToken     string
	claims      map[string]any
	verifyErr   error
}

func (u *stubUpstream) AuthorizationURL(_ context.Context, state, nonce string) (string, error) {
	u.authState, u.authNonce = state, nonce
	if u.authURL == "" {
		u.authURL = "https://idp.example.com/auth?state=" + state
	}
	return u.authURL, nil
}

func (u *stubUpstream) Exchange(_ context.Context, code string) (*federation.TokenResponse, error) {
	u.exchanged = append(u.exchanged, code)
	if u.exchangeErr != nil {
		return nil, u.exchangeErr
	}
	if u.idToken == "" {
		u.idToken = "stub.id.token"
	}
	return &federation.TokenResponse{IDToken: u.idToken}, nil
}

func (u *stubUpstream) VerifyIDToken(_ context.Context, _ string) (map[string]any, error) {
	if u.verifyErr != nil {
		return nil, u.verifyErr
	}
	return u.claims, nil
}

func loginInteraction() *protocol.Interaction {
	return &protocol.Interaction{
		JTI:    "jti-1",
		UID:    "uid-1",
		Prompt: protocol.Prompt{Name: "login"},
		Params: protocol.Params{ClientID: "client-1", Scope: "openid profile", Nonce: "nonce-1"},
	}
}

func consentInteraction() *protocol.Interaction {
	return &protocol.Interaction{
		JTI: "jti-2",
		UID: "uid-2",
		Prompt: protocol.Prompt{
			Name: "consent",
			Details: protocol.PromptDetails{
				MissingOIDCScopes:     []string{"profile", "email"},
				MissingOIDCClaims:     []string{"name"},
				MissingResourceScopes: map[string][]string{"https://api.example.com": {"read", "write"}},
			},
		},
		Params:  protocol.Params{ClientID: "client-1", Nonce: "nonce-2"},
		Session: &protocol.Session{AccountID: "acct-1"},
	}
}

type testRig struct {
	provider *stubProvider
	upstream *stubUpstream
	router   chi.Router
}

func newRig(b Binding) *testRig {
	h := NewHandler(func(*http.Request) (Binding, error) { return b, nil }, logger.Nop())
	r := chi.NewRouter()
	r.Mount("/interaction", h.Routes())
	r.Get("/callback", h.Callback)
	return &testRig{router: r}
}

func setup(ds ...*protocol.Interaction) *testRig {
	p := newStubProvider(ds...)
	u := &stubUpstream{claims: map[string]any{"sub": "upstream-sub", "nonce": "nonce-1"}}
	rig := newRig(Binding{Provider: p, Upstream: u})
	rig.provider, rig.upstream = p, u
	return rig
}

func (rig *testRig) do(method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	rig.router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestKickoffLoginRedirectsUpstream(t *testing.T) {
	rig := setup(loginInteraction())

	w := rig.do(http.MethodGet, "/interaction/jti-1")

	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, rig.upstream.authURL, w.Header().Get("Location"))
	// state carries the interaction jti; nonce comes from the original
	// authorization request.
	require.Equal(t, "jti-1", rig.upstream.authState)
	require.Equal(t, "nonce-1", rig.upstream.authNonce)
}

func TestKickoffConsentRendersMissing(t *testing.T) {
	rig := setup(consentInteraction())

	w := rig.do(http.MethodGet, "/interaction/jti-2")

	require.Equal(t, http.StatusOK, w.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, "uid-2", view["uid"])
	require.Equal(t, "client-1", view["clientId"])
	require.ElementsMatch(t, []any{"profile", "email"}, view["missingOIDCScopes"])
}

func TestKickoffUnknownInteractionIs404(t *testing.T) {
	rig := setup(loginInteraction())
	w := rig.do(http.MethodGet, "/interaction/nope")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoginFinishStateMismatchAbortsBeforeExchange(t *testing.T) {
	rig := setup(loginInteraction())

	w := rig.do(http.MethodGet, "/interaction/jti-1/login?code=c1&state=forged")

	require.Equal(t, http.StatusFound, w.Code)
	require.Empty(t, rig.upstream.exchanged, "code must not be exchanged on a failed state check")
	fc := rig.provider.lastFinish(t)
	require.Equal(t, "invalid_state", fc.result.Error)
	require.Nil(t, fc.result.Login)
	require.False(t, fc.merge)
}

func TestLoginFinishUpstreamFailureAborts(t *testing.T) {
	rig := setup(loginInteraction())
	rig.upstream.exchangeErr = fault.Newf(fault.Upstream, "exchange code", "http 400: invalid_grant")

	w := rig.do(http.MethodGet, "/interaction/jti-1/login?code=c1&state=jti-1")

	require.Equal(t, http.StatusFound, w.Code)
	fc := rig.provider.lastFinish(t)
	require.Equal(t, "upstream_error", fc.result.Error)
	require.Nil(t, fc.result.Login)
}

func TestLoginFinishBadIDToken(t *testing.T) {
	rig := setup(loginInteraction())
	rig.upstream.verifyErr = fault.New(fault.Validation, "verify id token")

	rig.do(http.MethodGet, "/interaction/jti-1/login?code=c1&state=jti-1")

	fc := rig.provider.lastFinish(t)
	require.Equal(t, "invalid_id_token", fc.result.Error)
	require.Nil(t, fc.result.Login)
}

func TestLoginFinishNonceMismatch(t *testing.T) {
	rig := setup(loginInteraction())
	rig.upstream.claims["nonce"] = "other-nonce"

	rig.do(http.MethodGet, "/interaction/jti-1/login?code=c1&state=jti-1")

	fc := rig.provider.lastFinish(t)
	require.Equal(t, "invalid_nonce", fc.result.Error)
	require.Nil(t, fc.result.Login)
}

func TestLoginFinishSuccess(t *testing.T) {
	rig := setup(loginInteraction())

	w := rig.do(http.MethodGet, "/interaction/jti-1/login?code=c1&state=jti-1")

	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, rig.provider.redirectTo, w.Header().Get("Location"))
	require.Equal(t, []string{"c1"}, rig.upstream.exchanged)
	fc := rig.provider.lastFinish(t)
	require.Empty(t, fc.result.Error)
	require.NotNil(t, fc.result.Login)
	require.Equal(t, "upstream-sub", fc.result.Login.AccountID)
	require.Equal(t, "0", fc.result.Login.ACR)
	require.Equal(t, "upstream-sub", fc.result.IDToken["sub"])
	require.False(t, fc.merge)
}

func TestLoginFinishAppliesClaimMapping(t *testing.T) {
	p := newStubProvider(loginInteraction())
	u := &stubUpstream{claims: map[string]any{
		"sub":   "upstream-sub",
		"nonce": "nonce-1",
		"email": "dev@example.com",
	}}
	rig := newRig(Binding{
		Provider: p,
		Upstream: u,
		Mapper:   issuers.NewMapper(map[string]string{"sub": "email"}),
	})
	rig.provider, rig.upstream = p, u

	rig.do(http.MethodGet, "/interaction/jti-1/login?code=c1&state=jti-1")

	fc := p.lastFinish(t)
	require.NotNil(t, fc.result.Login)
	require.Equal(t, "dev@example.com", fc.result.Login.AccountID)
}

func TestCallbackDispatchesStateAsJTI(t *testing.T) {
	rig := setup(loginInteraction())

	w := rig.do(http.MethodGet, "/callback?code=c1&state=jti-1")

	require.Equal(t, http.StatusFound, w.Code)
	require.Contains(t, rig.provider.loadedWith, "jti-1")
	fc := rig.provider.lastFinish(t)
	require.NotNil(t, fc.result.Login)
}

func TestConfirmCreatesGrantAndMerges(t *testing.T) {
	rig := setup(consentInteraction())

	w := rig.do(http.MethodPost, "/interaction/uid-2/confirm")

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, rig.provider.redirectTo, resp["redirectTo"])

	g := rig.provider.grants["grant-1"]
	require.NotNil(t, g)
	require.Equal(t, "acct-1", g.AccountID)
	require.Equal(t, "client-1", g.ClientID)
	require.ElementsMatch(t, []string{"profile", "email"}, g.OIDCScopes)
	require.ElementsMatch(t, []string{"name"}, g.OIDCClaims)
	require.ElementsMatch(t, []string{"read", "write"}, g.ResourceScopes["https://api.example.com"])

	fc := rig.provider.lastFinish(t)
	require.True(t, fc.merge, "consent must merge with the earlier login result")
	require.NotNil(t, fc.result.Consent)
	require.Equal(t, "grant-1", fc.result.Consent.GrantID)
}

func TestConfirmAmendsExistingGrantWithoutGrantID(t *testing.T) {
	d := consentInteraction()
	d.Session.GrantID = "grant-old"
	rig := setup(d)
	rig.provider.grants["grant-old"] = &protocol.Grant{
		ID: "grant-old", AccountID: "acct-1", ClientID: "client-1",
		OIDCScopes: []string{"openid"},
	}

	w := rig.do(http.MethodPost, "/interaction/uid-2/confirm")

	require.Equal(t, http.StatusOK, w.Code)
	g := rig.provider.grants["grant-old"]
	require.ElementsMatch(t, []string{"openid", "profile", "email"}, g.OIDCScopes)
	fc := rig.provider.lastFinish(t)
	require.NotNil(t, fc.result.Consent)
	require.Empty(t, fc.result.Consent.GrantID)
}

func TestConfirmRequiresConsentPrompt(t *testing.T) {
	rig := setup(loginInteraction())
	w := rig.do(http.MethodPost, "/interaction/uid-1/confirm")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Empty(t, rig.provider.finishes)
}

func TestConfirmFiltersResourceScopesThroughPolicy(t *testing.T) {
	p := newStubProvider(consentInteraction())
	module := `package consent

default allow = false

allow {
	input.scope == "read"
}
`
	rig := newRig(Binding{
		Provider: p,
		Upstream: &stubUpstream{},
		Policy:   NewConsentPolicy(module, logger.Nop()),
	})
	rig.provider = p

	w := rig.do(http.MethodPost, "/interaction/uid-2/confirm")

	require.Equal(t, http.StatusOK, w.Code)
	g := p.grants["grant-1"]
	require.Equal(t, []string{"read"}, g.ResourceScopes["https://api.example.com"])
}

func TestAbortFinishesAccessDenied(t *testing.T) {
	rig := setup(consentInteraction())

	w := rig.do(http.MethodPost, "/interaction/uid-2/abort")

	require.Equal(t, http.StatusOK, w.Code)
	fc := rig.provider.lastFinish(t)
	require.Equal(t, "access_denied", fc.result.Error)
	require.False(t, fc.merge)
}

func TestResolverFailureIsGeneric(t *testing.T) {
	h := NewHandler(func(*http.Request) (Binding, error) {
		return Binding{}, errors.New("tenant lookup blew up")
	}, logger.Nop())
	r := chi.NewRouter()
	r.Mount("/interaction", h.Routes())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/interaction/jti-1", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "blew up")
}
