// Package federation drives the browser-facing leg against an upstream
// OIDC identity provider: discovery, the authorization redirect, the code
// exchange and ID-token verification. Every call here crosses a trust and
// network boundary, so all requests run on a bounded-timeout client.
package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"didhub/internal/issuers"
	"didhub/pkg/fault"
)

// Discovery is the subset of the upstream discovery document this core
// needs. Missing endpoints make the document unusable.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// TokenResponse is the upstream token endpoint's success payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// Client talks to one issuer's configured federated provider.
type Client struct {
	iss   issuers.Issuer
	http  *http.Client
	rdb   *redis.Client // optional shared discovery cache
	ttl   time.Duration
	clock func() time.Time

	mu     sync.RWMutex
	disc   *Discovery
	discAt time.Time
	jwks   jwk.Set
	jwksAt time.Time
}

// New builds a federation client. httpClient nil gets a 10s-timeout
// client with an otel-instrumented transport; rdb nil disables the shared
// discovery cache (in-process caching still applies).
func New(iss issuers.Issuer, httpClient *http.Client, rdb *redis.Client, ttl time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{iss: iss, http: httpClient, rdb: rdb, ttl: ttl, clock: time.Now}
}

func (c *Client) discoveryURL() string {
	return strings.TrimRight(c.iss.FederatedProviderURL, "/") + "/.well-known/openid-configuration"
}

func (c *Client) discovery(ctx context.Context) (*Discovery, error) {
	c.mu.RLock()
	if c.disc != nil && c.clock().Sub(c.discAt) < c.ttl {
		d := c.disc
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	cacheKey := "didhub:discovery:" + c.iss.FederatedProviderURL
	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, cacheKey).Bytes(); err == nil {
			var d Discovery
			if json.Unmarshal(raw, &d) == nil && d.TokenEndpoint != "" {
				c.remember(&d)
				return &d, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discoveryURL(), nil)
	if err != nil {
		return nil, fault.Wrap(fault.Upstream, "fetch discovery", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Upstream, "fetch discovery", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fault.Newf(fault.Upstream, "fetch discovery", "http %d", resp.StatusCode)
	}
	var d Discovery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fault.Wrap(fault.Upstream, "fetch discovery", err)
	}
	if d.AuthorizationEndpoint == "" || d.TokenEndpoint == "" || d.JWKSURI == "" {
		return nil, fault.New(fault.Upstream, "malformed discovery document")
	}

	if c.rdb != nil {
		if raw, err := json.Marshal(d); err == nil {
			_ = c.rdb.Set(ctx, cacheKey, raw, c.ttl).Err()
		}
	}
	c.remember(&d)
	return &d, nil
}

func (c *Client) remember(d *Discovery) {
	c.mu.Lock()
	c.disc = d
	c.discAt = c.clock()
	c.mu.Unlock()
}

// AuthorizationURL builds the redirect to the upstream authorization
// endpoint. state carries the local interaction's jti; that equality is
// the anti-CSRF binding the callback re-verifies. The callback URL and
// scope come from the issuer's registration, never the client request.
func (c *Client) AuthorizationURL(ctx context.Context, state, nonce string) (string, error) {
	if !strings.Contains(" "+c.iss.Scope+" ", " openid ") {
		return "", fault.New(fault.Precondition, "federated scope must include openid")
	}
	d, err := c.discovery(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(d.AuthorizationEndpoint)
	if err != nil {
		return "", fault.Wrap(fault.Upstream, "malformed discovery document", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.iss.FederatedClientID)
	q.Set("redirect_uri", c.iss.CallbackURL)
	q.Set("scope", c.iss.Scope)
	q.Set("state", state)
	q.Set("nonce", nonce)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange trades the authorization code for tokens at the upstream token
// endpoint using the issuer's federated credentials.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	d, err := c.discovery(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.iss.FederatedClientID)
	form.Set("client_secret", c.iss.FederatedClientSecret)
	form.Set("redirect_uri", c.iss.CallbackURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.Wrap(fault.Upstream, "exchange code", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Upstream, "exchange code", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var b struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&b)
		return nil, fault.Newf(fault.Upstream, "exchange code", "http %d: %s %s", resp.StatusCode, b.Error, b.ErrorDescription)
	}
	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fault.Wrap(fault.Upstream, "exchange code", err)
	}
	if tr.IDToken == "" {
		return nil, fault.New(fault.Upstream, "exchange code: no id_token")
	}
	return &tr, nil
}

func (c *Client) keySet(ctx context.Context, uri string) (jwk.Set, error) {
	c.mu.RLock()
	if c.jwks != nil && c.clock().Sub(c.jwksAt) < c.ttl {
		set := c.jwks
		c.mu.RUnlock()
		return set, nil
	}
	c.mu.RUnlock()

	set, err := jwk.Fetch(ctx, uri, jwk.WithHTTPClient(c.http))
	if err != nil {
		return nil, fault.Wrap(fault.Upstream, "fetch jwks", err)
	}
	c.mu.Lock()
	c.jwks = set
	c.jwksAt = c.clock()
	c.mu.Unlock()
	return set, nil
}

// VerifyIDToken checks the token's signature against the upstream JWKS
// and asserts issuer == the configured federated provider URL and
// audience == the federated client id. The nonce binding is the caller's
// check: its failure is a protocol outcome, not an upstream one.
func (c *Client) VerifyIDToken(ctx context.Context, rawToken string) (map[string]any, error) {
	d, err := c.discovery(ctx)
	if err != nil {
		return nil, err
	}
	set, err := c.keySet(ctx, d.JWKSURI)
	if err != nil {
		return nil, err
	}
	tok, err := jwt.Parse([]byte(rawToken),
		jwt.WithKeySet(set),
		jwt.WithIssuer(strings.TrimRight(c.iss.FederatedProviderURL, "/")),
		jwt.WithAudience(c.iss.FederatedClientID),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "verify id token", err)
	}
	claims, err := tok.AsMap(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "verify id token", err)
	}
	return claims, nil
}
