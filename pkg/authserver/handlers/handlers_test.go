package handlers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/diracgrid/diracx-auth/pkg/authserver/crypto"
	"github.com/diracgrid/diracx-auth/pkg/authserver/flow"
	"github.com/diracgrid/diracx-auth/pkg/authserver/token"
	"github.com/diracgrid/diracx-auth/pkg/authserver/upstream"
	"github.com/diracgrid/diracx-auth/pkg/config"
)

const clientRedirectURI = "https://client.example/callback"

// fakeIdP is a minimal OIDC provider backing the flow tests.
type fakeIdP struct {
	issuer   string
	clientID string
	key      *rsa.PrivateKey
	subject  string
	orgName  string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{
		clientID: "dirac-as",
		key:      key,
		subject:  "CN=chaen",
		orgName:  "lhcb",
	}
	srv := httptest.NewServer(idp)
	t.Cleanup(srv.Close)
	idp.issuer = srv.URL
	return idp
}

func (f *fakeIdP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                f.issuer,
			"authorization_endpoint":                f.issuer + "/authorize",
			"token_endpoint":                        f.issuer + "/token",
			"jwks_uri":                              f.issuer + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	case "/keys":
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{Key: f.key.Public(), Algorithm: "RS256", Use: "sig"}},
		})
	case "/token":
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: f.key}, nil)
		if err != nil {
			panic(err)
		}
		claims := struct {
			jwt.Claims
			PreferredUsername string `json:"preferred_username"`
			OrganisationName  string `json:"organisation_name"`
		}{
			Claims: jwt.Claims{
				Issuer:   f.issuer,
				Subject:  f.subject,
				Audience: jwt.Audience{f.clientID},
				Expiry:   jwt.NewNumericDate(time.Now().Add(time.Hour)),
				IssuedAt: jwt.NewNumericDate(time.Now()),
			},
			PreferredUsername: "chaen",
			OrganisationName:  f.orgName,
		}
		idToken, err := jwt.Signed(signer).Claims(claims).Serialize()
		if err != nil {
			panic(err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-access-token",
			"token_type":   "Bearer",
			"id_token":     idToken,
		})
	default:
		http.NotFound(w, r)
	}
}

// fixture is a fully wired handler over a memory store and a fake IdP.
type fixture struct {
	cfg    *config.Config
	issuer *token.Issuer
	router http.Handler
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	idp := newFakeIdP(t)

	cfg := &config.Config{
		Issuer:                    "http://lhcbdirac.cern.ch/",
		Audience:                  "dirac",
		AccessTokenLifetime:       time.Hour,
		DeviceFlowLifetime:        config.DefaultDeviceFlowLifetime,
		AuthorizationFlowLifetime: config.DefaultAuthorizationFlowLifetime,
		Clients: map[string]config.ClientConfig{
			"dirac-cli": {},
			"dirac-web": {AllowedRedirects: []string{clientRedirectURI}},
		},
		IdPs: map[string]config.IdPConfig{
			"lhcb": {Issuer: idp.issuer, ClientID: idp.clientID},
		},
		Registry: config.Registry{
			"lhcb": &config.VORegistry{
				DefaultGroup: "lhcb_user",
				Users:        map[string]string{"CN=chaen": "chaen"},
				Groups: map[string]*config.GroupConfig{
					"lhcb_user": {
						Users:      []string{"chaen"},
						Properties: []config.SecurityProperty{config.NormalUser},
					},
					"lhcb_prmgr": {
						Users:      []string{"someone_else"},
						Properties: []config.SecurityProperty{config.NormalUser, config.ProductionManagement},
					},
				},
			},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Checksum = "snapshot-checksum"
	cfg.ModifiedAt = time.Now().UTC().Add(-time.Minute)

	secrets, err := config.LoadSecrets(config.SigningConfig{})
	require.NoError(t, err)

	issuer, err := token.NewIssuer(cfg, secrets)
	require.NoError(t, err)

	codec, err := crypto.NewStateCodec(secrets.StateKey)
	require.NoError(t, err)

	store := flow.NewMemoryStore()
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	h := New(cfg, store, upstream.NewRegistry(cfg.IdPs), issuer, codec)
	return &fixture{cfg: cfg, issuer: issuer, router: h.Routes()}
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	return rec
}

func (f *fixture) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(req)
}

// startDeviceFlow runs the initiation POST and returns the parsed response.
func (f *fixture) startDeviceFlow(t *testing.T, scope string) deviceFlowResponse {
	t.Helper()

	rec := f.postForm("/auth/lhcb/device", url.Values{
		"client_id": {"dirac-cli"},
		"scope":     {scope},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp deviceFlowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// deviceBrowserLeg drives the user's browser through the device flow login:
// open the verification page, follow its login link to the IdP, then call
// back with the sealed state.
func (f *fixture) deviceBrowserLeg(t *testing.T, userCode string) *httptest.ResponseRecorder {
	t.Helper()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/lhcb/device?user_code="+userCode, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	match := hrefPattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, match, 2, "verification page must link to the identity provider")

	upstreamURL, err := url.Parse(html.UnescapeString(match[1]))
	require.NoError(t, err)
	state := upstreamURL.Query().Get("state")
	require.NotEmpty(t, state)

	cb := "/auth/lhcb/device/complete?code=upstream-code&state=" + url.QueryEscape(state)
	return f.do(httptest.NewRequest(http.MethodGet, cb, nil))
}

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// authorizeBrowserLeg drives the browser through the authorization-code
// login: follow the redirect to the IdP, then call back with the sealed
// state.
func (f *fixture) authorizeBrowserLeg(t *testing.T, query url.Values) *httptest.ResponseRecorder {
	t.Helper()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/lhcb/authorize?"+query.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	upstreamURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := upstreamURL.Query().Get("state")
	require.NotEmpty(t, state)

	cb := "/auth/lhcb/authorize/complete?code=upstream-code&state=" + url.QueryEscape(state)
	return f.do(httptest.NewRequest(http.MethodGet, cb, nil))
}

func (f *fixture) pollDeviceToken(deviceCode string) *httptest.ResponseRecorder {
	return f.postForm("/auth/lhcb/token", url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {deviceCode},
		"client_id":   {"dirac-cli"},
	})
}

func TestDeviceFlowEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp := f.startDeviceFlow(t, "group:lhcb_user")
	assert.Len(t, resp.UserCode, 8)
	assert.Contains(t, resp.VerificationURI, "/auth/lhcb/device")
	assert.Contains(t, resp.VerificationURIComplete, "user_code="+resp.UserCode)
	assert.Equal(t, int64(600), resp.ExpiresIn)

	// Polling before the browser leg yields the RFC 8628 pending error.
	rec := f.pollDeviceToken(resp.DeviceCode)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"authorization_pending"}`, rec.Body.String())

	// Browser leg: verification page -> IdP -> callback -> finished page.
	cb := f.deviceBrowserLeg(t, resp.UserCode)
	require.Equal(t, http.StatusFound, cb.Code, cb.Body.String())
	assert.Contains(t, cb.Header().Get("Location"), "/auth/lhcb/device/complete/finished")

	finished := f.do(httptest.NewRequest(http.MethodGet, "/auth/lhcb/device/complete/finished", nil))
	assert.Equal(t, http.StatusOK, finished.Code)
	assert.Contains(t, finished.Body.String(), "Please close the window")

	// The device poll now returns a DIRAC token.
	rec = f.pollDeviceToken(resp.DeviceCode)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Equal(t, int64(3600), tok.ExpiresIn)
	assert.Equal(t, "None", tok.State)

	claims, err := f.issuer.Verify(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "lhcb:chaen", claims.Subject)
	assert.Equal(t, "lhcb_user", claims.DiracGroup)
	assert.Equal(t, []config.SecurityProperty{config.NormalUser}, claims.DiracProperties)

	// The device code is single use.
	rec = f.pollDeviceToken(resp.DeviceCode)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestDeviceFlowExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.DeviceFlowLifetime = -time.Second
	})

	resp := f.startDeviceFlow(t, "")
	rec := f.pollDeviceToken(resp.DeviceCode)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"expired_token"}`, rec.Body.String())
}

func TestDeviceFlowRejectsUnknownClient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.postForm("/auth/lhcb/device", url.Values{
		"client_id": {"evil"},
		"scope":     {""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")
}

func TestDeviceFlowRejectsInvalidScope(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.postForm("/auth/lhcb/device", url.Values{
		"client_id": {"dirac-cli"},
		"scope":     {"group:does_not_exist"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_scope")
}

func TestDeviceFlowUnknownVO(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.postForm("/auth/atlas/device", url.Values{
		"client_id": {"dirac-cli"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceVerificationPageRejectsBadUserCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/lhcb/device", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/auth/lhcb/device?user_code=ZZZZZZZZ", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown or expired user code")
}

func TestDeviceCallbackRejectsTamperedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet,
		"/auth/lhcb/device/complete?code=x&state=forged", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid state parameter")
}

func authorizeQuery(challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"dirac-web"},
		"redirect_uri":          {clientRedirectURI},
		"scope":                 {"group:lhcb_user"},
		"state":                 {"client-state-xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	cb := f.authorizeBrowserLeg(t, authorizeQuery(challenge))
	require.Equal(t, http.StatusFound, cb.Code, cb.Body.String())

	clientURL, err := url.Parse(cb.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example", clientURL.Host)
	assert.Equal(t, "client-state-xyz", clientURL.Query().Get("state"))
	code := clientURL.Query().Get("code")
	require.NotEmpty(t, code)

	rec := f.postForm("/auth/lhcb/token", url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {"dirac-web"},
		"redirect_uri":  {clientRedirectURI},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	claims, err := f.issuer.Verify(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "lhcb:chaen", claims.Subject)

	// The authorization code is single use.
	rec = f.postForm("/auth/lhcb/token", url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {"dirac-web"},
		"redirect_uri":  {clientRedirectURI},
		"code_verifier": {verifier},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestAuthorizationCodeFlowRejectsWrongVerifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	cb := f.authorizeBrowserLeg(t, authorizeQuery(challenge))
	require.Equal(t, http.StatusFound, cb.Code)

	clientURL, err := url.Parse(cb.Header().Get("Location"))
	require.NoError(t, err)

	rec := f.postForm("/auth/lhcb/token", url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {clientURL.Query().Get("code")},
		"client_id":     {"dirac-web"},
		"redirect_uri":  {clientRedirectURI},
		"code_verifier": {oauth2.GenerateVerifier()},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "code_verifier")
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	q := authorizeQuery("some-challenge")
	q.Set("redirect_uri", "https://evil.example/steal")
	rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/lhcb/authorize?"+q.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "redirect_uri")
}

func TestAuthorizeRequiresS256(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	q := authorizeQuery("some-challenge")
	q.Set("code_challenge_method", "plain")
	rec := f.do(httptest.NewRequest(http.MethodGet, "/auth/lhcb/authorize?"+q.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "S256")
}

func TestTokenRejectsUnknownGrantType(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.postForm("/auth/lhcb/token", url.Values{
		"grant_type": {"client_credentials"},
	})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
}

func TestTokenRejectsUserNotInGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp := f.startDeviceFlow(t, "group:lhcb_prmgr")
	cb := f.deviceBrowserLeg(t, resp.UserCode)
	require.Equal(t, http.StatusFound, cb.Code)

	rec := f.pollDeviceToken(resp.DeviceCode)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
	assert.Contains(t, rec.Body.String(), "not a member")
}

func TestTokenRejectsWrongClient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp := f.startDeviceFlow(t, "")
	cb := f.deviceBrowserLeg(t, resp.UserCode)
	require.Equal(t, http.StatusFound, cb.Code)

	rec := f.postForm("/auth/lhcb/token", url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {resp.DeviceCode},
		"client_id":   {"dirac-web"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "another client")
}

// obtainToken runs a full device flow and returns a valid DIRAC token.
func (f *fixture) obtainToken(t *testing.T) string {
	t.Helper()

	resp := f.startDeviceFlow(t, "group:lhcb_user")
	cb := f.deviceBrowserLeg(t, resp.UserCode)
	require.Equal(t, http.StatusFound, cb.Code)

	rec := f.pollDeviceToken(resp.DeviceCode)
	require.Equal(t, http.StatusOK, rec.Code)

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	return tok.AccessToken
}

func TestConfigurationEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	accessToken := f.obtainToken(t)

	// No token: rejected before reaching the handler.
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/config/lhcb", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/config/lhcb", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `"snapshot-checksum"`, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))

	var doc voConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "lhcb", doc.VO)
	assert.Equal(t, "lhcb_user", doc.DefaultGroup)
	assert.Contains(t, doc.Groups, "lhcb_user")

	// Conditional requests are answered with 304.
	req = httptest.NewRequest(http.MethodGet, "/api/config/lhcb", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("If-None-Match", `"snapshot-checksum"`)
	rec = f.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/config/lhcb", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("If-Modified-Since", time.Now().UTC().Format(http.TimeFormat))
	rec = f.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	// Stale validators get a full response.
	req = httptest.NewRequest(http.MethodGet, "/api/config/lhcb", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("If-None-Match", `"old-checksum"`)
	rec = f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
