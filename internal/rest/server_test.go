// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/attestation"
	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
	"github.com/jeremyhahn/go-linkproof/pkg/nonce"
	"github.com/jeremyhahn/go-linkproof/pkg/proof"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
	"github.com/jeremyhahn/go-linkproof/pkg/session"
)

const operatorToken = "test-operator-token"

type testGateway struct {
	router   http.Handler
	registry *registry.MemoryRegistry
	receipts *ledger.MemoryLedger
	minter   *attestation.Minter
}

func newTestGateway(t *testing.T, humans proof.HumanVerifier) *testGateway {
	t.Helper()

	log := logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelError})

	sessions, err := session.NewManager(&session.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	minter, err := attestation.NewMinter(nil)
	require.NoError(t, err)

	reg := registry.NewMemoryRegistry()
	receipts := ledger.NewMemoryLedger()

	coordinator := nonce.NewCoordinator(&nonce.Config{
		Store:    nonce.NewMemoryStore(),
		Sessions: sessions,
		Humans:   humans,
		Minter:   minter,
		Ledger:   receipts,
		Logger:   log,
	})

	server, err := NewServer(&Config{
		Registry:      reg,
		Sessions:      sessions,
		Coordinator:   coordinator,
		Ledger:        receipts,
		OperatorToken: operatorToken,
		Logger:        log,
	})
	require.NoError(t, err)

	return &testGateway{
		router:   server.Router(),
		registry: reg,
		receipts: receipts,
		minter:   minter,
	}
}

func (g *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

// createSite registers a site through the admin API and returns the
// created site and its plaintext access token.
func (g *testGateway) createSite(t *testing.T, req CreateSiteRequest) (*registry.Site, string) {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sites", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+operatorToken)
	w := g.do(r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CreateSiteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.Site, resp.AccessToken
}

func defaultSiteRequest() CreateSiteRequest {
	return CreateSiteRequest{
		Hostname:       "links.example.com",
		OriginBaseURL:  "https://httpbin.org",
		PathAllowlist:  []string{"/anything"},
		QueryAllowlist: []string{"token"},
	}
}

func formValue(t *testing.T, html, name string) string {
	t.Helper()
	re := regexp.MustCompile(`name="` + name + `" value="([^"]*)"`)
	m := re.FindStringSubmatch(html)
	require.Len(t, m, 2, "form field %s not found in interstitial", name)
	return m[1]
}

func actionURL(t *testing.T, html string) string {
	t.Helper()
	re := regexp.MustCompile(`action="(/redeem/[^"]+)"`)
	m := re.FindStringSubmatch(html)
	require.Len(t, m, 2, "redemption action not found in interstitial")
	return m[1]
}

// fetchInterstitial performs the protected-link GET and returns the
// recorder, so callers can read both the page and the session cookies.
func (g *testGateway) fetchInterstitial(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	w := g.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return w
}

// redeem submits the interstitial form with the cookies from the GET.
func (g *testGateway) redeem(t *testing.T, page *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()

	html := page.Body.String()
	form := url.Values{}
	form.Set("signature", formValue(t, html, "signature"))
	form.Set("proof_seed", formValue(t, html, "proof_seed"))
	form.Set("csrf_token", formValue(t, html, "csrf_token"))

	r := httptest.NewRequest(http.MethodPost,
		"http://links.example.com"+actionURL(t, html),
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range page.Result().Cookies() {
		r.AddCookie(c)
	}
	return g.do(r)
}

func TestRedemptionFlow(t *testing.T) {
	g := newTestGateway(t, nil)
	site, accessToken := g.createSite(t, defaultSiteRequest())

	// GET renders the interstitial without redeeming anything
	page := g.fetchInterstitial(t,
		"http://links.example.com/l/anything?token=hello123&utm_campaign=spray")
	html := page.Body.String()
	assert.Contains(t, html, "links.example.com")
	assert.Equal(t, "no-store", page.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", page.Header().Get("Referrer-Policy"))
	assert.NotContains(t, html, "httpbin.org", "destination must not appear in the interstitial")

	// The session and CSRF cookies are set on the first GET
	cookies := page.Result().Cookies()
	names := make(map[string]bool)
	for _, c := range cookies {
		names[c.Name] = true
		assert.True(t, c.HttpOnly, "cookie %s must be HttpOnly", c.Name)
	}
	require.True(t, names[session.CookieName])
	require.True(t, names[session.CSRFCookieName])

	// POST redeems: 303 to the filtered destination with an attestation
	w := g.redeem(t, page)
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	assert.Equal(t, "https://httpbin.org/anything?token=hello123", w.Header().Get("Location"))

	credential := w.Header().Get(AttestationHeader)
	require.NotEmpty(t, credential)

	verifier := attestation.NewVerifier(g.minter)
	claims, err := verifier.Verify(credential)
	require.NoError(t, err)
	assert.Equal(t, site.ID, claims.SiteID)
	assert.Equal(t, "https://httpbin.org/anything?token=hello123", claims.Destination)
	require.NotEmpty(t, claims.ID, "credential must carry the ledger event id")

	// The attestation jti matches the redeemed ledger event
	r := httptest.NewRequest(http.MethodGet, "/api/v1/receipts", nil)
	r.Header.Set("Authorization", "Bearer "+accessToken)
	w = g.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	var receipts ListReceiptsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipts))
	require.Equal(t, 2, receipts.Count)
	assert.Equal(t, ledger.ActionRedeemed, receipts.Events[0].Action)
	assert.Equal(t, claims.ID, receipts.Events[0].ID)
	assert.Equal(t, ledger.ActionIssued, receipts.Events[1].Action)
}

func TestRedemptionFlow_Replay(t *testing.T) {
	g := newTestGateway(t, nil)
	g.createSite(t, defaultSiteRequest())

	page := g.fetchInterstitial(t, "http://links.example.com/l/anything")
	w := g.redeem(t, page)
	require.Equal(t, http.StatusSeeOther, w.Code)

	w = g.redeem(t, page)
	require.Equal(t, http.StatusGone, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, string(nonce.ReasonReplay), errResp.Reason)
	assert.Empty(t, w.Header().Get("Location"), "a denial must not disclose the destination")
}

func TestLinkHandler_RepeatedFetchesNeverRedeem(t *testing.T) {
	g := newTestGateway(t, nil)
	_, accessToken := g.createSite(t, defaultSiteRequest())

	// Scanner behavior: fetch the link many times, never submit
	for i := 0; i < 5; i++ {
		g.fetchInterstitial(t, "http://links.example.com/l/anything")
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/receipts?action=redeemed", nil)
	r.Header.Set("Authorization", "Bearer "+accessToken)
	w := g.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	var receipts ListReceiptsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipts))
	assert.Zero(t, receipts.Count, "fetching a link must never produce a redeemed event")
}

func TestLinkHandler_UnknownHostname(t *testing.T) {
	g := newTestGateway(t, nil)

	r := httptest.NewRequest(http.MethodGet, "http://unregistered.example.com/l/anything", nil)
	w := g.do(r)
	require.Equal(t, http.StatusNotFound, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, registry.ErrSiteNotFound.Error(), errResp.Error)
}

func TestLinkHandler_PathNotAllowed(t *testing.T) {
	g := newTestGateway(t, nil)
	g.createSite(t, defaultSiteRequest())

	r := httptest.NewRequest(http.MethodGet, "http://links.example.com/l/admin/panel", nil)
	w := g.do(r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLinkHandler_TurnstileWidget(t *testing.T) {
	g := newTestGateway(t, proof.StaticVerifier(true))
	req := defaultSiteRequest()
	req.RequireHumanProof = true
	g.createSite(t, req)

	page := g.fetchInterstitial(t, "http://links.example.com/l/anything")
	// No site key configured: the widget div is omitted but redemption
	// still runs the verifier
	assert.NotContains(t, page.Body.String(), "cf-turnstile\"")

	w := g.redeem(t, page)
	assert.Equal(t, http.StatusSeeOther, w.Code)
}

func TestRedeemHandler_MethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/redeem/some-nonce", nil)
	w := g.do(r)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
}

func TestRedeemHandler_UnknownNonce(t *testing.T) {
	g := newTestGateway(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/redeem/no-such-nonce", strings.NewReader(""))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := g.do(r)
	require.Equal(t, http.StatusNotFound, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, string(nonce.ReasonUnknownNonce), errResp.Reason)
}

func TestRedeemHandler_MissingContinuity(t *testing.T) {
	g := newTestGateway(t, nil)
	g.createSite(t, defaultSiteRequest())

	page := g.fetchInterstitial(t, "http://links.example.com/l/anything")
	html := page.Body.String()

	// Submit the form values without the session cookies
	form := url.Values{}
	form.Set("signature", formValue(t, html, "signature"))
	form.Set("proof_seed", formValue(t, html, "proof_seed"))
	form.Set("csrf_token", formValue(t, html, "csrf_token"))

	r := httptest.NewRequest(http.MethodPost,
		"http://links.example.com"+actionURL(t, html),
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := g.do(r)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, string(nonce.ReasonMissingContinuity), errResp.Reason)
}

func TestRedeemHandler_TurnstileFailedIsForbidden(t *testing.T) {
	g := newTestGateway(t, proof.StaticVerifier(false))
	req := defaultSiteRequest()
	req.RequireHumanProof = true
	g.createSite(t, req)

	page := g.fetchInterstitial(t, "http://links.example.com/l/anything")
	w := g.redeem(t, page)
	require.Equal(t, http.StatusForbidden, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, string(nonce.ReasonTurnstileFailed), errResp.Reason)
}

func TestAdminAPI(t *testing.T) {
	g := newTestGateway(t, nil)
	site, _ := g.createSite(t, defaultSiteRequest())
	assert.NotEmpty(t, site.ID)
	assert.Equal(t, "links.example.com", site.Hostname)
	assert.Empty(t, site.AccessTokenHash, "token hash must never leave the server")

	t.Run("duplicate hostname conflicts", func(t *testing.T) {
		body, _ := json.Marshal(defaultSiteRequest())
		r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sites", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+operatorToken)
		w := g.do(r)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sites", nil)
		r.Header.Set("Authorization", "Bearer "+operatorToken)
		w := g.do(r)
		require.Equal(t, http.StatusOK, w.Code)

		var resp ListSitesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("get by hostname", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sites/LINKS.EXAMPLE.COM", nil)
		r.Header.Set("Authorization", "Bearer "+operatorToken)
		w := g.do(r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("wrong operator token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sites", nil)
		r.Header.Set("Authorization", "Bearer wrong-token")
		w := g.do(r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing operator token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sites", nil)
		w := g.do(r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestTokenRotation(t *testing.T) {
	g := newTestGateway(t, nil)
	site, oldToken := g.createSite(t, defaultSiteRequest())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sites/"+site.ID+"/rotate", nil)
	r.Header.Set("Authorization", "Bearer "+operatorToken)
	w := g.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp RotateTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEqual(t, oldToken, resp.AccessToken)

	// The prior token is dead immediately
	r = httptest.NewRequest(http.MethodGet, "/api/v1/receipts", nil)
	r.Header.Set("Authorization", "Bearer "+oldToken)
	assert.Equal(t, http.StatusUnauthorized, g.do(r).Code)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/receipts", nil)
	r.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	assert.Equal(t, http.StatusOK, g.do(r).Code)
}

func TestReceiptsAPI(t *testing.T) {
	g := newTestGateway(t, nil)
	_, accessToken := g.createSite(t, defaultSiteRequest())

	page := g.fetchInterstitial(t, "http://links.example.com/l/anything")
	require.Equal(t, http.StatusSeeOther, g.redeem(t, page).Code)
	// A replay adds a denied event
	g.redeem(t, page)

	authorized := func(target string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		r.Header.Set("Authorization", "Bearer "+accessToken)
		return g.do(r)
	}

	t.Run("list", func(t *testing.T) {
		w := authorized("/api/v1/receipts")
		require.Equal(t, http.StatusOK, w.Code)

		var resp ListReceiptsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 3, resp.Count)
		assert.Equal(t, ledger.ActionDenied, resp.Events[0].Action)
	})

	t.Run("filter by action", func(t *testing.T) {
		w := authorized("/api/v1/receipts?action=denied")
		require.Equal(t, http.StatusOK, w.Code)

		var resp ListReceiptsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, string(nonce.ReasonReplay), resp.Events[0].Reason)
	})

	t.Run("limit", func(t *testing.T) {
		w := authorized("/api/v1/receipts?limit=1")
		require.Equal(t, http.StatusOK, w.Code)

		var resp ListReceiptsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("bad since", func(t *testing.T) {
		w := authorized("/api/v1/receipts?since=yesterday")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("summary", func(t *testing.T) {
		w := authorized("/api/v1/receipts/summary")
		require.Equal(t, http.StatusOK, w.Code)

		var resp SummaryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Summary)
		assert.Equal(t, int64(1), resp.Summary.ByAction[ledger.ActionRedeemed])
		assert.Equal(t, int64(1), resp.Summary.ByAction[ledger.ActionDenied])
	})

	t.Run("export", func(t *testing.T) {
		w := authorized("/api/v1/receipts/export")
		require.Equal(t, http.StatusOK, w.Code)

		var resp ListReceiptsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Count)
	})

	t.Run("no token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/receipts", nil)
		assert.Equal(t, http.StatusUnauthorized, g.do(r).Code)
	})

	t.Run("malformed token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/receipts", nil)
		r.Header.Set("Authorization", "Bearer not-a-sat")
		assert.Equal(t, http.StatusUnauthorized, g.do(r).Code)
	})
}

func TestReceiptsAPI_TenantIsolation(t *testing.T) {
	g := newTestGateway(t, nil)
	g.createSite(t, defaultSiteRequest())

	other := defaultSiteRequest()
	other.Hostname = "links.other.com"
	_, otherToken := g.createSite(t, other)

	page := g.fetchInterstitial(t, "http://links.example.com/l/anything")
	require.Equal(t, http.StatusSeeOther, g.redeem(t, page).Code)

	// The other tenant's token sees none of the first tenant's events
	r := httptest.NewRequest(http.MethodGet, "/api/v1/receipts", nil)
	r.Header.Set("Authorization", "Bearer "+otherToken)
	w := g.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListReceiptsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}

func TestHealthEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := g.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)

	_, err = NewServer(&Config{})
	assert.Error(t, err)
}
