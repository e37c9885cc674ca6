package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/embedded"

	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
	"github.com/JeffreyLMelvin/mc-coal/internal/testutil"
	"github.com/JeffreyLMelvin/mc-coal/security"
)

// staticAuthenticator returns a fixed user key, or an error when empty.
type staticAuthenticator struct {
	userKey string
}

func (a staticAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a.userKey == "" {
		return "", fmt.Errorf("no session")
	}
	return a.userKey, nil
}

func newTestMux(t *testing.T, opts HandlerOptions) (*http.ServeMux, *Provider) {
	t.Helper()
	p := newTestProvider(t, nil)
	if opts.Authenticator == nil {
		opts.Authenticator = staticAuthenticator{userKey: "alice"}
	}
	handler := NewHandler(p, opts)
	mux := http.NewServeMux()
	handler.Routes(mux)
	return mux, p
}

func registerViaHTTP(t *testing.T, mux *http.ServeMux) *ClientView {
	t.Helper()
	body, _ := json.Marshal(&ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "Test App",
	})
	r := httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusCreated)
	var view ClientView
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&view))
	return &view
}

func TestHTTPRegistration(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})

	body, _ := json.Marshal(&ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	r := httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusCreated)
	testutil.AssertEqual(t, w.Header().Get("Content-Type"), "application/json")
	testutil.AssertEqual(t, w.Header().Get("Cache-Control"), "no-store")
	testutil.AssertEqual(t, w.Header().Get("Pragma"), "no-cache")

	var view ClientView
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&view))
	testutil.AssertNotEqual(t, view.ClientID, "")
	testutil.AssertNotEqual(t, view.ClientSecret, "")
	testutil.AssertNotEqual(t, view.RegistrationAccessToken, "")
	testutil.AssertStringContains(t, view.RegistrationClientURI, "/oauth/client/"+view.ClientID)
}

func TestHTTPRegistrationMalformedBody(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})

	r := httptest.NewRequest("POST", "/oauth/register", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
	var errResp ErrorResponse
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	testutil.AssertEqual(t, errResp.Error, ErrorCodeInvalidRequest)
}

func TestHTTPAuthorizationConsentPage(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})
	view := registerViaHTTP(t, mux)

	u := "/oauth/auth?client_id=" + view.ClientID +
		"&redirect_uri=" + url.QueryEscape(view.RedirectURIs[0]) +
		"&scope=data&state=xyz"
	r := httptest.NewRequest("GET", u, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertStringContains(t, w.Header().Get("Content-Type"), "text/html")
	page := w.Body.String()
	testutil.AssertStringContains(t, page, view.ClientID)
	testutil.AssertStringContains(t, page, `name="decision" value="allow"`)
	testutil.AssertStringContains(t, page, `name="state" value="xyz"`)
}

func TestHTTPAuthorizationUnauthenticated(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{Authenticator: staticAuthenticator{}})
	view := registerViaHTTP(t, mux)

	u := "/oauth/auth?client_id=" + view.ClientID +
		"&redirect_uri=" + url.QueryEscape(view.RedirectURIs[0]) + "&scope=data"
	r := httptest.NewRequest("GET", u, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
	testutil.AssertEqual(t, w.Body.Len(), 0)
}

func TestHTTPAuthorizationUnknownClient(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})

	r := httptest.NewRequest("GET", "/oauth/auth?client_id=nosuch&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
	var errResp ErrorResponse
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	testutil.AssertEqual(t, errResp.Error, ErrorCodeInvalidClient)
}

// consentDecision posts the consent form and returns the redirect location.
func consentDecision(t *testing.T, mux *http.ServeMux, view *ClientView, decision string) *url.URL {
	t.Helper()
	form := url.Values{
		"client_id":    {view.ClientID},
		"redirect_uri": {view.RedirectURIs[0]},
		"scope":        {"data"},
		"state":        {"xyz"},
		"decision":     {decision},
	}
	r := httptest.NewRequest("POST", "/oauth/auth", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusFound)
	location, err := url.Parse(w.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	return location
}

func TestHTTPAuthorizationDecisionAllow(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})
	view := registerViaHTTP(t, mux)

	location := consentDecision(t, mux, view, "allow")
	testutil.AssertNotEqual(t, location.Query().Get("code"), "")
	testutil.AssertEqual(t, location.Query().Get("state"), "xyz")
	testutil.AssertEqual(t, location.Host, "app.example.com")
}

func TestHTTPAuthorizationDecisionDeny(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})
	view := registerViaHTTP(t, mux)

	location := consentDecision(t, mux, view, "deny")
	testutil.AssertEqual(t, location.Query().Get("code"), "")
	testutil.AssertEqual(t, location.Query().Get("error"), ErrorCodeAccessDenied)
	testutil.AssertEqual(t, location.Query().Get("state"), "xyz")
}

func postTokenForm(t *testing.T, mux *http.ServeMux, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("POST", "/oauth/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestHTTPTokenExchange(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})
	view := registerViaHTTP(t, mux)
	location := consentDecision(t, mux, view, "allow")
	code := location.Query().Get("code")

	w := postTokenForm(t, mux, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {view.ClientID},
		"client_secret": {view.ClientSecret},
	})

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, w.Header().Get("Cache-Control"), "no-store")

	var resp TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&resp))
	testutil.AssertNotEqual(t, resp.AccessToken, "")
	testutil.AssertNotEqual(t, resp.RefreshToken, "")
	testutil.AssertEqual(t, resp.TokenType, "Bearer")

	// Replay fails with invalid_grant, and the failure is not cacheable.
	w = postTokenForm(t, mux, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {view.ClientID},
		"client_secret": {view.ClientSecret},
	})
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
	testutil.AssertEqual(t, w.Header().Get("Cache-Control"), "no-store")
	var errResp ErrorResponse
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	testutil.AssertEqual(t, errResp.Error, ErrorCodeInvalidGrant)
}

func TestHTTPTokenRefresh(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})
	view := registerViaHTTP(t, mux)
	location := consentDecision(t, mux, view, "allow")

	w := postTokenForm(t, mux, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {location.Query().Get("code")},
		"client_id":     {view.ClientID},
		"client_secret": {view.ClientSecret},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var first TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&first))

	w = postTokenForm(t, mux, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
		"client_id":     {view.ClientID},
		"client_secret": {view.ClientSecret},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var second TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&second))
	testutil.AssertNotEqual(t, second.AccessToken, first.AccessToken)
}

func TestHTTPTokenBadClientCredentials(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})
	view := registerViaHTTP(t, mux)

	w := postTokenForm(t, mux, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {"whatever"},
		"client_id":     {view.ClientID},
		"client_secret": {"wrong"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
	var errResp ErrorResponse
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	testutil.AssertEqual(t, errResp.Error, ErrorCodeInvalidClient)
}

func TestHTTPClientManagement(t *testing.T) {
	mux, _ := newTestMux(t, HandlerOptions{})
	view := registerViaHTTP(t, mux)

	// GET with valid registration token.
	r := httptest.NewRequest("GET", "/oauth/client/"+view.ClientID, nil)
	r.Header.Set("Authorization", "Bearer "+view.RegistrationAccessToken)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var got ClientView
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&got))
	testutil.AssertEqual(t, got.ClientSecret, view.ClientSecret)

	// GET with a bad token: invalid_token with a bearer challenge.
	r = httptest.NewRequest("GET", "/oauth/client/"+view.ClientID, nil)
	r.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
	testutil.AssertStringContains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")

	// GET for an unknown client: bare 401, empty body.
	r = httptest.NewRequest("GET", "/oauth/client/nosuch", nil)
	r.Header.Set("Authorization", "Bearer "+view.RegistrationAccessToken)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
	testutil.AssertEqual(t, w.Body.Len(), 0)

	// PUT replaces redirect URIs.
	body, _ := json.Marshal(&ClientUpdateRequest{
		ClientID:     view.ClientID,
		RedirectURIs: []string{"https://app.example.com/v2"},
	})
	r = httptest.NewRequest("PUT", "/oauth/client/"+view.ClientID, bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+view.RegistrationAccessToken)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var updated ClientView
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&updated))
	testutil.AssertEqual(t, updated.RedirectURIs[0], "https://app.example.com/v2")

	// DELETE answers 204 with no body.
	r = httptest.NewRequest("DELETE", "/oauth/client/"+view.ClientID, nil)
	r.Header.Set("Authorization", "Bearer "+view.RegistrationAccessToken)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusNoContent)
	testutil.AssertEqual(t, w.Body.Len(), 0)
}

func TestHTTPRateLimit(t *testing.T) {
	limiter := security.NewRateLimiter(1, 1, 0, nil)
	defer limiter.Stop()
	mux, _ := newTestMux(t, HandlerOptions{RateLimiter: limiter})

	body, _ := json.Marshal(&ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})

	r := httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	r.RemoteAddr = "198.51.100.7:4000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusCreated)

	r = httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	r.RemoteAddr = "198.51.100.7:4001"
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusTooManyRequests)
	testutil.AssertEqual(t, w.Header().Get("Retry-After"), "60")

	// Another address is unaffected.
	r = httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	r.RemoteAddr = "203.0.113.9:4000"
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusCreated)
}

func TestRequireScope(t *testing.T) {
	p := newTestProvider(t, nil)
	handler := NewHandler(p, HandlerOptions{Authenticator: staticAuthenticator{userKey: "alice"}})
	view := registerTestClient(t, p)
	code := grantCode(t, p, view, "alice", "data")

	pair, err := p.Token(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     view.ClientID,
		ClientSecret: view.ClientSecret,
	})
	testutil.AssertNoError(t, err)

	protected := handler.RequireScope("data", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := AuthorizationFromContext(r.Context())
		testutil.AssertTrue(t, ok, "authorization should be in the request context")
		testutil.AssertEqual(t, auth.UserKey, "alice")
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/api/data", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	r = httptest.NewRequest("GET", "/api/data", nil)
	r.Header.Set("Authorization", "Bearer nosuch")
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
	testutil.AssertStringContains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")

	r = httptest.NewRequest("GET", "/api/data", nil)
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
}

// capturingHistogram records histogram values for assertions.
type capturingHistogram struct {
	embedded.Float64Histogram
	values []float64
}

func (h *capturingHistogram) Record(_ context.Context, v float64, _ ...metric.RecordOption) {
	h.values = append(h.values, v)
}

func TestHTTPRequestDurationUnit(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{})
	testutil.AssertNoError(t, err)
	hist := &capturingHistogram{}
	inst.Metrics().HTTPRequestDuration = hist

	p := newTestProvider(t, nil)
	h := NewHandler(p, HandlerOptions{Instrumentation: inst})

	// oauth.http.request.duration is declared in milliseconds; a request
	// that took a quarter second must record on that scale, not seconds.
	start := time.Now().Add(-250 * time.Millisecond)
	h.recordHTTPMetrics(context.Background(), "token", http.MethodPost, http.StatusOK, start)

	if len(hist.values) != 1 {
		t.Fatalf("expected one recorded duration, got %d", len(hist.values))
	}
	if v := hist.values[0]; v < 250 || v > 10_000 {
		t.Fatalf("duration recorded as %v, want roughly 250 milliseconds", v)
	}
}
