package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
	"github.com/JeffreyLMelvin/mc-coal/security"
)

// Authenticator resolves the end user behind an inbound authorization
// request. Implementations typically check a session cookie; the returned
// user key is an opaque reference bound to issued codes and tokens.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HandlerOptions configures optional collaborators of the HTTP handler.
type HandlerOptions struct {
	// Authenticator identifies the end user on the authorization endpoint.
	// Required when the authorization endpoint is served.
	Authenticator Authenticator

	// RateLimiter throttles the registration and token endpoints by client
	// IP. Nil disables rate limiting.
	RateLimiter *security.RateLimiter

	// Instrumentation enables HTTP metrics and tracing. Nil disables both.
	Instrumentation *instrumentation.Instrumentation

	Logger *slog.Logger
}

// Handler is a thin HTTP adapter for the authorization Provider.
// It parses requests, delegates to the provider, and writes protocol
// responses; all grant semantics live in the provider.
type Handler struct {
	provider *Provider
	resource *ResourceAuthorizer
	auth     Authenticator
	limiter  *security.RateLimiter
	instr    *instrumentation.Instrumentation
	logger   *slog.Logger
	tracer   trace.Tracer

	trustProxy        bool
	trustedProxyCount int
}

// NewHandler creates an HTTP handler over the provider.
func NewHandler(provider *Provider, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = provider.logger
	}

	h := &Handler{
		provider:          provider,
		resource:          NewResourceAuthorizer(provider),
		auth:              opts.Authenticator,
		limiter:           opts.RateLimiter,
		instr:             opts.Instrumentation,
		logger:            logger,
		trustProxy:        provider.config.RateLimit.TrustProxy,
		trustedProxyCount: provider.config.RateLimit.TrustedProxyCount,
	}

	if opts.Instrumentation != nil {
		h.tracer = opts.Instrumentation.Tracer("http")
	}

	return h
}

// Routes registers the protocol endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("GET /oauth/auth", security.RequestIDMiddleware(http.HandlerFunc(h.ServeAuthorization)))
	mux.Handle("POST /oauth/auth", security.RequestIDMiddleware(http.HandlerFunc(h.ServeAuthorizationDecision)))
	mux.Handle("POST /oauth/token", security.RequestIDMiddleware(http.HandlerFunc(h.ServeToken)))
	mux.Handle("POST /oauth/register", security.RequestIDMiddleware(http.HandlerFunc(h.ServeRegistration)))
	mux.Handle("GET /oauth/client/{client_id}", security.RequestIDMiddleware(http.HandlerFunc(h.ServeClientGet)))
	mux.Handle("PUT /oauth/client/{client_id}", security.RequestIDMiddleware(http.HandlerFunc(h.ServeClientUpdate)))
	mux.Handle("DELETE /oauth/client/{client_id}", security.RequestIDMiddleware(http.HandlerFunc(h.ServeClientDelete)))
}

// consentTemplate is the default consent prompt shown on the authorization
// endpoint. The form posts the original request parameters back together
// with the user's decision.
const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Authorize Application</title>
</head>
<body>
    <h1>Authorize Application</h1>
    <p>The application <strong>{{.ClientID}}</strong> is requesting access
    with scope <strong>{{.Scope}}</strong>.</p>
    <form method="post" action="{{.Action}}">
        <input type="hidden" name="client_id" value="{{.ClientID}}">
        <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
        <input type="hidden" name="scope" value="{{.Scope}}">
        <input type="hidden" name="state" value="{{.State}}">
        <button type="submit" name="decision" value="allow">Allow</button>
        <button type="submit" name="decision" value="deny">Deny</button>
    </form>
</body>
</html>`

var consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

type consentData struct {
	Action      string
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
}

// ServeAuthorization handles GET on the authorization endpoint: it validates
// the request, authenticates the user, and renders the consent prompt.
// Client and redirect URI failures are answered directly, never redirected.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorization")
	if span != nil {
		defer span.End()
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")
	state := q.Get("state")

	instrumentation.SetSpanAttributes(span, attribute.String("oauth.client_id", clientID))

	if err := h.provider.AuthorizeRequest(ctx, clientID, redirectURI, scope); err != nil {
		instrumentation.RecordError(span, err)
		h.writeProtocolError(w, r, "authorization", http.MethodGet, start, err)
		return
	}

	if _, err := h.authenticate(r); err != nil {
		h.logger.Warn("Authorization request without authenticated user", "client_id", clientID)
		instrumentation.SetSpanError(span, "unauthenticated")
		h.writeProtocolError(w, r, "authorization", http.MethodGet, start, ErrUnauthorized())
		return
	}

	var buf bytes.Buffer
	err := consentTmpl.Execute(&buf, consentData{
		Action:      r.URL.Path,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
		State:       state,
	})
	if err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
		h.writeProtocolError(w, r, "authorization", http.MethodGet, start, ErrServerError("internal error"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)

	h.recordHTTPMetrics(ctx, "authorization", http.MethodGet, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
}

// ServeAuthorizationDecision handles POST of the consent decision. On grant
// the user is redirected back to the client with a fresh authorization code;
// on denial with error=access_denied.
func (h *Handler) ServeAuthorizationDecision(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorization_decision")
	if span != nil {
		defer span.End()
	}

	if err := r.ParseForm(); err != nil {
		h.writeProtocolError(w, r, "authorization", http.MethodPost, start,
			ErrInvalidRequest("malformed form body"))
		return
	}

	userKey, err := h.authenticate(r)
	if err != nil {
		instrumentation.SetSpanError(span, "unauthenticated")
		h.writeProtocolError(w, r, "authorization", http.MethodPost, start, ErrUnauthorized())
		return
	}

	clientID := r.PostFormValue("client_id")
	granted := r.PostFormValue("decision") == "allow"

	instrumentation.SetSpanAttributes(span,
		attribute.String("oauth.client_id", clientID),
		attribute.Bool("oauth.granted", granted))

	location, err := h.provider.FinishAuthorization(ctx, userKey, clientID,
		r.PostFormValue("redirect_uri"), r.PostFormValue("scope"), r.PostFormValue("state"), granted)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeProtocolError(w, r, "authorization", http.MethodPost, start, err)
		return
	}

	if granted {
		h.addCounter(ctx, h.metrics().CodeIssued, attribute.String("client_id", clientID))
	}
	h.recordHTTPMetrics(ctx, "authorization", http.MethodPost, http.StatusFound, start)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, location, http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.token")
	if span != nil {
		defer span.End()
	}

	if h.rateLimited(w, r, "token") {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusTooManyRequests, start)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeProtocolError(w, r, "token", http.MethodPost, start,
			ErrInvalidRequest("malformed form body"))
		return
	}

	req := &TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		Scope:        r.PostFormValue("scope"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String("oauth.client_id", req.ClientID),
		attribute.String("oauth.grant_type", req.GrantType))

	resp, err := h.provider.Token(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeProtocolError(w, r, "token", http.MethodPost, start, err)
		return
	}

	switch req.GrantType {
	case GrantTypeRefreshToken:
		h.addCounter(ctx, h.metrics().TokenRefreshed, attribute.String("client_id", req.ClientID))
	default:
		h.addCounter(ctx, h.metrics().TokenIssued, attribute.String("client_id", req.ClientID))
		h.addCounter(ctx, h.metrics().CodeRedeemed, attribute.String("client_id", req.ClientID))
	}
	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusOK, resp, true)
}

// ServeRegistration handles dynamic client registration.
func (h *Handler) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.register")
	if span != nil {
		defer span.End()
	}

	if h.rateLimited(w, r, "register") {
		h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusTooManyRequests, start)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeProtocolError(w, r, "register", http.MethodPost, start,
			ErrInvalidRequest("malformed JSON body"))
		return
	}

	view, err := h.provider.Register(ctx, &req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeProtocolError(w, r, "register", http.MethodPost, start, err)
		return
	}

	h.addCounter(ctx, h.metrics().ClientRegistered)
	h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusCreated, start)
	instrumentation.SetSpanAttributes(span, attribute.String("oauth.client_id", view.ClientID))
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusCreated, view, true)
}

// ServeClientGet handles GET on the client management endpoint.
func (h *Handler) ServeClientGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.client_get")
	if span != nil {
		defer span.End()
	}

	clientID := r.PathValue("client_id")
	token, _ := BearerToken(r.Header.Get("Authorization"))

	view, err := h.provider.GetClient(ctx, clientID, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeProtocolError(w, r, "client", http.MethodGet, start, err)
		return
	}

	h.recordHTTPMetrics(ctx, "client", http.MethodGet, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, view, true)
}

// ServeClientUpdate handles PUT on the client management endpoint.
func (h *Handler) ServeClientUpdate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.client_update")
	if span != nil {
		defer span.End()
	}

	clientID := r.PathValue("client_id")
	token, _ := BearerToken(r.Header.Get("Authorization"))

	var req ClientUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeProtocolError(w, r, "client", http.MethodPut, start,
			ErrInvalidRequest("malformed JSON body"))
		return
	}

	view, err := h.provider.UpdateClient(ctx, clientID, token, &req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeProtocolError(w, r, "client", http.MethodPut, start, err)
		return
	}

	h.recordHTTPMetrics(ctx, "client", http.MethodPut, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, view, true)
}

// ServeClientDelete handles DELETE on the client management endpoint.
// Success is 204 with an empty body.
func (h *Handler) ServeClientDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.client_delete")
	if span != nil {
		defer span.End()
	}

	clientID := r.PathValue("client_id")
	token, _ := BearerToken(r.Header.Get("Authorization"))

	if err := h.provider.DeleteClient(ctx, clientID, token); err != nil {
		instrumentation.RecordError(span, err)
		h.writeProtocolError(w, r, "client", http.MethodDelete, start, err)
		return
	}

	h.recordHTTPMetrics(ctx, "client", http.MethodDelete, http.StatusNoContent, start)
	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusNoContent)
}

// ==================== Resource protection ====================

type authorizationContextKey struct{}

// AuthorizationFromContext retrieves the Authorization placed in the request
// context by RequireScope.
func AuthorizationFromContext(ctx context.Context) (Authorization, bool) {
	auth, ok := ctx.Value(authorizationContextKey{}).(Authorization)
	return auth, ok
}

// RequireScope is middleware protecting a resource endpoint with bearer
// token validation. Invalid or missing tokens are answered 401 with a
// WWW-Authenticate challenge; on success the Authorization is stored in the
// request context.
func (h *Handler) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := h.resource.AuthorizeRequest(r, scope)
		if !auth.Valid {
			h.addCounter(r.Context(), h.metrics().AuthFailures, attribute.String("endpoint", r.URL.Path))
			h.writeProtocolError(w, r, "resource", r.Method, time.Now(),
				ErrInvalidToken("bearer token is missing, invalid, or lacks the required scope"))
			return
		}

		ctx := context.WithValue(r.Context(), authorizationContextKey{}, auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ==================== Helpers ====================

func (h *Handler) authenticate(r *http.Request) (string, error) {
	if h.auth == nil {
		return "", fmt.Errorf("no authenticator configured")
	}
	return h.auth.Authenticate(r)
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, nil
	}
	return h.tracer.Start(ctx, name)
}

// noMetrics is returned by metrics() when no instrumentation is configured;
// its nil instrument fields make every recording helper a no-op, and it is
// safe to select fields from at addCounter call sites.
var noMetrics = &instrumentation.Metrics{}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.instr == nil {
		return noMetrics
	}
	return h.instr.Metrics()
}

func (h *Handler) addCounter(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if h.metrics() == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, start time.Time) {
	m := h.metrics()
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", method),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds()*1000, attrs)
}

// rateLimited applies the per-IP rate limit. Returns true when the request
// was rejected and the response already written.
func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.limiter == nil {
		return false
	}

	ip := security.ClientIP(r, h.trustProxy, h.trustedProxyCount)
	if h.limiter.Allow(ip) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", ip, "endpoint", endpoint)
	if h.provider.auditor != nil {
		h.provider.auditor.LogRateLimitExceeded(ip, endpoint)
	}
	h.addCounter(r.Context(), h.metrics().RateLimitExceeded, attribute.String("endpoint", endpoint))

	w.Header().Set("Retry-After", "60")
	h.writeJSON(w, http.StatusTooManyRequests, &ErrorResponse{
		Error:            ErrorCodeInvalidRequest,
		ErrorDescription: "rate limit exceeded, try again later",
	}, false)
	return true
}

// writeProtocolError maps err to its wire form. Management auth failures
// with no protocol code are a bare 401 empty body; invalid_token carries a
// WWW-Authenticate challenge; everything else is a JSON error response.
func (h *Handler) writeProtocolError(w http.ResponseWriter, r *http.Request, endpoint, method string, start time.Time, err error) {
	oe := protocolError(err)

	if oe.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "endpoint", endpoint, "error", err,
			"request_id", security.GetRequestID(r.Context()))
	}
	h.recordHTTPMetrics(r.Context(), endpoint, method, oe.Status, start)

	if oe.Code == "" {
		w.WriteHeader(oe.Status)
		return
	}

	if oe.Code == ErrorCodeInvalidToken {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", oe.Code))
	}

	h.writeJSON(w, oe.Status, &ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	}, endpoint == "token")
}

// writeJSON writes a JSON response. noStore adds the cache suppression
// headers required on responses carrying credentials.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any, noStore bool) {
	w.Header().Set("Content-Type", "application/json")
	if noStore {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
