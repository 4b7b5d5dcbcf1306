package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/identity"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
)

// Handler provides HTTP handlers for the OAuth endpoints. It owns request
// parsing, the consent page, redirects, and response encoding; all protocol
// decisions live in Server.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler wrapping the given server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// RegisterRoutes registers all OAuth endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathProtectedResourceMetadata, h.ServeProtectedResourceMetadata)
	mux.HandleFunc(PathAuthorizationServerMetadata, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(PathRegister, h.ServeClientRegistration)
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathToken, h.ServeToken)
}

// consentTemplate is the minimal consent page. Request parameters ride
// along as hidden fields; the POST handler re-validates every one of them
// against storage before acting, so a tampered form buys nothing.
var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: sans-serif; max-width: 32em; margin: 4em auto; padding: 0 1em; }
.buttons { margin-top: 2em; }
button { font-size: 1em; padding: 0.5em 2em; margin-right: 1em; }
</style>
</head>
<body>
<h1>Authorization Request</h1>
<p><strong>{{.ClientName}}</strong> is requesting access on your behalf.</p>
<p>If you approve, the application will receive a token allowing it to act as you.</p>
<form method="POST" action="{{.Action}}">
<input type="hidden" name="client_id" value="{{.Params.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Params.RedirectURI}}">
<input type="hidden" name="response_type" value="{{.Params.ResponseType}}">
<input type="hidden" name="code_challenge" value="{{.Params.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.Params.CodeChallengeMethod}}">
<input type="hidden" name="state" value="{{.Params.State}}">
<div class="buttons">
<button type="submit" name="decision" value="approve">Approve</button>
<button type="submit" name="decision" value="deny">Deny</button>
</div>
</form>
</body>
</html>
`))

type consentPageData struct {
	ClientName string
	Action     string
	Params     AuthorizationParams
}

// ============================================================
// Discovery endpoints
// ============================================================

// ServeProtectedResourceMetadata handles the protected resource metadata
// endpoint, pointing clients at the authorization server for this resource.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet {
		h.writeError(w, r, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		h.recordHTTPMetrics(r, PathProtectedResourceMetadata, http.StatusMethodNotAllowed, start)
		return
	}

	cfg := h.server.Config()
	metadata := ProtectedResourceMetadata{
		Resource:            cfg.Resource,
		AuthorizationServer: cfg.Issuer,
	}

	h.writeJSON(w, r, http.StatusOK, metadata)
	h.recordHTTPMetrics(r, PathProtectedResourceMetadata, http.StatusOK, start)
}

// ServeAuthorizationServerMetadata handles the authorization server
// metadata endpoint. Every capability list has exactly one member.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet {
		h.writeError(w, r, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		h.recordHTTPMetrics(r, PathAuthorizationServerMetadata, http.StatusMethodNotAllowed, start)
		return
	}

	cfg := h.server.Config()
	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.endpoint(PathAuthorize),
		TokenEndpoint:                     cfg.endpoint(PathToken),
		RegistrationEndpoint:              cfg.endpoint(PathRegister),
		ResponseTypesSupported:            []string{ResponseTypeCode},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode},
		TokenEndpointAuthMethodsSupported: []string{TokenEndpointAuthMethod},
	}

	h.writeJSON(w, r, http.StatusOK, metadata)
	h.recordHTTPMetrics(r, PathAuthorizationServerMetadata, http.StatusOK, start)
}

// ============================================================
// Client registration
// ============================================================

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r, "client_registration")
	defer span.End()

	if r.Method != http.MethodPost {
		h.writeError(w, r, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		h.recordHTTPMetrics(r, PathRegister, http.StatusMethodNotAllowed, start)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, ErrInvalidRequest("request body must be valid JSON"))
		h.recordHTTPMetrics(r, PathRegister, http.StatusBadRequest, start)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, req.ClientName, req.RedirectURIs, h.clientIP(r))
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.writeJSON(w, r, http.StatusBadRequest, ErrorResponse{
				Error:            ErrorCodeInvalidClientMetadata,
				ErrorDescription: "registration request is invalid",
				Fields:           verr.Fields,
			})
			h.recordHTTPMetrics(r, PathRegister, http.StatusBadRequest, start)
			return
		}
		instrumentation.RecordError(span, err)
		h.writeError(w, r, ErrServerError("failed to register client"))
		h.recordHTTPMetrics(r, PathRegister, http.StatusInternalServerError, start)
		return
	}

	span.SetAttributes(attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, r, http.StatusCreated, ClientRegistrationResponse{
		ClientID:     client.ClientID,
		ClientSecret: clientSecret,
		ClientName:   client.ClientName,
		RedirectURIs: client.RedirectURIs,
	})
	h.recordHTTPMetrics(r, PathRegister, http.StatusCreated, start)
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization handles the authorization endpoint. GET validates the
// request and renders the consent page; POST processes the user's decision.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveConsentPage(w, r)
	case http.MethodPost:
		h.serveConsentDecision(w, r)
	default:
		h.writeError(w, r, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
	}
}

func (h *Handler) serveConsentPage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r, "authorization_request")
	defer span.End()

	params := authorizationParamsFromValues(r.URL.Query())
	span.SetAttributes(
		attribute.String(instrumentation.AttrClientID, params.ClientID),
		attribute.String(instrumentation.AttrResponseType, params.ResponseType),
		attribute.String(instrumentation.AttrPKCEMethod, params.CodeChallengeMethod),
	)

	client, err := h.server.ValidateAuthorizationRequest(ctx, params)
	if err != nil {
		// Validation failures never redirect: the redirect URI is exactly
		// what has not been verified yet.
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, PathAuthorize, errStatus(err), start)
		return
	}

	if inst := h.server.instrumentation; inst != nil {
		inst.Metrics().RecordConsentRequested(ctx, client.ClientID)
	}
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if err := consentTemplate.Execute(w, consentPageData{
		ClientName: client.ClientName,
		Action:     PathAuthorize,
		Params:     params,
	}); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
	h.recordHTTPMetrics(r, PathAuthorize, http.StatusOK, start)
}

func (h *Handler) serveConsentDecision(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r, "consent_decision")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, ErrInvalidRequest("failed to parse form data"))
		h.recordHTTPMetrics(r, PathAuthorize, http.StatusBadRequest, start)
		return
	}

	params := authorizationParamsFromValues(r.PostForm)
	decision := r.PostForm.Get("decision")
	span.SetAttributes(attribute.String(instrumentation.AttrClientID, params.ClientID))

	// The consent decision must come from an authenticated user; an
	// anonymous POST is rejected before anything else is looked at.
	userID, err := h.server.Identity().CurrentUserID(ctx, r)
	if err != nil {
		if errors.Is(err, identity.ErrNoAuthenticatedUser) {
			instrumentation.RecordError(span, err)
			h.writeError(w, r, NewError(ErrorCodeAccessDenied, "authentication required", http.StatusUnauthorized))
			h.recordHTTPMetrics(r, PathAuthorize, http.StatusUnauthorized, start)
			return
		}
		instrumentation.RecordError(span, err)
		h.writeError(w, r, ErrServerError("failed to resolve user identity"))
		h.recordHTTPMetrics(r, PathAuthorize, http.StatusInternalServerError, start)
		return
	}
	span.SetAttributes(attribute.String(instrumentation.AttrUserID, userID))

	switch decision {
	case "approve":
		code, err := h.server.ApproveAuthorization(ctx, userID, params)
		if err != nil {
			instrumentation.RecordError(span, err)
			h.writeOAuthError(w, r, err)
			h.recordHTTPMetrics(r, PathAuthorize, errStatus(err), start)
			return
		}

		instrumentation.SetSpanSuccess(span)
		h.redirect(w, r, params.RedirectURI, url.Values{
			"code":  {code},
			"state": {params.State},
		}, params.State)
		h.recordHTTPMetrics(r, PathAuthorize, http.StatusFound, start)

	case "deny":
		_, err := h.server.DenyAuthorization(ctx, userID, params)
		if err != nil {
			instrumentation.RecordError(span, err)
			h.writeOAuthError(w, r, err)
			h.recordHTTPMetrics(r, PathAuthorize, errStatus(err), start)
			return
		}

		instrumentation.SetSpanSuccess(span)
		h.redirect(w, r, params.RedirectURI, url.Values{
			"error": {ErrorCodeAccessDenied},
			"state": {params.State},
		}, params.State)
		h.recordHTTPMetrics(r, PathAuthorize, http.StatusFound, start)

	default:
		h.writeError(w, r, ErrInvalidRequest("decision must be approve or deny"))
		h.recordHTTPMetrics(r, PathAuthorize, http.StatusBadRequest, start)
	}
}

// redirect sends a 302 to the (already validated) redirect URI with the
// given query parameters appended. An empty state is omitted entirely; a
// present state is echoed back byte for byte.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, redirectURI string, query url.Values, state string) {
	if state == "" {
		query.Del("state")
	}

	target := redirectURI
	if encoded := query.Encode(); encoded != "" {
		sep := "?"
		if u, err := url.Parse(redirectURI); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		target = redirectURI + sep + encoded
	}

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	http.Redirect(w, r, target, http.StatusFound)
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles the token endpoint: it authenticates the client,
// exchanges an authorization code for an access token, and returns the
// token response.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r, "token_exchange")
	defer span.End()

	if r.Method != http.MethodPost {
		h.writeError(w, r, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		h.recordHTTPMetrics(r, PathToken, http.StatusMethodNotAllowed, start)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, ErrInvalidRequest("failed to parse form data"))
		h.recordHTTPMetrics(r, PathToken, http.StatusBadRequest, start)
		return
	}

	grantType := r.PostForm.Get("grant_type")
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, grantType))

	if grantType == "" {
		h.writeError(w, r, ErrInvalidRequest("grant_type is required"))
		h.recordHTTPMetrics(r, PathToken, http.StatusBadRequest, start)
		return
	}
	if grantType != GrantTypeAuthorizationCode {
		h.writeError(w, r, ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", grantType)))
		h.recordHTTPMetrics(r, PathToken, http.StatusBadRequest, start)
		return
	}

	code := r.PostForm.Get("code")
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	redirectURI := r.PostForm.Get("redirect_uri")
	codeVerifier := r.PostForm.Get("code_verifier")
	span.SetAttributes(attribute.String(instrumentation.AttrClientID, clientID))

	if code == "" {
		h.writeError(w, r, ErrInvalidRequest("code is required"))
		h.recordHTTPMetrics(r, PathToken, http.StatusBadRequest, start)
		return
	}
	if clientID == "" {
		h.writeError(w, r, ErrInvalidRequest("client_id is required"))
		h.recordHTTPMetrics(r, PathToken, http.StatusBadRequest, start)
		return
	}
	if redirectURI == "" {
		h.writeError(w, r, ErrInvalidRequest("redirect_uri is required"))
		h.recordHTTPMetrics(r, PathToken, http.StatusBadRequest, start)
		return
	}
	if codeVerifier == "" {
		h.writeError(w, r, ErrInvalidRequest("code_verifier is required"))
		h.recordHTTPMetrics(r, PathToken, http.StatusBadRequest, start)
		return
	}

	token, plaintext, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret, redirectURI, codeVerifier)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, PathToken, errStatus(err), start)
		return
	}

	span.SetAttributes(attribute.String(instrumentation.AttrUserID, token.UserID))
	instrumentation.SetSpanSuccess(span)

	expiresIn := int64(time.Until(token.ExpiresAt).Seconds())
	h.writeJSON(w, r, http.StatusOK, TokenResponse{
		AccessToken: plaintext,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   expiresIn,
	})
	h.recordHTTPMetrics(r, PathToken, http.StatusOK, start)
}

// ============================================================
// Helpers
// ============================================================

// authorizationParamsFromValues extracts authorization request parameters
// from a query string or form body.
func authorizationParamsFromValues(values url.Values) AuthorizationParams {
	return AuthorizationParams{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		ResponseType:        values.Get("response_type"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		State:               values.Get("state"),
	}
}

// writeJSON writes a JSON response with security headers and no-store
// caching.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err, "path", r.URL.Path)
	}
}

// writeError writes a structured OAuth error response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, oerr *Error) {
	h.logger.Debug("Request failed",
		"path", r.URL.Path,
		"error", oerr.Code,
		"description", oerr.Description,
		"status", oerr.Status)

	h.writeJSON(w, r, oerr.Status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// writeOAuthError writes any error from Server, mapping unexpected error
// types to server_error.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *Error
	if errors.As(err, &oerr) {
		h.writeError(w, r, oerr)
		return
	}
	h.logger.Error("Unexpected error", "path", r.URL.Path, "error", err)
	h.writeError(w, r, ErrServerError("internal server error"))
}

// errStatus extracts the HTTP status from an error, defaulting to 500.
func errStatus(err error) int {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr.Status
	}
	return http.StatusInternalServerError
}

// clientIP extracts the remote IP for audit logging.
func (h *Handler) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// startSpan starts a tracing span for an HTTP operation, returning a noop
// span when instrumentation is not configured.
func (h *Handler) startSpan(r *http.Request, operation string) (ctx context.Context, span trace.Span) {
	ctx = r.Context()
	inst := h.server.instrumentation
	if inst == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span = inst.Tracer("http").Start(ctx, operation)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrHTTPMethod, r.Method),
		attribute.String(instrumentation.AttrHTTPEndpoint, r.URL.Path),
	)
	return ctx, span
}

// recordHTTPMetrics records request count and duration for an endpoint.
func (h *Handler) recordHTTPMetrics(r *http.Request, path string, status int, start time.Time) {
	inst := h.server.instrumentation
	if inst == nil {
		return
	}
	inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, path, status, float64(time.Since(start).Microseconds())/1000.0)
}
