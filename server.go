package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/identity"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// dummySecretHash is a pre-computed bcrypt hash compared against when a
// client does not exist, so unknown clients cost the same as bad secrets
// and the two cases stay indistinguishable to an attacker measuring time.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// maxCodePutAttempts bounds regeneration on code collision. With 256-bit
// random codes a single collision is already implausible.
const maxCodePutAttempts = 3

// Server implements the OAuth 2.1 authorization server logic: dynamic
// client registration, the authorization-code-with-PKCE flow, and token
// minting. HTTP concerns live in Handler; Server only speaks in terms of
// validated parameters and storage records.
type Server struct {
	clients storage.ClientStore
	codes   storage.CodeStore
	tokens  storage.TokenStore
	users   identity.Provider

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
	config          *ServerConfig
}

// AuthorizationParams carries the parameters of an authorization request
// through both phases of the consent flow. Phase B re-validates them
// server-side; values echoed by the consent form are never trusted alone.
type AuthorizationParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
}

// NewServer creates a new OAuth authorization server.
func NewServer(
	clients storage.ClientStore,
	codes storage.CodeStore,
	tokens storage.TokenStore,
	users identity.Provider,
	config *ServerConfig,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		clients: clients,
		codes:   codes,
		tokens:  tokens,
		users:   users,
		config:  config,
		logger:  logger,
	}, nil
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server and
// forwards it to stores that support it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	for _, store := range []any{s.clients, s.codes, s.tokens} {
		if setter, ok := store.(instrumentationSetter); ok {
			setter.SetInstrumentation(inst)
		}
	}
}

// Identity returns the configured identity provider.
func (s *Server) Identity() identity.Provider {
	return s.users
}

// ============================================================
// Client registration
// ============================================================

// RegisterClient registers a new OAuth client. The plaintext secret is
// returned exactly once; only its bcrypt hash is persisted. Every client is
// issued a secret and is therefore confidential-capable, but PKCE is
// required either way.
func (s *Server) RegisterClient(ctx context.Context, clientName string, redirectURIs []string, clientIP string) (*storage.Client, string, error) {
	if verr := validateRegistration(clientName, redirectURIs); verr.HasErrors() {
		return nil, "", verr
	}

	clientID := uuid.NewString()
	clientSecret := generateRandomToken()

	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
	}

	client := &storage.Client{
		ClientID:         clientID,
		ClientName:       clientName,
		ClientSecretHash: string(hash),
		RedirectURIs:     append([]string(nil), redirectURIs...),
		CreatedAt:        time.Now(),
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogClientRegistered(clientID, clientName, clientIP)
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordClientRegistration(ctx)
	}

	s.logger.Info("Registered new OAuth client",
		"client_id", clientID,
		"client_name", clientName,
		"redirect_uris", len(redirectURIs))

	return client, clientSecret, nil
}

// GetClient retrieves a client by ID (for use by the handler and tests).
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// validateRegistration checks the shape of a registration request and
// collects per-field problems.
func validateRegistration(clientName string, redirectURIs []string) *ValidationError {
	verr := NewValidationError()

	if clientName == "" {
		verr.Add("client_name", "client_name is required")
	}

	if len(redirectURIs) == 0 {
		verr.Add("redirect_uris", "at least one redirect URI is required")
		return verr
	}

	for i, uri := range redirectURIs {
		field := fmt.Sprintf("redirect_uris[%d]", i)
		parsed, err := url.Parse(uri)
		if err != nil {
			verr.Add(field, "must be a valid URI")
			continue
		}
		if !parsed.IsAbs() {
			verr.Add(field, "must be an absolute URI")
			continue
		}
		// OAuth 2.0 Security BCP: redirect URIs must not carry fragments
		if parsed.Fragment != "" {
			verr.Add(field, "must not contain a fragment")
		}
	}

	return verr
}

// ============================================================
// Authorization (consent) flow
// ============================================================

// ValidateAuthorizationRequest performs the Phase A checks on an
// authorization request: structural validation, client resolution, and
// redirect URI pinning, in that order. Unlike the token endpoint these
// failures are loud; the caller here is the end-user's browser, not the
// token-requesting client, so there is nothing to mask.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, p AuthorizationParams) (*storage.Client, error) {
	if p.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if p.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if p.ResponseType == "" {
		return nil, ErrInvalidRequest("response_type is required")
	}
	if p.ResponseType != ResponseTypeCode {
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("response_type %q is not supported (only %q)", p.ResponseType, ResponseTypeCode))
	}
	if p.CodeChallenge == "" {
		return nil, ErrInvalidRequest("code_challenge is required (PKCE is mandatory)")
	}
	if p.CodeChallengeMethod == "" {
		return nil, ErrInvalidRequest("code_challenge_method is required")
	}
	if p.CodeChallengeMethod != PKCEMethodS256 {
		return nil, ErrInvalidRequest(fmt.Sprintf("code_challenge_method %q is not supported (only %q)", p.CodeChallengeMethod, PKCEMethodS256))
	}

	client, err := s.clients.GetClient(ctx, p.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			if s.auditor != nil {
				s.auditor.LogAuthFailure("", p.ClientID, "", "unknown_client")
			}
			return nil, ErrInvalidRequest("unknown client")
		}
		return nil, ErrServerError("failed to resolve client")
	}

	// Redirect URI pinning: exact match against the registered set. This
	// runs before any code is issued so an attacker-controlled URI never
	// receives an authorization result, even with a valid client_id.
	if !registeredRedirectURI(client, p.RedirectURI) {
		if s.auditor != nil {
			s.auditor.LogAuthFailure("", p.ClientID, "", "redirect_uri_not_registered")
		}
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	return client, nil
}

// ApproveAuthorization handles an approved consent decision: it re-runs the
// Phase A validation, then mints a fresh single-use authorization code
// bound to the request parameters and the consenting user.
func (s *Server) ApproveAuthorization(ctx context.Context, userID string, p AuthorizationParams) (string, error) {
	if userID == "" {
		return "", ErrInvalidRequest("authenticated user is required")
	}

	client, err := s.ValidateAuthorizationRequest(ctx, p)
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := &storage.AuthorizationRequest{
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         p.RedirectURI,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthorizationCodeTTL),
	}

	// Regenerate on collision rather than overwrite; the store refuses to
	// replace an existing code.
	var code string
	for attempt := 0; ; attempt++ {
		code = generateRandomToken()
		record.Code = code

		err := s.codes.PutCode(ctx, record)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrCodeExists) || attempt+1 >= maxCodePutAttempts {
			return "", ErrServerError("failed to store authorization code")
		}
	}

	if s.auditor != nil {
		s.auditor.LogCodeIssued(userID, client.ClientID)
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeIssued(ctx, client.ClientID)
		s.instrumentation.Metrics().RecordConsentDecision(ctx, client.ClientID, true)
	}

	s.logger.Info("Authorization code issued", "client_id", client.ClientID)

	return code, nil
}

// DenyAuthorization handles a denied consent decision. It re-runs the
// Phase A validation so the denial is only ever redirected to a registered
// URI, and returns the validated client for the handler to build the
// error redirect.
func (s *Server) DenyAuthorization(ctx context.Context, userID string, p AuthorizationParams) (*storage.Client, error) {
	client, err := s.ValidateAuthorizationRequest(ctx, p)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogConsentDenied(userID, client.ClientID)
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordConsentDecision(ctx, client.ClientID, false)
	}

	s.logger.Info("Consent denied", "client_id", client.ClientID)

	return client, nil
}

// registeredRedirectURI reports whether the URI is an exact member of the
// client's registered set. No normalization: byte equality only.
func registeredRedirectURI(client *storage.Client, redirectURI string) bool {
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// ============================================================
// Token exchange
// ============================================================

// ExchangeAuthorizationCode implements the token endpoint algorithm.
// The check order is fixed: client authentication, atomic code consumption,
// binding checks, PKCE verification, then minting. Once TakeCode succeeds
// the code is gone for good; a failure in a later step does not restore it,
// since restoring would reopen a replay window.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, clientSecret, redirectURI, codeVerifier string) (*storage.AccessToken, string, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, "", err
	}

	record, err := s.codes.TakeCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			s.recordExchangeFailure(ctx, clientID, "invalid_code")
			return nil, "", ErrInvalidGrant("authorization code is invalid or expired")
		}
		return nil, "", ErrServerError("failed to consume authorization code")
	}

	// Defense in depth; stores already hide expired records from TakeCode.
	if record.Expired(time.Now()) {
		s.recordExchangeFailure(ctx, clientID, "expired_code")
		return nil, "", ErrInvalidGrant("authorization code is invalid or expired")
	}

	if record.ClientID != client.ClientID {
		s.recordExchangeFailure(ctx, clientID, "client_mismatch")
		return nil, "", ErrInvalidGrant("authorization code was not issued to this client")
	}

	// Byte-identical match against the URI recorded at authorization time.
	if record.RedirectURI != redirectURI {
		s.recordExchangeFailure(ctx, clientID, "redirect_uri_mismatch")
		return nil, "", ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := validatePKCE(record.CodeChallenge, codeVerifier); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(record.UserID, clientID, "", fmt.Sprintf("pkce_validation_failed: %v", err))
		}
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx)
			s.instrumentation.Metrics().RecordCodeExchange(ctx, clientID, false)
		}
		return nil, "", ErrInvalidGrant("PKCE verification failed")
	}

	token, plaintext, err := s.mintAccessToken(ctx, record.ClientID, record.UserID)
	if err != nil {
		return nil, "", ErrServerError("failed to mint access token")
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued(record.UserID, client.ClientID, "")
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchange(ctx, client.ClientID, true)
		s.instrumentation.Metrics().RecordTokenIssued(ctx, client.ClientID)
	}

	s.logger.Info("Access token issued",
		"client_id", client.ClientID,
		"token_id", token.ID,
		"expires_at", token.ExpiresAt)

	return token, plaintext, nil
}

// authenticateClient resolves and authenticates the token-requesting
// client. Unknown client and failed secret check return the same error; a
// dummy bcrypt comparison keeps the unknown-client path from being
// distinguishable by timing.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(clientSecret))
			s.recordAuthFailure(ctx, clientID, "unknown_client")
			return nil, ErrInvalidClient("client authentication failed")
		}
		return nil, ErrServerError("failed to resolve client")
	}

	if client.ClientSecretHash != "" {
		if clientSecret == "" {
			_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(clientSecret))
			s.recordAuthFailure(ctx, clientID, "missing_client_secret")
			return nil, ErrInvalidClient("client authentication failed")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
			s.recordAuthFailure(ctx, clientID, "invalid_client_secret")
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	return client, nil
}

// mintAccessToken generates a fresh bearer token, persists its hash with
// metadata, and returns the plaintext exactly once.
func (s *Server) mintAccessToken(ctx context.Context, clientID, userID string) (*storage.AccessToken, string, error) {
	plaintext := generateRandomToken()
	now := time.Now()

	token := &storage.AccessToken{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		UserID:    userID,
		TokenHash: HashToken(plaintext),
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.AccessTokenTTL),
	}

	if err := s.tokens.SaveToken(ctx, token); err != nil {
		return nil, "", fmt.Errorf("failed to save token: %w", err)
	}

	return token, plaintext, nil
}

// Authenticate resolves a presented bearer token to its record by hash
// lookup. This is the interface the resource server consumes; the
// authorization endpoints never call it.
func (s *Server) Authenticate(ctx context.Context, bearerToken string) (*storage.AccessToken, error) {
	if bearerToken == "" {
		return nil, storage.ErrTokenNotFound
	}

	token, err := s.tokens.GetTokenByHash(ctx, HashToken(bearerToken))
	if err != nil {
		return nil, err
	}
	if token.Expired(time.Now()) {
		return nil, storage.ErrTokenNotFound
	}

	return token, nil
}

// ============================================================
// Crypto helpers
// ============================================================

// validatePKCE verifies a code verifier against the recorded S256 challenge
// per RFC 7636. The comparison is constant-time.
func validatePKCE(challenge, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier may only contain [A-Za-z0-9-._~]
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// HashToken returns the hex-encoded SHA-256 hash of a bearer token. The
// resource server uses the same function to look up presented tokens.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// generateRandomToken generates a cryptographically secure random string
// for codes, secrets, and bearer tokens (256 bits of entropy, base64url).
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

func (s *Server) recordAuthFailure(ctx context.Context, clientID, reason string) {
	if s.auditor != nil {
		s.auditor.LogAuthFailure("", clientID, "", reason)
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordAuthFailure(ctx, reason)
	}
}

func (s *Server) recordExchangeFailure(ctx context.Context, clientID, reason string) {
	if s.auditor != nil {
		s.auditor.LogAuthFailure("", clientID, "", reason)
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchange(ctx, clientID, false)
		s.instrumentation.Metrics().RecordAuthFailure(ctx, reason)
	}
}
