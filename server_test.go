package oauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/identity/mock"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testUserID      = "alice@example.com"
	testRedirectURI = "https://client.example.com/callback"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	server, err := NewServer(
		store, store, store,
		mock.NewProvider(testUserID),
		&ServerConfig{Issuer: testIssuer},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return server, store
}

func registerTestClient(t *testing.T, server *Server) (*storage.Client, string) {
	t.Helper()

	client, secret, err := server.RegisterClient(context.Background(), "Test Client", []string{testRedirectURI}, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client, secret
}

// authorize runs the consent flow for the given client and returns the
// authorization code plus the PKCE verifier it is bound to.
func authorize(t *testing.T, server *Server, client *storage.Client) (code, verifier string) {
	t.Helper()

	verifier = oauth2.GenerateVerifier()
	code, err := server.ApproveAuthorization(context.Background(), testUserID, AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        ResponseTypeCode,
		CodeChallenge:       testutil.S256Challenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("ApproveAuthorization() error = %v", err)
	}
	return code, verifier
}

func wantOAuthError(t *testing.T, err error, code string) *Error {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oerr.Code != code {
		t.Fatalf("error code = %q, want %q (description: %s)", oerr.Code, code, oerr.Description)
	}
	return oerr
}

func TestNewServerRequiresDependencies(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	users := mock.NewProvider(testUserID)
	cfg := &ServerConfig{Issuer: testIssuer}

	tests := []struct {
		name string
		fn   func() (*Server, error)
	}{
		{"nil client store", func() (*Server, error) { return NewServer(nil, store, store, users, cfg, nil) }},
		{"nil code store", func() (*Server, error) { return NewServer(store, nil, store, users, cfg, nil) }},
		{"nil token store", func() (*Server, error) { return NewServer(store, store, nil, users, cfg, nil) }},
		{"nil identity provider", func() (*Server, error) { return NewServer(store, store, store, nil, cfg, nil) }},
		{"nil config", func() (*Server, error) { return NewServer(store, store, store, users, nil, nil) }},
		{"empty issuer", func() (*Server, error) { return NewServer(store, store, store, users, &ServerConfig{}, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestRegisterClient(t *testing.T) {
	server, _ := newTestServer(t)

	client, secret, err := server.RegisterClient(context.Background(), "My MCP Client",
		[]string{"https://a.example.com/cb", "https://b.example.com/cb"}, "10.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientID == "" {
		t.Error("client ID is empty")
	}
	if secret == "" {
		t.Error("plaintext secret is empty")
	}
	if client.ClientSecretHash == secret {
		t.Error("stored secret is not hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		t.Errorf("stored hash does not verify against returned secret: %v", err)
	}
	if len(client.RedirectURIs) != 2 {
		t.Errorf("redirect URIs = %v, want 2 entries", client.RedirectURIs)
	}

	// The stored record must never contain the plaintext secret.
	stored, err := server.GetClient(context.Background(), client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.ClientSecretHash == secret {
		t.Error("persisted record contains plaintext secret")
	}
}

func TestRegisterClientValidation(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name         string
		clientName   string
		redirectURIs []string
		wantFields   []string
	}{
		{
			name:         "missing name",
			clientName:   "",
			redirectURIs: []string{testRedirectURI},
			wantFields:   []string{"client_name"},
		},
		{
			name:         "no redirect URIs",
			clientName:   "Client",
			redirectURIs: nil,
			wantFields:   []string{"redirect_uris"},
		},
		{
			name:         "relative redirect URI",
			clientName:   "Client",
			redirectURIs: []string{"/callback"},
			wantFields:   []string{"redirect_uris[0]"},
		},
		{
			name:         "redirect URI with fragment",
			clientName:   "Client",
			redirectURIs: []string{"https://client.example.com/cb#frag"},
			wantFields:   []string{"redirect_uris[0]"},
		},
		{
			name:         "second URI invalid",
			clientName:   "Client",
			redirectURIs: []string{testRedirectURI, "not a uri at all\x7f"},
			wantFields:   []string{"redirect_uris[1]"},
		},
		{
			name:         "multiple problems reported together",
			clientName:   "",
			redirectURIs: []string{"/relative"},
			wantFields:   []string{"client_name", "redirect_uris[0]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := server.RegisterClient(context.Background(), tt.clientName, tt.redirectURIs, "")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			for _, field := range tt.wantFields {
				if _, ok := verr.Fields[field]; !ok {
					t.Errorf("missing problem for field %q in %v", field, verr.Fields)
				}
			}
		})
	}
}

func TestValidateAuthorizationRequest(t *testing.T) {
	server, _ := newTestServer(t)
	client, _ := registerTestClient(t, server)

	valid := AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        ResponseTypeCode,
		CodeChallenge:       testutil.S256Challenge(oauth2.GenerateVerifier()),
		CodeChallengeMethod: PKCEMethodS256,
	}

	if _, err := server.ValidateAuthorizationRequest(context.Background(), valid); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name     string
		mutate   func(p *AuthorizationParams)
		wantCode string
	}{
		{"missing client_id", func(p *AuthorizationParams) { p.ClientID = "" }, ErrorCodeInvalidRequest},
		{"missing redirect_uri", func(p *AuthorizationParams) { p.RedirectURI = "" }, ErrorCodeInvalidRequest},
		{"missing response_type", func(p *AuthorizationParams) { p.ResponseType = "" }, ErrorCodeInvalidRequest},
		{"token response_type", func(p *AuthorizationParams) { p.ResponseType = "token" }, ErrorCodeUnsupportedResponseType},
		{"missing code_challenge", func(p *AuthorizationParams) { p.CodeChallenge = "" }, ErrorCodeInvalidRequest},
		{"missing challenge method", func(p *AuthorizationParams) { p.CodeChallengeMethod = "" }, ErrorCodeInvalidRequest},
		{"plain challenge method", func(p *AuthorizationParams) { p.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
		{"unknown client", func(p *AuthorizationParams) { p.ClientID = "no-such-client" }, ErrorCodeInvalidRequest},
		{"unregistered redirect_uri", func(p *AuthorizationParams) { p.RedirectURI = "https://evil.example.com/cb" }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			_, err := server.ValidateAuthorizationRequest(context.Background(), p)
			wantOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestFullAuthorizationFlow(t *testing.T) {
	server, _ := newTestServer(t)
	client, secret := registerTestClient(t, server)
	code, verifier := authorize(t, server, client)

	token, plaintext, err := server.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, secret, testRedirectURI, verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if plaintext == "" {
		t.Fatal("plaintext token is empty")
	}
	if token.TokenHash == plaintext {
		t.Error("stored token is not hashed")
	}
	if token.UserID != testUserID {
		t.Errorf("token user = %q, want %q", token.UserID, testUserID)
	}
	if token.ClientID != client.ClientID {
		t.Errorf("token client = %q, want %q", token.ClientID, client.ClientID)
	}
	if !token.ExpiresAt.After(time.Now().Add(29 * 24 * time.Hour)) {
		t.Errorf("token expiry %v is shorter than expected", token.ExpiresAt)
	}

	// The minted token authenticates against the resource server lookup.
	got, err := server.Authenticate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != token.ID {
		t.Errorf("Authenticate() returned token %q, want %q", got.ID, token.ID)
	}
}

func TestExchangeRejectsReplay(t *testing.T) {
	server, _ := newTestServer(t)
	client, secret := registerTestClient(t, server)
	code, verifier := authorize(t, server, client)

	if _, _, err := server.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, secret, testRedirectURI, verifier); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	_, _, err := server.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, secret, testRedirectURI, verifier)
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeClientAuthentication(t *testing.T) {
	server, _ := newTestServer(t)
	client, secret := registerTestClient(t, server)

	t.Run("wrong secret", func(t *testing.T) {
		code, verifier := authorize(t, server, client)
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, "wrong-secret", testRedirectURI, verifier)
		wantOAuthError(t, err, ErrorCodeInvalidClient)
	})

	t.Run("missing secret", func(t *testing.T) {
		code, verifier := authorize(t, server, client)
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, "", testRedirectURI, verifier)
		wantOAuthError(t, err, ErrorCodeInvalidClient)
	})

	t.Run("unknown client is indistinguishable from wrong secret", func(t *testing.T) {
		code, verifier := authorize(t, server, client)
		_, _, unknownErr := server.ExchangeAuthorizationCode(context.Background(),
			code, "no-such-client", secret, testRedirectURI, verifier)
		oerr := wantOAuthError(t, unknownErr, ErrorCodeInvalidClient)

		code2, verifier2 := authorize(t, server, client)
		_, _, badSecretErr := server.ExchangeAuthorizationCode(context.Background(),
			code2, client.ClientID, "wrong-secret", testRedirectURI, verifier2)
		oerr2 := wantOAuthError(t, badSecretErr, ErrorCodeInvalidClient)

		if oerr.Description != oerr2.Description || oerr.Status != oerr2.Status {
			t.Errorf("unknown-client and bad-secret responses differ: %v vs %v", oerr, oerr2)
		}
	})

	t.Run("failed client auth does not consume the code", func(t *testing.T) {
		code, verifier := authorize(t, server, client)
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, "wrong-secret", testRedirectURI, verifier)
		wantOAuthError(t, err, ErrorCodeInvalidClient)

		// Client auth runs before code consumption; a retry with the right
		// secret must still succeed.
		if _, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, secret, testRedirectURI, verifier); err != nil {
			t.Fatalf("retry with correct secret failed: %v", err)
		}
	})
}

func TestExchangeBindingChecks(t *testing.T) {
	server, _ := newTestServer(t)
	client, secret := registerTestClient(t, server)

	t.Run("redirect_uri mismatch", func(t *testing.T) {
		code, verifier := authorize(t, server, client)
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, secret, testRedirectURI+"/other", verifier)
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("code issued to another client", func(t *testing.T) {
		other, otherSecret, err := server.RegisterClient(context.Background(), "Other Client", []string{testRedirectURI}, "")
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}

		code, verifier := authorize(t, server, client)
		_, _, err = server.ExchangeAuthorizationCode(context.Background(),
			code, other.ClientID, otherSecret, testRedirectURI, verifier)
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestExchangePKCE(t *testing.T) {
	server, _ := newTestServer(t)
	client, secret := registerTestClient(t, server)

	t.Run("wrong verifier", func(t *testing.T) {
		code, _ := authorize(t, server, client)
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, secret, testRedirectURI, oauth2.GenerateVerifier())
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("failed PKCE consumes the code", func(t *testing.T) {
		code, verifier := authorize(t, server, client)
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, secret, testRedirectURI, oauth2.GenerateVerifier())
		wantOAuthError(t, err, ErrorCodeInvalidGrant)

		// Even the correct verifier cannot resurrect the code.
		_, _, err = server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, secret, testRedirectURI, verifier)
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("verifier too short", func(t *testing.T) {
		code, _ := authorize(t, server, client)
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, secret, testRedirectURI, "short")
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("verifier with invalid characters", func(t *testing.T) {
		code, _ := authorize(t, server, client)
		bad := strings.Repeat("a", MinCodeVerifierLength-1) + "!"
		_, _, err := server.ExchangeAuthorizationCode(context.Background(),
			code, client.ClientID, secret, testRedirectURI, bad)
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestExchangeExpiredCode(t *testing.T) {
	server, store := newTestServer(t)
	client, secret := registerTestClient(t, server)

	verifier := oauth2.GenerateVerifier()
	now := time.Now()
	err := store.PutCode(context.Background(), &storage.AuthorizationRequest{
		Code:                "expired-code",
		ClientID:            client.ClientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       testutil.S256Challenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		CreatedAt:           now.Add(-10 * time.Minute),
		ExpiresAt:           now.Add(-5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}

	_, _, exchangeErr := server.ExchangeAuthorizationCode(context.Background(),
		"expired-code", client.ClientID, secret, testRedirectURI, verifier)
	wantOAuthError(t, exchangeErr, ErrorCodeInvalidGrant)
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	server, _ := newTestServer(t)
	client, secret := registerTestClient(t, server)
	code, verifier := authorize(t, server, client)

	const workers = 20

	var wg sync.WaitGroup
	var successes, invalidGrants atomic.Int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := server.ExchangeAuthorizationCode(context.Background(),
				code, client.ClientID, secret, testRedirectURI, verifier)
			if err == nil {
				successes.Add(1)
				return
			}
			var oerr *Error
			if errors.As(err, &oerr) && oerr.Code == ErrorCodeInvalidGrant {
				invalidGrants.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful exchanges = %d, want exactly 1", got)
	}
	if got := invalidGrants.Load(); got != workers-1 {
		t.Errorf("invalid_grant responses = %d, want %d", got, workers-1)
	}
}

func TestDenyAuthorization(t *testing.T) {
	server, _ := newTestServer(t)
	client, _ := registerTestClient(t, server)

	got, err := server.DenyAuthorization(context.Background(), testUserID, AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        ResponseTypeCode,
		CodeChallenge:       testutil.S256Challenge(oauth2.GenerateVerifier()),
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("DenyAuthorization() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("client = %q, want %q", got.ClientID, client.ClientID)
	}

	// Denial with a tampered redirect URI must fail validation.
	_, err = server.DenyAuthorization(context.Background(), testUserID, AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         "https://evil.example.com/cb",
		ResponseType:        ResponseTypeCode,
		CodeChallenge:       testutil.S256Challenge(oauth2.GenerateVerifier()),
		CodeChallengeMethod: PKCEMethodS256,
	})
	wantOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestAuthenticate(t *testing.T) {
	server, store := newTestServer(t)

	t.Run("unknown token", func(t *testing.T) {
		if _, err := server.Authenticate(context.Background(), "no-such-token"); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Errorf("error = %v, want ErrTokenNotFound", err)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if _, err := server.Authenticate(context.Background(), ""); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Errorf("error = %v, want ErrTokenNotFound", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		now := time.Now()
		plaintext := oauth2.GenerateVerifier()
		err := store.SaveToken(context.Background(), &storage.AccessToken{
			ID:        "expired-token",
			ClientID:  "client",
			UserID:    testUserID,
			TokenHash: HashToken(plaintext),
			CreatedAt: now.Add(-31 * 24 * time.Hour),
			ExpiresAt: now.Add(-24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}

		if _, err := server.Authenticate(context.Background(), plaintext); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Errorf("error = %v, want ErrTokenNotFound", err)
		}
	})
}

func TestValidatePKCE(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := testutil.S256Challenge(verifier)

	if err := validatePKCE(challenge, verifier); err != nil {
		t.Errorf("valid verifier rejected: %v", err)
	}
	if err := validatePKCE(challenge, oauth2.GenerateVerifier()); err == nil {
		t.Error("mismatched verifier accepted")
	}
	if err := validatePKCE(challenge, ""); err == nil {
		t.Error("empty verifier accepted")
	}
	if err := validatePKCE(challenge, strings.Repeat("a", MaxCodeVerifierLength+1)); err == nil {
		t.Error("oversized verifier accepted")
	}
}

func TestHashToken(t *testing.T) {
	h1 := HashToken("token-a")
	h2 := HashToken("token-a")
	h3 := HashToken("token-b")

	if h1 != h2 {
		t.Error("hashing is not deterministic")
	}
	if h1 == h3 {
		t.Error("different tokens hash identically")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex characters", len(h1))
	}
}
