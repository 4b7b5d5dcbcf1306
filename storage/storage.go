// Package storage defines the persistence interfaces for OAuth clients,
// in-flight authorization codes, and issued access tokens. Clients and tokens
// need a durable backend; authorization codes may live in a volatile
// short-TTL cache since losing them only interrupts in-flight logins.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers must compare
// with errors.Is so wrapped backend errors still match.
var (
	// ErrClientNotFound is returned when a client ID does not resolve.
	ErrClientNotFound = errors.New("client not found")

	// ErrCodeNotFound is returned when an authorization code was never
	// issued, has expired, or has already been consumed. The three cases
	// are deliberately indistinguishable.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExists is returned by PutCode when the generated code collides
	// with an existing entry. Callers regenerate and retry; codes are never
	// overwritten.
	ErrCodeExists = errors.New("authorization code already exists")

	// ErrTokenNotFound is returned when a token hash does not resolve.
	ErrTokenNotFound = errors.New("token not found")
)

// Client is a registered OAuth client. Clients are created once at
// registration and never updated or deleted by this library.
type Client struct {
	ClientID         string
	ClientName       string
	ClientSecretHash string // bcrypt hash; empty for public clients
	RedirectURIs     []string
	CreatedAt        time.Time
}

// AuthorizationRequest is the bundle of authorization-request parameters
// bound to a single-use code. It is created on consent approval, consumed
// atomically exactly once by the token endpoint, and never mutated.
type AuthorizationRequest struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AccessToken is the persisted record of an issued bearer token. Only the
// SHA-256 hash of the token string is stored; the plaintext is returned to
// the client exactly once at mint time.
type AccessToken struct {
	ID        string
	ClientID  string
	UserID    string
	TokenHash string // hex-encoded SHA-256 of the bearer token
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code is past its TTL at the given instant.
func (a *AuthorizationRequest) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Expired reports whether the token is past its TTL at the given instant.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ClientStore persists registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient stores a newly registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound when
	// the ID does not resolve.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore holds in-flight authorization codes with a short TTL.
//
// TakeCode is the single atomicity-critical operation of the server: under
// concurrent redemption of the same code exactly one caller receives the
// record and every other caller gets ErrCodeNotFound. Implementations must
// use a primitive with single-winner semantics (mutex-guarded map delete,
// Redis GETDEL, SQL DELETE ... RETURNING).
type CodeStore interface {
	// PutCode stores a record under its code. Returns ErrCodeExists on
	// collision so the caller can regenerate; existing entries are never
	// overwritten.
	PutCode(ctx context.Context, req *AuthorizationRequest) error

	// TakeCode atomically retrieves and deletes the record for a code.
	// Expired records are invisible and reported as ErrCodeNotFound.
	TakeCode(ctx context.Context, code string) (*AuthorizationRequest, error)
}

// TokenStore persists issued access tokens, keyed by token hash.
// Writes are append-only; no update path exists.
type TokenStore interface {
	// SaveToken stores a freshly minted token record.
	SaveToken(ctx context.Context, token *AccessToken) error

	// GetTokenByHash retrieves a token record by the hex-encoded SHA-256
	// hash of the presented bearer token. Used by the resource server to
	// authorize API calls. Returns ErrTokenNotFound when the hash does not
	// resolve; expired records are reported the same way.
	GetTokenByHash(ctx context.Context, hash string) (*AccessToken, error)
}
