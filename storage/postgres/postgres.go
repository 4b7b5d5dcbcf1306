// Package postgres provides a PostgreSQL implementation of all storage
// interfaces, suitable for production deployments that need clients and
// tokens to survive restarts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/giantswarm/mcp-authserver/storage"
)

// Schema contains the DDL for the tables used by this store. Apply it with
// Migrate or through an external migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id          TEXT PRIMARY KEY,
	client_name        TEXT NOT NULL,
	client_secret_hash TEXT NOT NULL DEFAULT '',
	redirect_uris      TEXT[] NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
	code                  TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	expires_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_access_tokens (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS oauth_access_tokens_expires_at_idx
	ON oauth_access_tokens (expires_at);
`

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed implementation of storage.ClientStore,
// storage.CodeStore, and storage.TokenStore.
//
// TakeCode uses DELETE ... RETURNING, so code consumption is atomic at the
// database level and safe across multiple server instances.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new PostgreSQL store on top of an existing database handle.
// The caller owns the handle and its lifecycle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{
		db:     db,
		logger: slog.Default(),
	}, nil
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Migrate applies the store schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_clients (client_id, client_name, client_secret_hash, redirect_uris, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		client.ClientID, client.ClientName, client.ClientSecretHash,
		pq.Array(client.RedirectURIs), client.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var client storage.Client
	var uris pq.StringArray

	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, client_name, client_secret_hash, redirect_uris, created_at
		 FROM oauth_clients WHERE client_id = $1`, clientID).
		Scan(&client.ClientID, &client.ClientName, &client.ClientSecretHash, &uris, &client.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client.RedirectURIs = []string(uris)
	return &client, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// PutCode stores an authorization request. A primary key violation is
// reported as storage.ErrCodeExists so the caller regenerates the code.
func (s *Store) PutCode(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.Code == "" {
		return fmt.Errorf("invalid authorization request")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_authorization_codes
		 (code, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.Code, req.ClientID, req.UserID, req.RedirectURI,
		req.CodeChallenge, req.CodeChallengeMethod, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return storage.ErrCodeExists
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code", "client_id", req.ClientID)
	return nil
}

// TakeCode atomically retrieves and deletes the record for a code using
// DELETE ... RETURNING. Concurrent redemptions of the same code resolve to
// exactly one winner; everyone else sees zero rows. Expired rows are
// filtered in the same statement, so an expired-but-not-yet-reclaimed code
// behaves as not found (and is deleted either way).
func (s *Store) TakeCode(ctx context.Context, code string) (*storage.AuthorizationRequest, error) {
	var req storage.AuthorizationRequest

	err := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_authorization_codes
		 WHERE code = $1
		 RETURNING code, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, created_at, expires_at`,
		code).
		Scan(&req.Code, &req.ClientID, &req.UserID, &req.RedirectURI,
			&req.CodeChallenge, &req.CodeChallengeMethod, &req.CreatedAt, &req.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to take authorization code: %w", err)
	}

	if req.Expired(time.Now()) {
		return nil, storage.ErrCodeNotFound
	}

	return &req, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores a minted access token record.
func (s *Store) SaveToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid token")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_access_tokens (id, client_id, user_id, token_hash, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.ClientID, token.UserID, token.TokenHash,
		token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	s.logger.Debug("Saved access token", "token_id", token.ID, "client_id", token.ClientID)
	return nil
}

// GetTokenByHash retrieves a token record by hash. Expired rows are
// filtered in the query.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*storage.AccessToken, error) {
	var token storage.AccessToken

	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, user_id, token_hash, created_at, expires_at
		 FROM oauth_access_tokens WHERE token_hash = $1 AND expires_at > now()`, hash).
		Scan(&token.ID, &token.ClientID, &token.UserID, &token.TokenHash,
			&token.CreatedAt, &token.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	return &token, nil
}

// DeleteExpiredTokens removes access token rows past their expiry. Intended
// for an external cleanup job; the server itself never calls it.
func (s *Store) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_access_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted tokens: %w", err)
	}
	return n, nil
}
