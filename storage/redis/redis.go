// Package redis provides a Redis-backed implementation of the CodeStore
// interface. Authorization codes are short-lived and single use, which maps
// directly onto Redis keys with a TTL and atomic GETDEL consumption. Loss of
// this data only interrupts in-flight logins; clients and tokens stay in a
// durable store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-authserver/storage"
)

const defaultKeyPrefix = "mcp-authserver:code:"

// CodeStore is a Redis-backed implementation of storage.CodeStore.
//
// TakeCode uses GETDEL, so consumption is atomic at the Redis level and safe
// across multiple server instances: of N concurrent redemptions exactly one
// receives the value.
type CodeStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

var _ storage.CodeStore = (*CodeStore)(nil)

// codeJSON is the stored wire form of an authorization request.
type codeJSON struct {
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// NewCodeStore creates a new Redis code store on top of an existing client.
// The caller owns the client and its lifecycle.
func NewCodeStore(client redis.UniversalClient) (*CodeStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &CodeStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		logger:    slog.Default(),
	}, nil
}

// SetLogger sets a custom logger.
func (s *CodeStore) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetKeyPrefix overrides the key prefix, for shared Redis deployments.
func (s *CodeStore) SetKeyPrefix(prefix string) {
	if prefix != "" {
		s.keyPrefix = prefix
	}
}

// PutCode stores an authorization request under its code with a TTL derived
// from the record's expiry. SET NX refuses to overwrite an existing key;
// collisions are reported as storage.ErrCodeExists so the caller
// regenerates.
func (s *CodeStore) PutCode(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.Code == "" {
		return fmt.Errorf("invalid authorization request")
	}

	ttl := time.Until(req.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization request already expired")
	}

	data, err := json.Marshal(codeJSON{
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           req.CreatedAt,
		ExpiresAt:           req.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization request: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(req.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if !ok {
		return storage.ErrCodeExists
	}

	s.logger.Debug("Saved authorization code", "client_id", req.ClientID)
	return nil
}

// TakeCode atomically retrieves and deletes the record for a code via
// GETDEL. Expired keys are evicted by Redis and behave as not found; the
// expiry is re-checked after the read to close the gap between logical
// expiry and eviction.
func (s *CodeStore) TakeCode(ctx context.Context, code string) (*storage.AuthorizationRequest, error) {
	data, err := s.client.GetDel(ctx, s.key(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to take authorization code: %w", err)
	}

	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization request: %w", err)
	}

	req := &storage.AuthorizationRequest{
		Code:                code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           j.CreatedAt,
		ExpiresAt:           j.ExpiresAt,
	}
	if req.Expired(time.Now()) {
		return nil, storage.ErrCodeNotFound
	}

	return req, nil
}

func (s *CodeStore) key(code string) string {
	return s.keyPrefix + code
}
