// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Store is an in-memory implementation of storage.ClientStore,
// storage.CodeStore, and storage.TokenStore. A single RWMutex guards all
// maps, which gives TakeCode its single-winner guarantee: the lookup and
// delete happen under one critical section.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationRequest
	tokens  map[string]*storage.AccessToken // keyed by token hash

	// Atomic counters for metrics (lock-free access during collection)
	clientsCountAtomic atomic.Int64
	codesCountAtomic   atomic.Int64
	tokensCountAtomic  atomic.Int64

	instrumentation *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationRequest),
		tokens:          make(map[string]*storage.AccessToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers size gauges for capacity planning and leak detection.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = cloneClient(client)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// PutCode stores an authorization request under its code. Existing entries
// are never overwritten; a collision is reported so the caller regenerates.
func (s *Store) PutCode(_ context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.Code == "" {
		return fmt.Errorf("invalid authorization request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[req.Code]; exists {
		return storage.ErrCodeExists
	}

	cp := *req
	s.codes[req.Code] = &cp
	s.codesCountAtomic.Add(1)

	s.logger.Debug("Saved authorization code", "client_id", req.ClientID)
	return nil
}

// TakeCode atomically retrieves and deletes the record for a code. The
// lookup and delete share one critical section, so of N concurrent callers
// exactly one wins. An expired-but-not-yet-evicted record behaves as not
// found and is removed on the way out.
func (s *Store) TakeCode(_ context.Context, code string) (*storage.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	delete(s.codes, code)
	s.codesCountAtomic.Add(-1)

	if req.Expired(time.Now()) {
		return nil, storage.ErrCodeNotFound
	}

	cp := *req
	return &cp, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores a minted access token record, keyed by token hash.
func (s *Store) SaveToken(_ context.Context, token *storage.AccessToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.TokenHash]; !exists {
		s.tokensCountAtomic.Add(1)
	}
	cp := *token
	s.tokens[token.TokenHash] = &cp

	s.logger.Debug("Saved access token", "token_id", token.ID, "client_id", token.ClientID)
	return nil
}

// GetTokenByHash retrieves a token record by hash. Expired records are
// reported as not found.
func (s *Store) GetTokenByHash(_ context.Context, hash string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if token.Expired(time.Now()) {
		return nil, storage.ErrTokenNotFound
	}

	cp := *token
	return &cp, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup reclaims expired authorization codes and access tokens.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var codesRemoved, tokensRemoved int

	for code, req := range s.codes {
		if req.Expired(now) {
			delete(s.codes, code)
			codesRemoved++
		}
	}
	for hash, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, hash)
			tokensRemoved++
		}
	}

	if codesRemoved > 0 {
		s.codesCountAtomic.Add(int64(-codesRemoved))
	}
	if tokensRemoved > 0 {
		s.tokensCountAtomic.Add(int64(-tokensRemoved))
	}

	if codesRemoved > 0 || tokensRemoved > 0 {
		s.logger.Debug("Cleaned up expired records",
			"codes_removed", codesRemoved,
			"tokens_removed", tokensRemoved)
	}
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &cp
}
