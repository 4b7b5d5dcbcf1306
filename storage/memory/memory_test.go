package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func testCode(code string, expiresAt time.Time) *storage.AuthorizationRequest {
	return &storage.AuthorizationRequest{
		Code:                code,
		ClientID:            "client-1",
		UserID:              "alice",
		RedirectURI:         "https://client.example.com/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           expiresAt,
	}
}

func TestClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:         "client-1",
		ClientName:       "Test",
		ClientSecretHash: "$2a$10$hash",
		RedirectURIs:     []string{"https://client.example.com/cb"},
		CreatedAt:        time.Now(),
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != "Test" || len(got.RedirectURIs) != 1 {
		t.Errorf("got %+v", got)
	}

	// Mutating the returned record must not touch the stored copy.
	got.RedirectURIs[0] = "https://evil.example.com"
	again, _ := s.GetClient(ctx, "client-1")
	if again.RedirectURIs[0] != "https://client.example.com/cb" {
		t.Error("store returned a shared slice")
	}

	if _, err := s.GetClient(ctx, "nope"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error = %v, want ErrClientNotFound", err)
	}
}

func TestPutCodeRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(5 * time.Minute)

	if err := s.PutCode(ctx, testCode("c1", expires)); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}
	if err := s.PutCode(ctx, testCode("c1", expires)); !errors.Is(err, storage.ErrCodeExists) {
		t.Errorf("duplicate PutCode() error = %v, want ErrCodeExists", err)
	}
}

func TestTakeCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutCode(ctx, testCode("c1", time.Now().Add(5*time.Minute))); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}

	req, err := s.TakeCode(ctx, "c1")
	if err != nil {
		t.Fatalf("TakeCode() error = %v", err)
	}
	if req.ClientID != "client-1" || req.UserID != "alice" {
		t.Errorf("got %+v", req)
	}

	// Second take fails: the code is gone.
	if _, err := s.TakeCode(ctx, "c1"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("second TakeCode() error = %v, want ErrCodeNotFound", err)
	}
}

func TestTakeCodeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutCode(ctx, testCode("c1", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}

	if _, err := s.TakeCode(ctx, "c1"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("TakeCode() error = %v, want ErrCodeNotFound for expired code", err)
	}
}

func TestTakeCodeSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutCode(ctx, testCode("contested", time.Now().Add(5*time.Minute))); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var winners atomic.Int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TakeCode(ctx, "contested"); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	token := &storage.AccessToken{
		ID:        "tok-1",
		ClientID:  "client-1",
		UserID:    "alice",
		TokenHash: "abc123",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := s.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := s.GetTokenByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if got.ID != "tok-1" || got.UserID != "alice" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetTokenByHash(ctx, "missing"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("error = %v, want ErrTokenNotFound", err)
	}
}

func TestGetTokenByHashExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.SaveToken(ctx, &storage.AccessToken{
		ID:        "tok-1",
		TokenHash: "abc123",
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	if _, err := s.GetTokenByHash(ctx, "abc123"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("error = %v, want ErrTokenNotFound for expired token", err)
	}
}

func TestCleanupEvictsExpiredRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.PutCode(ctx, testCode("live", now.Add(5*time.Minute)))
	_ = s.PutCode(ctx, testCode("dead", now.Add(-time.Minute)))
	_ = s.SaveToken(ctx, &storage.AccessToken{ID: "t1", TokenHash: "h1", ExpiresAt: now.Add(time.Hour)})
	_ = s.SaveToken(ctx, &storage.AccessToken{ID: "t2", TokenHash: "h2", ExpiresAt: now.Add(-time.Hour)})

	s.cleanup()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.codes["live"]; !ok {
		t.Error("live code was evicted")
	}
	if _, ok := s.codes["dead"]; ok {
		t.Error("expired code survived cleanup")
	}
	if _, ok := s.tokens["h1"]; !ok {
		t.Error("live token was evicted")
	}
	if _, ok := s.tokens["h2"]; ok {
		t.Error("expired token survived cleanup")
	}
}
