package header

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/giantswarm/mcp-authserver/identity"
)

func TestCurrentUserID(t *testing.T) {
	p := New("")

	req := httptest.NewRequest("POST", "/oauth/authorize", nil)
	req.Header.Set(DefaultHeader, "alice@example.com")

	userID, err := p.CurrentUserID(context.Background(), req)
	if err != nil {
		t.Fatalf("CurrentUserID() error = %v", err)
	}
	if userID != "alice@example.com" {
		t.Errorf("userID = %q", userID)
	}
}

func TestCurrentUserIDMissingHeader(t *testing.T) {
	p := New("")

	req := httptest.NewRequest("POST", "/oauth/authorize", nil)
	if _, err := p.CurrentUserID(context.Background(), req); !errors.Is(err, identity.ErrNoAuthenticatedUser) {
		t.Errorf("error = %v, want ErrNoAuthenticatedUser", err)
	}
}

func TestCustomHeaderName(t *testing.T) {
	p := New("X-Auth-User")

	req := httptest.NewRequest("POST", "/oauth/authorize", nil)
	req.Header.Set("X-Auth-User", "bob")
	req.Header.Set(DefaultHeader, "ignored")

	userID, err := p.CurrentUserID(context.Background(), req)
	if err != nil {
		t.Fatalf("CurrentUserID() error = %v", err)
	}
	if userID != "bob" {
		t.Errorf("userID = %q, want bob", userID)
	}
}
