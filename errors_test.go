package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("d"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("d"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid grant", ErrInvalidGrant("d"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"unsupported grant type", ErrUnsupportedGrantType("d"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"unsupported response type", ErrUnsupportedResponseType("d"), ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{"server error", ErrServerError("d"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}

func TestErrorUnwrapsThroughWrapping(t *testing.T) {
	oerr := ErrInvalidGrant("code expired")
	wrapped := fmt.Errorf("exchange failed: %w", oerr)

	var got *Error
	if !errors.As(wrapped, &got) {
		t.Fatal("errors.As failed to find *Error")
	}
	if got.Code != ErrorCodeInvalidGrant {
		t.Errorf("code = %q, want invalid_grant", got.Code)
	}
}

func TestValidationError(t *testing.T) {
	verr := NewValidationError()
	if verr.HasErrors() {
		t.Error("fresh validation error reports problems")
	}

	verr.Add("client_name", "client_name is required")
	verr.Add("client_name", "second problem is dropped")
	verr.Add("redirect_uris[0]", "must be an absolute URI")

	if !verr.HasErrors() {
		t.Error("HasErrors() = false after Add")
	}
	if got := verr.Fields["client_name"]; got != "client_name is required" {
		t.Errorf("first problem did not win: %q", got)
	}

	// Error strings are deterministic regardless of map iteration order.
	want := "invalid registration request: client_name: client_name is required; redirect_uris[0]: must be an absolute URI"
	for i := 0; i < 10; i++ {
		if got := verr.Error(); got != want {
			t.Fatalf("Error() = %q, want %q", got, want)
		}
	}
}
