package oauth

import (
	"testing"
	"time"
)

func TestServerConfigDefaults(t *testing.T) {
	cfg := &ServerConfig{Issuer: "https://auth.example.com"}
	if err := cfg.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults() error = %v", err)
	}

	if cfg.Resource != cfg.Issuer {
		t.Errorf("resource = %q, want issuer", cfg.Resource)
	}
	if cfg.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("code TTL = %v, want %v", cfg.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("token TTL = %v, want %v", cfg.AccessTokenTTL, DefaultAccessTokenTTL)
	}
}

func TestServerConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		issuer string
		wantOK bool
	}{
		{"https issuer", "https://auth.example.com", true},
		{"http issuer", "http://localhost:8080", true},
		{"empty issuer", "", false},
		{"relative issuer", "/auth", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ServerConfig{Issuer: tt.issuer}
			err := cfg.applyDefaults()
			if (err == nil) != tt.wantOK {
				t.Errorf("applyDefaults() error = %v, wantOK %v", err, tt.wantOK)
			}
		})
	}
}

func TestServerConfigKeepsExplicitValues(t *testing.T) {
	cfg := &ServerConfig{
		Issuer:               "https://auth.example.com",
		Resource:             "https://mcp.example.com",
		AuthorizationCodeTTL: time.Minute,
		AccessTokenTTL:       time.Hour,
	}
	if err := cfg.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults() error = %v", err)
	}

	if cfg.Resource != "https://mcp.example.com" {
		t.Errorf("resource overwritten: %q", cfg.Resource)
	}
	if cfg.AuthorizationCodeTTL != time.Minute || cfg.AccessTokenTTL != time.Hour {
		t.Error("explicit TTLs overwritten")
	}
}

func TestEndpointJoining(t *testing.T) {
	tests := []struct {
		issuer string
		path   string
		want   string
	}{
		{"https://auth.example.com", PathToken, "https://auth.example.com/oauth/token"},
		{"https://auth.example.com/", PathToken, "https://auth.example.com/oauth/token"},
		{"https://auth.example.com//", PathAuthorize, "https://auth.example.com/oauth/authorize"},
	}

	for _, tt := range tests {
		cfg := &ServerConfig{Issuer: tt.issuer}
		if got := cfg.endpoint(tt.path); got != tt.want {
			t.Errorf("endpoint(%q, %q) = %q, want %q", tt.issuer, tt.path, got, tt.want)
		}
	}
}
