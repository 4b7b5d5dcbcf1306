package oauth

import (
	"fmt"
	"net/url"
	"time"
)

// ServerConfig holds OAuth server configuration
type ServerConfig struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	// Endpoint URLs in the discovery documents are derived from it.
	Issuer string

	// Resource is the identifier of the protected resource this server
	// issues tokens for. Defaults to Issuer.
	Resource string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 5 minutes. A code not redeemed in time is rejected as
	// invalid_grant and the flow must restart.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 30 days. Expiry is fixed at mint time.
	AccessTokenTTL time.Duration
}

// applyDefaults fills zero values and validates the issuer.
func (c *ServerConfig) applyDefaults() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || !parsed.IsAbs() {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}

	if c.Resource == "" {
		c.Resource = c.Issuer
	}
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}

	return nil
}

// endpoint joins a path onto the issuer base URL.
func (c *ServerConfig) endpoint(path string) string {
	base := c.Issuer
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
