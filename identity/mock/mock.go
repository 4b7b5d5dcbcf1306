// Package mock provides a static identity provider for tests and examples.
package mock

import (
	"context"
	"net/http"

	"github.com/giantswarm/mcp-authserver/identity"
)

// Provider always reports the configured user as authenticated. An empty
// UserID simulates an anonymous browser.
type Provider struct {
	UserID string

	// Err, when set, is returned instead of any user ID.
	Err error
}

var _ identity.Provider = (*Provider)(nil)

// NewProvider creates a mock provider for the given user.
func NewProvider(userID string) *Provider {
	return &Provider{UserID: userID}
}

// CurrentUserID returns the configured user ID.
func (p *Provider) CurrentUserID(_ context.Context, _ *http.Request) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	if p.UserID == "" {
		return "", identity.ErrNoAuthenticatedUser
	}
	return p.UserID, nil
}
