// Package header provides an identity provider that reads the end-user
// identifier from a trusted request header, as set by an authenticating
// reverse proxy (oauth2-proxy, Pomerium, and similar).
//
// Only deploy this provider behind a proxy that strips the header from
// client-supplied requests; otherwise any browser can impersonate any user.
package header

import (
	"context"
	"net/http"

	"github.com/giantswarm/mcp-authserver/identity"
)

// DefaultHeader is the header consulted when none is configured.
const DefaultHeader = "X-Forwarded-User"

// Provider reads the authenticated user ID from a request header.
type Provider struct {
	header string
}

var _ identity.Provider = (*Provider)(nil)

// New creates a provider reading the given header. An empty name selects
// DefaultHeader.
func New(headerName string) *Provider {
	if headerName == "" {
		headerName = DefaultHeader
	}
	return &Provider{header: headerName}
}

// CurrentUserID returns the header value, or ErrNoAuthenticatedUser when
// the header is absent or empty.
func (p *Provider) CurrentUserID(_ context.Context, r *http.Request) (string, error) {
	userID := r.Header.Get(p.header)
	if userID == "" {
		return "", identity.ErrNoAuthenticatedUser
	}
	return userID, nil
}
