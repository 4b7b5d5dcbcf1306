// Package identity defines the interface to the end-user identity provider.
//
// The authorization server never authenticates end-users itself. During the
// consent step it asks the configured Provider for the identifier of the
// user driving the browser; everything else about how that user was
// authenticated (session cookie, reverse-proxy header, upstream IdP) is the
// provider's concern.
package identity

import (
	"context"
	"errors"
	"net/http"
)

// ErrNoAuthenticatedUser is returned when no end-user is authenticated for
// the current request.
var ErrNoAuthenticatedUser = errors.New("no authenticated user")

// Provider supplies the opaque identifier of the currently authenticated
// end-user. It is consulted exactly once per consent decision.
type Provider interface {
	// CurrentUserID returns the opaque user identifier for the given
	// request, or ErrNoAuthenticatedUser when nobody is signed in.
	CurrentUserID(ctx context.Context, r *http.Request) (string, error)
}
