package oauth

import "time"

// Protocol constants. The server supports exactly one value for each of the
// grant type, response type, PKCE method, and client auth method; anything
// else is rejected at parse time.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	ResponseTypeCode           = "code"
	PKCEMethodS256             = "S256"
	TokenEndpointAuthMethod    = "client_secret_post"
	TokenTypeBearer            = "bearer"
)

// PKCE code verifier length bounds (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// Default lifetimes. Authorization codes are deliberately short-lived; a
// code not redeemed within the TTL forces the flow to restart.
const (
	DefaultAuthorizationCodeTTL = 5 * time.Minute
	DefaultAccessTokenTTL       = 30 * 24 * time.Hour
)

// Well-known and endpoint paths served by Handler.RegisterRoutes.
const (
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathRegister                    = "/oauth/register"
	PathAuthorize                   = "/oauth/authorize"
	PathToken                       = "/oauth/token"
)
