// Package testutil provides small helpers shared by tests across packages.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// S256Challenge computes the PKCE S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// RandomVerifier returns a valid RFC 7636 code verifier (43 characters of
// base64url-encoded randomness).
func RandomVerifier() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
