// Package security provides supporting security features for the OAuth
// server.
//
// It contains the audit logger, which records security-relevant events
// (registrations, consent decisions, code and token issuance, auth
// failures) with user identifiers hashed before logging, and the response
// header helper applied to every OAuth endpoint.
package security
