// Package storage provides interfaces and record types for OAuth client,
// authorization code, and access token persistence.
//
// The storage package defines the three stores used throughout the
// mcp-authserver library:
//   - ClientStore: registered OAuth clients (durable)
//   - CodeStore: in-flight single-use authorization codes (short TTL,
//     volatile backing is acceptable)
//   - TokenStore: issued access tokens, keyed by token hash (durable)
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/postgres: PostgreSQL storage for production deployments
//   - storage/redis: Redis-backed code store for multi-instance deployments
package storage
