// Package memory provides an in-memory implementation of the OAuth storage
// interfaces.
//
// This package implements ClientStore, CodeStore, and TokenStore using Go
// maps under a single mutex. The shared critical section is what makes
// TakeCode a single-winner operation. A background goroutine reclaims
// expired codes and tokens on a configurable interval.
//
// Suitable for development, testing, and single-instance deployments where
// durability is not required.
package memory
