// Package instrumentation provides OpenTelemetry metrics and tracing for
// the authorization server.
//
// The package wraps OTel providers behind a single Instrumentation value
// that the server, HTTP handler, and storage backends share. When disabled
// (or when no providers are supplied) everything degrades to no-op
// instruments with zero overhead, so instrumentation calls never need to be
// guarded at call sites beyond a nil check.
//
// Hosts that run their own OTel SDK pass their MeterProvider and
// TracerProvider through Config; the library never installs globals.
package instrumentation
