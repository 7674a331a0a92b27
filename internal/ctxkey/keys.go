// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger.
// The API middleware stores a logger enriched with the request id under this
// key; services retrieve it to keep log lines correlated per request.
type LoggerKey struct{}
