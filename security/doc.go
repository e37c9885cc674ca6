// Package security provides supporting security primitives for the
// authorization server: per-client rate limiting, audit logging with hashed
// identifiers, request ID propagation, client IP extraction behind proxies,
// and AES-256-GCM encryption of stored credentials.
package security
