package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Auditor emits structured audit events for security-relevant operations.
// User keys are hashed before logging so the audit trail carries no raw
// account identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor that writes to logger. When enabled is false
// every Log method is a no-op.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger.With("component", "audit"),
		enabled: enabled,
	}
}

// Enabled reports whether audit logging is active.
func (a *Auditor) Enabled() bool {
	return a != nil && a.enabled
}

// LogEvent records a generic audit event with arbitrary attributes.
func (a *Auditor) LogEvent(event string, attrs ...any) {
	if !a.Enabled() {
		return
	}
	args := make([]any, 0, len(attrs)+2)
	args = append(args, "event", event)
	args = append(args, attrs...)
	a.logger.Info("audit", args...)
}

// LogAuthFailure records a failed authentication or authorization attempt.
func (a *Auditor) LogAuthFailure(userKey, clientID, reason string) {
	if !a.Enabled() {
		return
	}
	a.logger.Warn("audit",
		"event", "auth_failure",
		"user_hash", hashForLogging(userKey),
		"client_id", clientID,
		"reason", reason,
		"timestamp", time.Now().UTC().Format(time.RFC3339))
}

// LogTokenIssued records successful token issuance.
func (a *Auditor) LogTokenIssued(userKey, clientID string, scope []string) {
	if !a.Enabled() {
		return
	}
	a.logger.Info("audit",
		"event", "token_issued",
		"user_hash", hashForLogging(userKey),
		"client_id", clientID,
		"scope", strings.Join(scope, " "),
		"timestamp", time.Now().UTC().Format(time.RFC3339))
}

// LogTokenRevoked records token revocation. Kind distinguishes what triggered
// the revocation, for example "refresh_rotation" or "client_delete".
func (a *Auditor) LogTokenRevoked(userKey, clientID, kind string) {
	if !a.Enabled() {
		return
	}
	a.logger.Info("audit",
		"event", "token_revoked",
		"user_hash", hashForLogging(userKey),
		"client_id", clientID,
		"kind", kind,
		"timestamp", time.Now().UTC().Format(time.RFC3339))
}

// LogClientRegistered records dynamic registration of a new client.
func (a *Auditor) LogClientRegistered(clientID string) {
	if !a.Enabled() {
		return
	}
	a.logger.Info("audit",
		"event", "client_registered",
		"client_id", clientID,
		"timestamp", time.Now().UTC().Format(time.RFC3339))
}

// LogClientDeleted records client deletion along with the number of tokens
// revoked by the cascade.
func (a *Auditor) LogClientDeleted(clientID string, revoked int) {
	if !a.Enabled() {
		return
	}
	a.logger.Info("audit",
		"event", "client_deleted",
		"client_id", clientID,
		"tokens_revoked", revoked,
		"timestamp", time.Now().UTC().Format(time.RFC3339))
}

// LogRateLimitExceeded records a rejected request due to rate limiting.
func (a *Auditor) LogRateLimitExceeded(identifier, endpoint string) {
	if !a.Enabled() {
		return
	}
	a.logger.Warn("audit",
		"event", "rate_limit_exceeded",
		"identifier_hash", hashForLogging(identifier),
		"endpoint", endpoint,
		"timestamp", time.Now().UTC().Format(time.RFC3339))
}

// hashForLogging returns a truncated SHA-256 of the value so audit records
// can be correlated without exposing the raw identifier.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
