// Package audit provides structured audit logging for security-relevant
// gateway events: authentication, group access decisions, grant
// issuance, and object lifecycle transitions.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Logger emits audit events with structured fields for easy filtering
// and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogAuth logs a token authentication attempt.
// subject: the authenticated subject (empty for failed attempts)
// result: "allowed" or "denied"
// details: additional context (e.g., verification error)
// sourceIP: source IP address of the request
func (l *Logger) LogAuth(subject, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("subject", subject).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogAccess logs a group access decision.
// subject: the caller
// operation: gateway operation (e.g., "UploadURL", "List", "Archive")
// groupID: the group the operation targets
// key: object key (may be empty for group-level operations)
// result: "allowed" or "denied"
// reason: why access was denied (empty for allowed)
func (l *Logger) LogAccess(subject, operation, groupID, key, result, reason string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "access").
		Str("subject", subject).
		Str("operation", operation).
		Str("group_id", groupID).
		Str("result", result)

	if key != "" {
		event = event.Str("key", key)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Access event")
}

// LogGrant logs the issuance of a signed URL grant.
// subject: the caller the grant was minted for
// kind: "upload" or "download"
// key: the object key the grant is scoped to
// expiresAt: when the grant stops working
func (l *Logger) LogGrant(subject, kind, key string, expiresAt time.Time) {
	l.logger.Info().
		Str("event_type", "grant").
		Str("subject", subject).
		Str("kind", kind).
		Str("key", key).
		Time("expires_at", expiresAt).
		Msg("Grant issued")
}

// LogLifecycle logs an object lifecycle transition.
// subject: the caller
// action: "archive", "purge", or "delete"
// groupID: owning group
// oldKey: the key before the transition
// newKey: the key after the transition (empty for deletions)
func (l *Logger) LogLifecycle(subject, action, groupID, oldKey, newKey string) {
	event := l.logger.Info().
		Str("event_type", "lifecycle").
		Str("subject", subject).
		Str("action", action).
		Str("group_id", groupID).
		Str("old_key", oldKey)

	if newKey != "" {
		event = event.Str("new_key", newKey)
	}

	event.Msg("Lifecycle event")
}
