package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRequestSubmitted   AuditEvent = "request_submitted"
	AuditCSRImported        AuditEvent = "csr_imported"
	AuditRequestApproved    AuditEvent = "request_approved"
	AuditRequestRejected    AuditEvent = "request_rejected"
	AuditArtifactDownloaded AuditEvent = "artifact_downloaded"
	AuditPrivateKeyAccessed AuditEvent = "private_key_accessed"
	AuditAuthFailed         AuditEvent = "auth_failed"
	AuditRateLimited        AuditEvent = "rate_limited"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(level slog.Level, event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
}

// logRequest is a convenience for events about a single request.
func (al *auditLogger) logRequest(event AuditEvent, r *http.Request, requestID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("request_id", requestID),
	}
	attrs = append(attrs, extra...)
	al.log(slog.LevelInfo, event, r, attrs...)
}

// logFailure logs a refused call.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(slog.LevelWarn, event, r, attrs...)
}
