// Package audit emits security events as structured log lines. Storage and
// shipping of those lines belong to the log pipeline.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and subject context.
// Failed outcomes are logged at warn level.
func LogEvent(ctx context.Context, event string, success bool, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	log := obs.Logger()
	ev := log.Info()
	if !success {
		ev = log.Warn()
	}
	ev = ev.Str("type", "audit").Str("event", event).Bool("success", success)
	if rid := RequestIDFromContext(ctx); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		ev = ev.Str("subject", claims.Subject).Str("role", claims.Role)
	}
	dict := zerolog.Dict()
	for k, v := range fields {
		dict = dict.Str(k, v)
	}
	ev.Dict("fields", dict).Msg("audit")
	return nil
}
