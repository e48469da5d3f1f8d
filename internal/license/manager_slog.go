package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cutclip/internal/infrastructure"
)

// logAction logs a license action with trace correlation
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	allAttrs := []slog.Attr{
		slog.String("action", action),
		slog.String("result", result),
	}
	if traceID := infrastructure.TraceIDFromContext(ctx); traceID != "" {
		allAttrs = append(allAttrs, slog.String("otel_trace_id", traceID))
	}
	allAttrs = append(allAttrs, attrs...)

	m.logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logLicenseAction logs an action involving a license key. The key and
// email never appear in clear text.
func (m *Manager) logLicenseAction(ctx context.Context, level slog.Level, action, result, licenseKey, userEmail string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.key_masked", maskLicenseKey(licenseKey)),
			attribute.Bool("license.has_email", userEmail != ""),
		)
	}

	licenseAttrs := []slog.Attr{
		slog.String("license_key_masked", maskLicenseKey(licenseKey)),
		slog.String("license_key_hash", hashLicenseKey(licenseKey)),
	}
	if userEmail != "" {
		licenseAttrs = append(licenseAttrs, slog.String("user_email_masked", maskEmail(userEmail)))
	}
	licenseAttrs = append(licenseAttrs, attrs...)

	m.logAction(ctx, level, action, result, licenseAttrs...)
}

// maskLicenseKey keeps the first and last group of a key
func maskLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// maskEmail masks the local part and keeps the domain
func maskEmail(email string) string {
	if email == "" {
		return ""
	}

	at := strings.Index(email, "@")
	if at == -1 {
		return "****"
	}

	user, domain := email[:at], email[at:]
	if len(user) <= 2 {
		return "**" + domain
	}
	return user[:1] + "****" + user[len(user)-1:] + domain
}

// hashLicenseKey returns a short digest for correlating audit lines
func hashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}

func errAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
