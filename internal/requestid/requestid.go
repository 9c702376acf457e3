// Package requestid carries a per-request correlation id through contexts
// and log lines.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header the id travels in.
const Header = "X-Request-ID"

const maxLen = 128

type ctxKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id in ctx, or "" when there is none.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Resolve returns incoming when it is a usable id, otherwise a fresh one.
func Resolve(incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" || len(incoming) > maxLen || strings.ContainsAny(incoming, "\r\n") {
		return uuid.New().String()
	}
	return incoming
}

// Logger returns logger annotated with the id in ctx, if any.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	id := FromContext(ctx)
	if id == "" {
		return logger
	}
	return logger.With().Str("request_id", id).Logger()
}
