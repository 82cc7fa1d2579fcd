package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	batchIDKey   ctxKey = "batch_id"
	sessionIDKey ctxKey = "session_id"
)

// ContextWithBatchID stores the batch identifier in the context.
func ContextWithBatchID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, batchIDKey, id)
}

// ContextWithSessionID stores the caller session identifier in the context.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

// BatchIDFromContext extracts the batch identifier from ctx if present.
func BatchIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(batchIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session identifier from ctx if present.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if bid := BatchIDFromContext(ctx); bid != "" {
		builder = builder.Str("batch_id", bid)
		added = true
	}
	if sid := SessionIDFromContext(ctx); sid != "" {
		builder = builder.Str("session_id", sid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a component logger enriched with
// correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
