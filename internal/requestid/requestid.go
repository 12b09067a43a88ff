// Package requestid threads a request-scoped correlation ID through contexts.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New generates a request ID and attaches it to the context.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, ctxKey{}, id), id
}

// WithRequestID attaches an existing ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID, generating one if absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
