// Package requestctx carries request-scoped values set by HTTP middleware.
package requestctx

import "context"

type contextKey struct{}

var clientIDKey = &contextKey{}

// SetClientID stores the authenticated API client in the context.
func SetClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientID returns the API client from context, or "" if not set.
func ClientID(ctx context.Context) string {
	v, _ := ctx.Value(clientIDKey).(string)
	return v
}
