package middleware

import (
	"context"

	"directChat/pkg/api"
)

type contextKey struct{}

var identityKey = contextKey{}

func WithIdentity(ctx context.Context, identity api.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom returns the identity stored by Authenticator.
func IdentityFrom(ctx context.Context) (api.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(api.Identity)
	return identity, ok && identity.UID != ""
}
