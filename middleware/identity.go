package middleware

import "context"

// identityKey is the private key type used for context.WithValue.
// Using a private type prevents collisions with other context keys.
type identityKey struct{}

// Identity carries the authenticated caller attributes an upstream auth
// layer resolved for this request. All fields are optional.
type Identity struct {
	UserID   string
	APIKey   string
	Tier     string
	Metadata map[string]any
}

// WithIdentity returns a new context derived from ctx that carries id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the Identity from ctx. The zero Identity and
// false are returned when none was attached.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
