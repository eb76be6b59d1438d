// Package auth carries the authenticated principal handed over by the
// identity provider through the request context.
package auth

import "context"

// Principal is the caller as asserted by the identity provider
type Principal struct {
	ID       string
	Username string
	IsAdmin  bool
}

// Anonymous reports whether no identity was established
func (p Principal) Anonymous() bool {
	return p.ID == ""
}

type contextKey struct{}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored in ctx, or the anonymous principal
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok && !p.Anonymous()
}
