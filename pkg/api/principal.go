package api

import (
	"context"
	"errors"
)

// Principal is the authenticated caller of a kernel capability. The
// dispatcher's contract allowlists match on Role.
type Principal struct {
	// Subject is the stable caller identity (service account id).
	Subject string
	// TenantID binds the caller to one tenant; every envelope it submits
	// must carry the same tenant.
	TenantID string
	// Role is the caller role checked against contract allowlists,
	// e.g. "selene-orchestrator".
	Role string
}

type principalKey struct{}

// ErrNoPrincipal is returned when a handler runs outside the auth
// middleware.
var ErrNoPrincipal = errors.New("api: no principal in context")

// WithPrincipal attaches the authenticated caller to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the authenticated caller.
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}
