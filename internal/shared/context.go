package shared

import "context"

// Scope carries the tenant boundary and acting principal for a request.
// Both are supplied by the authentication collaborator upstream; this
// service trusts them as already validated.
type Scope struct {
	OrgID   int64
	ActorID int64
}

type scopeContextKey struct{}

// ContextWithScope stores the request scope in context.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext extracts the request scope from context.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	return scope, ok && scope.OrgID != 0
}
