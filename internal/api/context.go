package api

import "context"

// Scope 请求的租户范围（由鉴权中间件注入）
type Scope struct {
	TenantID string
	Subject  string
	Roles    []string
}

type scopeContextKey struct{}

// WithScope 将 Scope 注入 context
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext 从 context 取出 Scope
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(*Scope)
	return scope, ok
}
