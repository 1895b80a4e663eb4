package secctx

import "context"

// securityContextKey is unexported so the value can only enter through With/Run.
type securityContextKey struct{}

// With returns a derived context carrying sc. The nearest enclosing value wins.
func With(ctx context.Context, sc SecurityContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, securityContextKey{}, sc)
}

// Lookup reports the nearest SecurityContext attached to ctx.
func Lookup(ctx context.Context) (SecurityContext, bool) {
	if ctx == nil {
		return SecurityContext{}, false
	}
	sc, ok := ctx.Value(securityContextKey{}).(SecurityContext)
	return sc, ok
}

// From returns the nearest SecurityContext, or None outside any Run/With.
func From(ctx context.Context) SecurityContext {
	sc, _ := Lookup(ctx)
	return sc
}

// Run executes fn with sc attached to its context. Goroutines started by fn
// from the derived context observe sc as well, including ones that outlive
// the call.
func Run(ctx context.Context, sc SecurityContext, fn func(ctx context.Context) error) error {
	return fn(With(ctx, sc))
}

// RunValue is Run for functions producing a value.
//
//	n, err := secctx.RunValue(ctx, secctx.Tenant(id), func(ctx context.Context) (int, error) {
//	    return store.CountOrders(ctx)
//	})
func RunValue[T any](ctx context.Context, sc SecurityContext, fn func(ctx context.Context) (T, error)) (T, error) {
	return fn(With(ctx, sc))
}
