package lra

import "context"

type contextKey[T any] struct{}

// WithAction returns a context carrying a as the ambient action.
func WithAction(ctx context.Context, a *Action) context.Context {
	return context.WithValue(ctx, contextKey[*Action]{}, a)
}

// FromContext returns the ambient action, or nil.
func FromContext(ctx context.Context) *Action {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(contextKey[*Action]{}).(*Action)
	return a
}

// Suspend returns a context without an ambient action.
func Suspend(ctx context.Context) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey[*Action]{}, (*Action)(nil))
}
