package persistence

import "context"

type includeDeletedContextKey struct{}

// WithDeleted makes reads on ctx return soft deleted entities. Reads with
// this flag bypass both cache tiers and never write back.
func WithDeleted(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, includeDeletedContextKey{}, true)
}

func includeDeleted(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(includeDeletedContextKey{}).(bool)
	return v
}
