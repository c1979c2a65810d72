package adapter

import "context"

type idempotencyKey struct{}

// WithIdempotencyKey attaches the key used for every attempt of one logical remote call.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFromContext returns the key set by WithIdempotencyKey, if any.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok && key != ""
}
