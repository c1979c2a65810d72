package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// RetryPolicy bounds every remote call made through RetryingGateway.
type RetryPolicy struct {
	CallTimeout time.Duration
	MaxRetries  uint64
	BaseBackoff time.Duration
}

// RetryingGateway decorates a BillingGateway with a per-call timeout and bounded exponential
// retries of transient failures. Each logical call gets one idempotency key that every attempt
// reuses, so a retried write is never applied twice by the provider.
type RetryingGateway struct {
	next   BillingGateway
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryingGateway wraps next with the given policy.
func NewRetryingGateway(next BillingGateway, policy RetryPolicy, logger *zap.Logger) *RetryingGateway {
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = 10 * time.Second
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = 200 * time.Millisecond
	}
	return &RetryingGateway{next: next, policy: policy, logger: logger}
}

func (g *RetryingGateway) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	return call(ctx, g, OpCreateCustomer, params.OwnerID, func(ctx context.Context) (string, error) {
		return g.next.CreateCustomer(ctx, params)
	})
}

func (g *RetryingGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*RemoteSubscription, error) {
	return call(ctx, g, OpCreateSubscription, params.CustomerRef, func(ctx context.Context) (*RemoteSubscription, error) {
		return g.next.CreateSubscription(ctx, params)
	})
}

func (g *RetryingGateway) RetrieveSubscription(ctx context.Context, ref string) (*RemoteSubscription, error) {
	return call(ctx, g, OpRetrieveSubscription, ref, func(ctx context.Context) (*RemoteSubscription, error) {
		return g.next.RetrieveSubscription(ctx, ref)
	})
}

func (g *RetryingGateway) SaveSubscription(ctx context.Context, sub *RemoteSubscription) (*RemoteSubscription, error) {
	return call(ctx, g, OpSaveSubscription, sub.ID, func(ctx context.Context) (*RemoteSubscription, error) {
		return g.next.SaveSubscription(ctx, sub)
	})
}

func (g *RetryingGateway) CancelSubscription(ctx context.Context, ref string, immediate bool) (*RemoteSubscription, error) {
	return call(ctx, g, OpCancelSubscription, ref, func(ctx context.Context) (*RemoteSubscription, error) {
		return g.next.CancelSubscription(ctx, ref, immediate)
	})
}

func (g *RetryingGateway) CreateInvoice(ctx context.Context, customerRef string) (*Invoice, error) {
	return call(ctx, g, OpCreateInvoice, customerRef, func(ctx context.Context) (*Invoice, error) {
		return g.next.CreateInvoice(ctx, customerRef)
	})
}

func call[T any](ctx context.Context, g *RetryingGateway, op, ref string, fn func(context.Context) (T, error)) (T, error) {
	// A caller supplied key scopes the whole operation; each call within it gets its own.
	key := uuid.NewString()
	if parent, ok := IdempotencyKeyFromContext(ctx); ok {
		key = parent + ":" + op
	}
	ctx = WithIdempotencyKey(ctx, key)

	var (
		result  T
		attempt int
	)
	backoff := retry.WithMaxRetries(g.policy.MaxRetries, retry.NewExponential(g.policy.BaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.policy.CallTimeout)
		defer cancel()

		res, err := fn(callCtx)
		if err != nil {
			err = wrapError(op, ref, err)
			if IsRetryable(err) {
				g.logger.Warn("gateway call failed, retrying",
					zap.String("op", op),
					zap.String("ref", ref),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		var zero T
		return zero, wrapError(op, ref, err)
	}
	return result, nil
}
