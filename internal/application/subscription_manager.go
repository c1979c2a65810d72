package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/lock"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/metrics"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/proto/events"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/saga"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operation names used in logs, metrics and errors.
const (
	OpSubscribe         = "subscribe"
	OpUpdateQuantity    = "update_quantity"
	OpIncrementQuantity = "increment_quantity"
	OpDecrementQuantity = "decrement_quantity"
	OpSwap              = "swap"
	OpCancel            = "cancel"
	OpCancelNow         = "cancel_now"
	OpReactivate        = "reactivate"
	OpResume            = "resume"
	OpSyncTaxPercentage = "sync_tax_percentage"
	OpReconcile         = "reconcile"
)

const (
	defaultLockTTL   = 2 * time.Minute
	stepCreateRemote = "create_remote_subscription"
	stepSaveLocal    = "save_local_subscription"
)

// SubscriptionManager runs every lifecycle operation against the provider and the local record.
// Each mutation holds the subscription's lease across its remote calls and local write, and
// the local write only happens after the provider confirmed the change.
type SubscriptionManager struct {
	subs      subscription.SubscriptionRepository
	customers *CustomerService
	gateway   adapter.BillingGateway
	locker    lock.Locker
	publisher kafka.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
	lockTTL   time.Duration
}

// Option configures a SubscriptionManager.
type Option func(*SubscriptionManager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *SubscriptionManager) { m.now = now }
}

// WithMetrics records operations and drift in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *SubscriptionManager) { m.metrics = c }
}

// WithLockTTL sets the lease duration. It must outlive the gateway's retry budget.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *SubscriptionManager) { m.lockTTL = ttl }
}

// NewSubscriptionManager creates a new SubscriptionManager. A nil publisher disables
// lifecycle events.
func NewSubscriptionManager(
	subs subscription.SubscriptionRepository,
	customers customer.CustomerRepository,
	gateway adapter.BillingGateway,
	locker lock.Locker,
	publisher kafka.Publisher,
	logger *zap.Logger,
	opts ...Option,
) *SubscriptionManager {
	m := &SubscriptionManager{
		subs:      subs,
		customers: NewCustomerService(customers, gateway, logger),
		gateway:   gateway,
		locker:    locker,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		lockTTL:   defaultLockTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Customers returns the account service sharing this manager's gateway.
func (m *SubscriptionManager) Customers() *CustomerService {
	return m.customers
}

// Subscribe starts a subscription for an owner. The remote subscription is cancelled again
// when the local record cannot be inserted.
func (m *SubscriptionManager) Subscribe(ctx context.Context, ownerID uuid.UUID, req SubscribeRequest) (result *SubscriptionDTO, err error) {
	started := time.Now()
	defer func() { m.metrics.ObserveOperation(OpSubscribe, started, err) }()

	if req.Plan == "" {
		return nil, domain.NewValidationError("plan is required")
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 || req.TrialDays < 0 {
		return nil, domain.NewValidationError("quantity must be at least 1 and trial days not negative")
	}

	owner, err := m.customers.EnsureRemoteCustomer(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var (
		remote *adapter.RemoteSubscription
		sub    *subscription.Subscription
	)
	s := saga.NewSaga(OpSubscribe, m.logger)
	s.AddStep(saga.SagaStep{
		Name: stepCreateRemote,
		Execute: func(ctx context.Context) error {
			params := adapter.CreateSubscriptionParams{
				CustomerRef: owner.ProviderCustomerID(),
				Plan:        req.Plan,
				Quantity:    quantity,
				TrialDays:   req.TrialDays,
			}
			if p := owner.TaxPercent(); p > 0 {
				params.TaxPercent = &p
			}
			var err error
			remote, err = m.gateway.CreateSubscription(ctx, params)
			return err
		},
		Compensate: func(ctx context.Context) error {
			_, err := m.gateway.CancelSubscription(ctx, remote.ID, true)
			return err
		},
	})
	s.AddStep(saga.SagaStep{
		Name: stepSaveLocal,
		Execute: func(ctx context.Context) error {
			var err error
			sub, err = subscription.NewSubscription(ownerID, remote.ID, remote.Plan, remote.Quantity, remote.TrialEnd, m.now())
			if err != nil {
				return err
			}
			return m.subs.Save(ctx, sub)
		},
	})

	if err := s.Execute(ctx); err != nil {
		var stepErr *saga.StepError
		if !errors.As(err, &stepErr) {
			return nil, err
		}
		if stepErr.Step == stepCreateRemote {
			return nil, stepErr.Err
		}
		if !stepErr.Compensated() {
			m.metrics.RecordDrift(OpSubscribe)
		}
		m.logger.Error("remote subscription created but local record not saved",
			zap.String("owner_id", ownerID.String()),
			zap.String("provider_id", remote.ID),
			zap.Bool("compensated", stepErr.Compensated()),
			zap.Error(err),
		)
		return nil, &PersistenceError{Op: OpSubscribe, SubscriptionID: remote.ID, Err: err}
	}

	m.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID().String()),
		zap.String("owner_id", ownerID.String()),
		zap.String("plan", sub.Plan()),
	)
	m.publish(ctx, events.SubscriptionCreated, sub)
	dto := toSubscriptionDTO(sub, m.now())
	return &dto, nil
}

// Get returns a subscription with its status derived at the current time.
func (m *SubscriptionManager) Get(ctx context.Context, id uuid.UUID) (*SubscriptionDTO, error) {
	sub, err := m.subs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := toSubscriptionDTO(sub, m.now())
	return &dto, nil
}

// ListForOwner returns every subscription of an owner.
func (m *SubscriptionManager) ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]SubscriptionDTO, error) {
	subs, err := m.subs.FindByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	dtos := make([]SubscriptionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubscriptionDTO(s, now)
	}
	return dtos, nil
}

// UpdateQuantity sets the quantity on the provider and then locally.
func (m *SubscriptionManager) UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int64) (*SubscriptionDTO, error) {
	if quantity < 1 {
		return nil, domain.NewValidationError(fmt.Sprintf("quantity must be at least 1, got %d", quantity))
	}
	return m.changeQuantity(ctx, OpUpdateQuantity, id, func(int64) int64 { return quantity }, nil)
}

// IncrementQuantity adds count to the current quantity.
func (m *SubscriptionManager) IncrementQuantity(ctx context.Context, id uuid.UUID, count int64) (*SubscriptionDTO, error) {
	if err := validateCount(count); err != nil {
		return nil, err
	}
	return m.changeQuantity(ctx, OpIncrementQuantity, id, func(q int64) int64 { return q + count }, nil)
}

// DecrementQuantity removes count from the current quantity, never going below one.
func (m *SubscriptionManager) DecrementQuantity(ctx context.Context, id uuid.UUID, count int64) (*SubscriptionDTO, error) {
	if err := validateCount(count); err != nil {
		return nil, err
	}
	return m.changeQuantity(ctx, OpDecrementQuantity, id, func(q int64) int64 { return subscription.ClampDecrement(q, count) }, nil)
}

// IncrementAndInvoice increments the quantity and bills the owner right away. The returned
// DTO is set even when invoicing fails with an *InvoiceError.
func (m *SubscriptionManager) IncrementAndInvoice(ctx context.Context, id uuid.UUID, count int64) (*SubscriptionDTO, error) {
	if err := validateCount(count); err != nil {
		return nil, err
	}
	var customerRef string
	dto, err := m.changeQuantity(ctx, OpIncrementQuantity, id, func(q int64) int64 { return q + count }, &customerRef)
	if err != nil {
		return nil, err
	}
	if err := m.invoice(ctx, dto.ID, dto.OwnerID, customerRef); err != nil {
		return dto, err
	}
	return dto, nil
}

func (m *SubscriptionManager) changeQuantity(ctx context.Context, op string, id uuid.UUID, next func(int64) int64, customerRef *string) (*SubscriptionDTO, error) {
	sub, err := m.mutate(ctx, op, events.SubscriptionQuantityUpdated, id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		quantity := next(sub.Quantity())

		remote, err := m.gateway.RetrieveSubscription(ctx, sub.ProviderID())
		if err != nil {
			return false, err
		}
		remote.Quantity = quantity
		saved, err := m.gateway.SaveSubscription(ctx, remote)
		if err != nil {
			return false, err
		}
		if customerRef != nil {
			*customerRef = saved.CustomerID
		}
		return true, sub.ApplyQuantity(quantity, now)
	})
	return m.dto(sub, err)
}

type swapOptions struct {
	prorate   bool
	anchorNow bool
	anchorOn  *time.Time
}

// SwapOption adjusts how Swap changes the plan.
type SwapOption func(*swapOptions)

// WithoutProration disables prorated charges for the plan change.
func WithoutProration() SwapOption {
	return func(o *swapOptions) { o.prorate = false }
}

// AnchorBillingCycleOn moves the billing cycle anchor to t.
func AnchorBillingCycleOn(t time.Time) SwapOption {
	return func(o *swapOptions) {
		u := t.UTC()
		o.anchorOn = &u
		o.anchorNow = false
	}
}

// AnchorBillingCycleNow restarts the billing cycle at the time of the change.
func AnchorBillingCycleNow() SwapOption {
	return func(o *swapOptions) {
		o.anchorNow = true
		o.anchorOn = nil
	}
}

// Swap moves the subscription to another plan in a single remote update, invoices the owner
// and then records the new plan locally. A failed invoice is returned as an *InvoiceError
// together with the committed DTO.
func (m *SubscriptionManager) Swap(ctx context.Context, id uuid.UUID, plan string, opts ...SwapOption) (*SubscriptionDTO, error) {
	if plan == "" {
		return nil, domain.NewValidationError("plan is required")
	}
	o := swapOptions{prorate: true}
	for _, opt := range opts {
		opt(&o)
	}

	var invoiceErr error
	sub, err := m.mutate(ctx, OpSwap, events.SubscriptionPlanSwapped, id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		remote, err := m.gateway.RetrieveSubscription(ctx, sub.ProviderID())
		if err != nil {
			return false, err
		}
		remote.Plan = plan
		remote.Prorate = &o.prorate
		remote.CancelAtPeriodEnd = false
		remote.AnchorNow = o.anchorNow
		remote.BillingCycleAnchor = o.anchorOn
		keepTrial(remote, sub, now)
		if sub.Quantity() > 0 {
			remote.Quantity = sub.Quantity()
		}

		saved, err := m.gateway.SaveSubscription(ctx, remote)
		if err != nil {
			return false, err
		}
		invoiceErr = m.invoice(ctx, sub.ID(), sub.OwnerID(), saved.CustomerID)

		if err := sub.ApplyPlan(plan, now); err != nil {
			return false, err
		}
		sub.ClearEndsAt(now)
		return true, nil
	})
	dto, err := m.dto(sub, err)
	if err != nil {
		return nil, err
	}
	return dto, invoiceErr
}

// Cancel cancels at the end of the current period. The subscription stays usable until then.
func (m *SubscriptionManager) Cancel(ctx context.Context, id uuid.UUID) (*SubscriptionDTO, error) {
	sub, err := m.mutate(ctx, OpCancel, events.SubscriptionCancelled, id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		remote, err := m.gateway.CancelSubscription(ctx, sub.ProviderID(), false)
		if err != nil {
			return false, err
		}
		sub.MarkEndsAt(cancelEndsAt(sub, remote, now), now)
		return true, nil
	})
	return m.dto(sub, err)
}

// CancelNow cancels immediately.
func (m *SubscriptionManager) CancelNow(ctx context.Context, id uuid.UUID) (*SubscriptionDTO, error) {
	sub, err := m.mutate(ctx, OpCancelNow, events.SubscriptionCancelledNow, id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		if _, err := m.gateway.CancelSubscription(ctx, sub.ProviderID(), true); err != nil {
			return false, err
		}
		sub.MarkEndsAt(now, now)
		return true, nil
	})
	return m.dto(sub, err)
}

// Reactivate withdraws a pending cancellation. Only a subscription within its grace period
// can be reactivated.
func (m *SubscriptionManager) Reactivate(ctx context.Context, id uuid.UUID) (*SubscriptionDTO, error) {
	sub, err := m.mutate(ctx, OpReactivate, events.SubscriptionReactivated, id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		if !sub.OnGracePeriodAt(now) {
			return false, domain.NewPreconditionError("only subscriptions within their grace period can be reactivated")
		}
		remote, err := m.gateway.RetrieveSubscription(ctx, sub.ProviderID())
		if err != nil {
			return false, err
		}
		remote.CancelAtPeriodEnd = false
		if _, err := m.gateway.SaveSubscription(ctx, remote); err != nil {
			return false, err
		}
		sub.ClearEndsAt(now)
		return true, nil
	})
	return m.dto(sub, err)
}

// Resume restores a cancelled subscription on its current plan. Only a subscription within
// its grace period can be resumed.
func (m *SubscriptionManager) Resume(ctx context.Context, id uuid.UUID) (*SubscriptionDTO, error) {
	sub, err := m.mutate(ctx, OpResume, events.SubscriptionResumed, id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		if !sub.OnGracePeriodAt(now) {
			return false, domain.NewPreconditionError("unable to resume subscription that is not within grace period")
		}
		remote, err := m.gateway.RetrieveSubscription(ctx, sub.ProviderID())
		if err != nil {
			return false, err
		}
		remote.CancelAtPeriodEnd = false
		remote.Plan = sub.Plan()
		keepTrial(remote, sub, now)
		if _, err := m.gateway.SaveSubscription(ctx, remote); err != nil {
			return false, err
		}
		sub.ClearEndsAt(now)
		return true, nil
	})
	return m.dto(sub, err)
}

// SyncTaxPercentage pushes the owner's tax percentage to the provider. Nothing changes locally.
func (m *SubscriptionManager) SyncTaxPercentage(ctx context.Context, id uuid.UUID) (*SubscriptionDTO, error) {
	sub, err := m.mutate(ctx, OpSyncTaxPercentage, "", id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		owner, err := m.customers.Get(ctx, sub.OwnerID())
		if err != nil {
			return false, err
		}
		remote, err := m.gateway.RetrieveSubscription(ctx, sub.ProviderID())
		if err != nil {
			return false, err
		}
		percent := owner.TaxPercent
		remote.TaxPercent = &percent
		if _, err := m.gateway.SaveSubscription(ctx, remote); err != nil {
			return false, err
		}
		return false, nil
	})
	if err == nil {
		m.publish(ctx, events.SubscriptionTaxSynced, sub)
	}
	return m.dto(sub, err)
}

// mutation performs the remote calls for an operation and then updates sub in memory.
// It reports whether the local record must be written.
type mutation func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error)

// mutate holds the subscription's lease while fn runs and the result is persisted.
func (m *SubscriptionManager) mutate(ctx context.Context, op, eventType string, id uuid.UUID, fn mutation) (sub *subscription.Subscription, err error) {
	started := time.Now()
	defer func() { m.metrics.ObserveOperation(op, started, err) }()

	release, err := m.locker.Acquire(ctx, lock.SubscriptionKey(id), m.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	sub, err = m.subs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Remote calls must not outlive the lease, or a second writer could interleave with them.
	leaseCtx, cancel := context.WithTimeout(ctx, m.lockTTL)
	defer cancel()

	now := m.now()
	persist, err := fn(leaseCtx, sub, now)
	if err != nil {
		m.logger.Warn("subscription operation failed",
			zap.String("operation", op),
			zap.String("subscription_id", id.String()),
			zap.Error(err),
		)
		return nil, err
	}
	if !persist {
		return sub, nil
	}

	sub.MarkSynced(now)
	sub.IncrementVersion()
	if err := m.subs.Update(ctx, sub); err != nil {
		m.metrics.RecordDrift(op)
		m.logger.Error("remote change applied but local record not saved",
			zap.String("operation", op),
			zap.String("subscription_id", id.String()),
			zap.String("provider_id", sub.ProviderID()),
			zap.Error(err),
		)
		return nil, &PersistenceError{Op: op, SubscriptionID: id.String(), Err: err}
	}

	m.logger.Info("subscription updated",
		zap.String("operation", op),
		zap.String("subscription_id", id.String()),
		zap.String("status", string(sub.StatusAt(now))),
	)
	if eventType != "" {
		m.publish(ctx, eventType, sub)
	}
	return sub, nil
}

// publish emits a lifecycle event. Failures are logged; the change is already committed.
func (m *SubscriptionManager) publish(ctx context.Context, eventType string, sub *subscription.Subscription) {
	if m.publisher == nil {
		return
	}
	now := m.now()
	ce, err := kafka.NewCloudEvent(events.Source, eventType, events.SubscriptionEvent{
		SubscriptionID: sub.ID(),
		ProviderID:     sub.ProviderID(),
		OwnerID:        sub.OwnerID(),
		Plan:           sub.Plan(),
		Quantity:       sub.Quantity(),
		Status:         string(sub.StatusAt(now)),
		TrialEndsAt:    sub.TrialEndsAt(),
		EndsAt:         sub.EndsAt(),
		OccurredAt:     now,
	})
	if err != nil {
		m.logger.Error("failed to build lifecycle event", zap.String("type", eventType), zap.Error(err))
		return
	}
	ce.Subject = sub.ID().String()
	if err := m.publisher.PublishEvent(ctx, events.TopicSubscriptionEvents, ce); err != nil {
		m.logger.Warn("failed to publish lifecycle event",
			zap.String("type", eventType),
			zap.String("subscription_id", sub.ID().String()),
			zap.Error(err),
		)
	}
}

// invoice bills the owner's pending items. customerRef falls back to the owner's account.
func (m *SubscriptionManager) invoice(ctx context.Context, subscriptionID, ownerID uuid.UUID, customerRef string) error {
	if customerRef == "" {
		owner, err := m.customers.Get(ctx, ownerID)
		if err != nil {
			return &InvoiceError{SubscriptionID: subscriptionID.String(), Err: err}
		}
		customerRef = owner.ProviderCustomerID
	}

	inv, err := m.gateway.CreateInvoice(ctx, customerRef)
	if err != nil {
		m.logger.Warn("invoice failed after committed change",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("customer_ref", customerRef),
			zap.Error(err),
		)
		return &InvoiceError{SubscriptionID: subscriptionID.String(), CustomerRef: customerRef, Err: err}
	}
	if inv == nil {
		m.logger.Debug("nothing to invoice", zap.String("customer_ref", customerRef))
		return nil
	}
	m.logger.Info("customer invoiced",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("invoice_id", inv.ID),
	)
	return nil
}

func (m *SubscriptionManager) dto(sub *subscription.Subscription, err error) (*SubscriptionDTO, error) {
	if err != nil {
		return nil, err
	}
	dto := toSubscriptionDTO(sub, m.now())
	return &dto, nil
}

// keepTrial pins a running trial to the local end date and ends any other trial right away.
func keepTrial(remote *adapter.RemoteSubscription, sub *subscription.Subscription, now time.Time) {
	remote.PinTrialEnd = nil
	remote.TrialEndNow = false
	if sub.OnTrialAt(now) {
		t := *sub.TrialEndsAt()
		remote.PinTrialEnd = &t
		return
	}
	remote.TrialEndNow = true
}

// cancelEndsAt is the local end date of a cancellation at period end.
func cancelEndsAt(sub *subscription.Subscription, remote *adapter.RemoteSubscription, now time.Time) time.Time {
	switch {
	case sub.OnTrialAt(now):
		return *sub.TrialEndsAt()
	case remote != nil && remote.CurrentPeriodEnd != nil:
		return *remote.CurrentPeriodEnd
	default:
		return now
	}
}

func validateCount(count int64) error {
	if count < 1 {
		return domain.NewValidationError(fmt.Sprintf("count must be at least 1, got %d", count))
	}
	return nil
}
