// Package reconciler applies provider webhook events to the local records without calling the
// provider back. Every event is applied at most once, and subscription events never overwrite
// state that is newer than the event.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/ledger"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/lock"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/metrics"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/proto/events"
	"go.uber.org/zap"
)

// Ack is how an event was acknowledged. Every Ack is a success for the transport.
type Ack string

const (
	AckProcessed Ack = "processed"
	AckDuplicate Ack = "duplicate"
	AckStale     Ack = "stale"
	AckIgnored   Ack = "ignored"
)

const (
	conflictRetries = 3
	leaseWait       = 5 * time.Second
)

// UnknownOwnerError reports an event for a provider customer with no local account.
type UnknownOwnerError struct {
	EventID     string
	CustomerRef string
}

func (e *UnknownOwnerError) Error() string {
	return fmt.Sprintf("event %s: no account for provider customer %q", e.EventID, e.CustomerRef)
}

type handlerFunc func(ctx context.Context, ev Event) (Ack, error)

// Reconciler applies provider events to subscriptions and the charge ledger.
type Reconciler struct {
	subs      subscription.SubscriptionRepository
	customers customer.CustomerRepository
	charges   ledger.ChargeRepository
	eventLog  EventLog
	publisher kafka.Publisher
	locker    lock.Locker
	lockTTL   time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
	handlers  map[string]handlerFunc
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMetrics counts acknowledgements in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = c }
}

// WithLocker makes subscription events wait for the lease held by lifecycle operations.
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(r *Reconciler) {
		r.locker = l
		r.lockTTL = ttl
	}
}

// New creates a Reconciler. A nil publisher disables notifications.
func New(
	subs subscription.SubscriptionRepository,
	customers customer.CustomerRepository,
	charges ledger.ChargeRepository,
	eventLog EventLog,
	publisher kafka.Publisher,
	logger *zap.Logger,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		subs:      subs,
		customers: customers,
		charges:   charges,
		eventLog:  eventLog,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handlers = map[string]handlerFunc{
		EventChargePending:        r.HandleChargePending,
		EventChargeFailed:         r.HandleChargeFailed,
		EventChargeSucceeded:      r.HandleChargeSucceeded,
		EventSubscriptionUpdated:  r.HandleSubscriptionUpdated,
		EventSubscriptionTrialEnd: r.HandleTrialWillEnd,
		EventSubscriptionDeleted:  r.HandleSubscriptionDeleted,
	}
	return r
}

// HandlePayload parses a raw provider event and handles it. A malformed payload is
// acknowledged so the provider stops retrying it.
func (r *Reconciler) HandlePayload(ctx context.Context, payload []byte) (Ack, error) {
	ev, err := ParseEvent(payload)
	if err != nil {
		r.logger.Warn("ignoring malformed provider event", zap.Error(err))
		r.metrics.RecordWebhook("malformed", string(AckIgnored))
		return AckIgnored, nil
	}
	return r.Handle(ctx, ev)
}

// Handle applies ev once. An error means the event was not applied and should be redelivered.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (ack Ack, err error) {
	defer func() {
		result := string(ack)
		if err != nil {
			result = "error"
		}
		r.metrics.RecordWebhook(ev.Type, result)
	}()

	handle, ok := r.handlers[ev.Type]
	if !ok {
		r.logger.Debug("ignoring unhandled provider event", zap.String("type", ev.Type), zap.String("event_id", ev.ID))
		return AckIgnored, nil
	}

	claimed, err := r.eventLog.Claim(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if !claimed {
		r.logger.Info("provider event already processed", zap.String("type", ev.Type), zap.String("event_id", ev.ID))
		return AckDuplicate, nil
	}

	ack, err = handle(ctx, ev)
	var unknown *UnknownOwnerError
	switch {
	case errors.As(err, &unknown):
		r.logger.Warn("provider event for unknown owner",
			zap.String("type", ev.Type),
			zap.String("event_id", ev.ID),
			zap.String("customer_ref", unknown.CustomerRef),
		)
		ack, err = AckIgnored, nil
	case errors.Is(err, ErrMalformedEvent):
		r.logger.Warn("ignoring unusable provider event",
			zap.String("type", ev.Type),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		ack, err = AckIgnored, nil
	case err != nil:
		r.logger.Error("failed to apply provider event",
			zap.String("type", ev.Type),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		if relErr := r.eventLog.Release(context.WithoutCancel(ctx), ev.ID); relErr != nil {
			r.logger.Warn("failed to release event claim", zap.String("event_id", ev.ID), zap.Error(relErr))
		}
		return "", err
	}

	if err := r.eventLog.Complete(ctx, ev.ID); err != nil {
		return "", err
	}
	r.logger.Info("provider event applied",
		zap.String("type", ev.Type),
		zap.String("event_id", ev.ID),
		zap.String("ack", string(ack)),
	)
	return ack, nil
}

// HandleChargePending records a charge awaiting settlement.
func (r *Reconciler) HandleChargePending(ctx context.Context, ev Event) (Ack, error) {
	return r.handleCharge(ctx, ev, ledger.ChargePending, events.NotificationChargePending)
}

// HandleChargeFailed records a failed charge.
func (r *Reconciler) HandleChargeFailed(ctx context.Context, ev Event) (Ack, error) {
	return r.handleCharge(ctx, ev, ledger.ChargeFailed, events.NotificationChargeFailed)
}

// HandleChargeSucceeded records a settled charge.
func (r *Reconciler) HandleChargeSucceeded(ctx context.Context, ev Event) (Ack, error) {
	return r.handleCharge(ctx, ev, ledger.ChargeSucceeded, events.NotificationChargeSucceeded)
}

// handleCharge writes the ledger entry once per event and notifies the owner. A ledger entry
// that already reflects ev is notified again under the same event id.
func (r *Reconciler) handleCharge(ctx context.Context, ev Event, status ledger.ChargeStatus, notification string) (Ack, error) {
	owner, err := r.resolveOwner(ctx, ev)
	if err != nil {
		return "", err
	}
	obj := ev.Object
	chargeRef := obj.ID
	if chargeRef == "" {
		chargeRef = ev.ID
	}
	occurred := r.occurredAt(ev)

	var ack Ack
	err = r.retryConflicts(ctx, func() error {
		existing, err := r.charges.FindByProviderChargeID(ctx, chargeRef)
		if domain.IsNotFound(err) {
			charge, err := ledger.NewCharge(ev.ID, owner.ID(), chargeRef, obj.Amount, obj.Currency, status, obj.FailureMessage, occurred)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
			created, err := r.charges.Record(ctx, charge)
			if err != nil {
				return err
			}
			ack = AckProcessed
			if !created {
				ack = AckDuplicate
			}
			return nil
		}
		if err != nil {
			return err
		}

		if existing.Seen(ev.ID) {
			ack = AckDuplicate
			return nil
		}
		switch status {
		case ledger.ChargeSucceeded:
			err = existing.Succeed(ev.ID, occurred)
		case ledger.ChargeFailed:
			err = existing.Fail(ev.ID, obj.FailureMessage, occurred)
		default:
			err = domain.NewInvalidStateError(string(existing.Status()), string(status))
		}
		if domain.IsInvalidState(err) {
			r.logger.Info("charge event does not apply to current state",
				zap.String("event_id", ev.ID),
				zap.String("charge_id", chargeRef),
				zap.String("current", string(existing.Status())),
				zap.String("reported", string(status)),
			)
			ack = AckStale
			return nil
		}
		existing.IncrementVersion()
		if err := r.charges.Update(ctx, existing); err != nil {
			return err
		}
		ack = AckProcessed
		return nil
	})
	if err != nil {
		return "", err
	}
	if ack == AckStale {
		return ack, nil
	}

	err = r.publish(ctx, ev.ID, events.TopicBillingNotifications, notification, owner.ID().String(), events.ChargeNotification{
		EventID:        ev.ID,
		OwnerID:        owner.ID(),
		ChargeID:       chargeRef,
		AmountCents:    obj.Amount,
		Currency:       obj.Currency,
		Status:         string(status),
		FailureMessage: obj.FailureMessage,
		OccurredAt:     occurred,
	})
	if err != nil {
		return "", err
	}
	return ack, nil
}

// HandleSubscriptionUpdated copies plan, quantity, trial end and end date from a newer
// provider state.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, ev Event) (Ack, error) {
	return r.syncSubscription(ctx, ev, func(sub *subscription.Subscription, now time.Time) {
		sub.ApplyRemote(ev.Object.remoteState(sub, r.occurredAt(ev)), now)
	})
}

// HandleSubscriptionDeleted records that the provider ended the subscription.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, ev Event) (Ack, error) {
	return r.syncSubscription(ctx, ev, func(sub *subscription.Subscription, now time.Time) {
		ended := unixPtr(ev.Object.EndedAt)
		if ended == nil {
			ended = unixPtr(ev.Object.CanceledAt)
		}
		if ended == nil {
			occurred := r.occurredAt(ev)
			ended = &occurred
		}
		sub.MarkEndsAt(*ended, now)
	})
}

// HandleTrialWillEnd syncs the trial end and tells the owner the trial is about to end. The
// owner is notified even when the local record is stale or not tracked.
func (r *Reconciler) HandleTrialWillEnd(ctx context.Context, ev Event) (Ack, error) {
	owner, err := r.resolveOwner(ctx, ev)
	if err != nil {
		return "", err
	}

	ack := AckIgnored
	var sub *subscription.Subscription
	if ev.Object.ID != "" {
		ack, err = r.syncSubscription(ctx, ev, func(s *subscription.Subscription, now time.Time) {
			if ev.Object.TrialEnd.Set {
				s.SyncTrialEnd(ev.Object.TrialEnd.Time, now)
			}
		})
		if err != nil {
			return "", err
		}
		if found, err := r.subs.FindByProviderID(ctx, ev.Object.ID); err == nil {
			sub = found
		}
	}

	n := events.TrialWillEndNotification{
		EventID:     ev.ID,
		OwnerID:     owner.ID(),
		ProviderID:  ev.Object.ID,
		TrialEndsAt: ev.Object.TrialEnd.Time,
	}
	if sub != nil {
		id := sub.ID()
		n.SubscriptionID = &id
	}
	if err := r.publish(ctx, ev.ID, events.TopicBillingNotifications, events.NotificationTrialWillEnd, owner.ID().String(), n); err != nil {
		return "", err
	}
	if ack == AckIgnored {
		return AckProcessed, nil
	}
	return ack, nil
}

// syncSubscription applies fn to the tracked subscription named by the event when the event
// is at least as recent as the record, retrying on version conflicts.
func (r *Reconciler) syncSubscription(ctx context.Context, ev Event, fn func(sub *subscription.Subscription, now time.Time)) (Ack, error) {
	owner, err := r.resolveOwner(ctx, ev)
	if err != nil {
		return "", err
	}
	if ev.Object.ID == "" {
		return "", fmt.Errorf("%w: subscription id is required", ErrMalformedEvent)
	}

	sub, err := r.subs.FindByProviderID(ctx, ev.Object.ID)
	if domain.IsNotFound(err) {
		r.logger.Info("provider event for untracked subscription",
			zap.String("event_id", ev.ID),
			zap.String("provider_id", ev.Object.ID),
		)
		return AckIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if sub.OwnerID() != owner.ID() {
		return "", &UnknownOwnerError{EventID: ev.ID, CustomerRef: ev.Object.CustomerRef()}
	}

	if r.locker != nil {
		lctx, cancel := context.WithTimeout(ctx, leaseWait)
		release, err := r.locker.Acquire(lctx, lock.SubscriptionKey(sub.ID()), r.lockTTL)
		cancel()
		if err != nil {
			return "", err
		}
		defer release()
	}

	at := ev.Created
	ack := AckProcessed
	err = r.retryConflicts(ctx, func() error {
		current, err := r.subs.FindByID(ctx, sub.ID())
		if err != nil {
			return err
		}
		if at.IsZero() || current.IsStale(at) {
			r.logger.Info("ignoring stale subscription event",
				zap.String("event_id", ev.ID),
				zap.String("subscription_id", current.ID().String()),
				zap.Time("event_created", at),
				zap.Time("synced_at", current.SyncedAt()),
			)
			ack = AckStale
			return nil
		}

		fn(current, r.now())
		if at.After(current.SyncedAt()) {
			current.MarkSynced(at)
		}
		current.IncrementVersion()
		if err := r.subs.Update(ctx, current); err != nil {
			return err
		}
		sub = current
		return nil
	})
	if err != nil {
		return "", err
	}
	if ack == AckStale {
		return ack, nil
	}

	now := r.now()
	err = r.publish(ctx, ev.ID, events.TopicSubscriptionEvents, events.SubscriptionSynced, sub.ID().String(), events.SubscriptionEvent{
		SubscriptionID: sub.ID(),
		ProviderID:     sub.ProviderID(),
		OwnerID:        sub.OwnerID(),
		Plan:           sub.Plan(),
		Quantity:       sub.Quantity(),
		Status:         string(sub.StatusAt(now)),
		TrialEndsAt:    sub.TrialEndsAt(),
		EndsAt:         sub.EndsAt(),
		OccurredAt:     at,
	})
	if err != nil {
		return "", err
	}
	return ack, nil
}

func (r *Reconciler) resolveOwner(ctx context.Context, ev Event) (*customer.Customer, error) {
	ref := ev.Object.CustomerRef()
	if ref == "" {
		return nil, &UnknownOwnerError{EventID: ev.ID}
	}
	owner, err := r.customers.FindByProviderCustomerID(ctx, ref)
	if domain.IsNotFound(err) {
		return nil, &UnknownOwnerError{EventID: ev.ID, CustomerRef: ref}
	}
	if err != nil {
		return nil, err
	}
	return owner, nil
}

// retryConflicts reruns fn while it fails with a version conflict.
func (r *Reconciler) retryConflicts(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		if err = fn(); !domain.IsConflict(err) {
			return err
		}
		r.logger.Debug("version conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

func (r *Reconciler) occurredAt(ev Event) time.Time {
	if ev.Created.IsZero() {
		return r.now()
	}
	return ev.Created
}

func (r *Reconciler) publish(ctx context.Context, id, topic, eventType, subject string, data interface{}) error {
	if r.publisher == nil {
		return nil
	}
	ce, err := kafka.NewCloudEventWithID(id, events.Source, eventType, data)
	if err != nil {
		return err
	}
	ce.Subject = subject
	return r.publisher.PublishEvent(ctx, topic, ce)
}
