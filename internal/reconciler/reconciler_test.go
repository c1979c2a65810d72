package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/ledger"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/lock"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/proto/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStoreDown = errors.New("database is unavailable")

func chargeObject(status string) map[string]any {
	return map[string]any{
		"id":       "ch_1",
		"object":   "charge",
		"customer": "cus_1",
		"amount":   500,
		"currency": "myr",
		"status":   status,
	}
}

func TestChargeSucceeded_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := payload(t, "evt_1", EventChargeSucceeded, syncedAt, chargeObject("succeeded"))

	ack, err := f.rec.HandlePayload(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)

	ack, err = f.rec.HandlePayload(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack)

	require.Len(t, f.charges.byRef, 1)
	assert.Equal(t, ledger.ChargeSucceeded, f.charges.byRef["ch_1"].Status())
	assert.Equal(t, int64(500), f.charges.byRef["ch_1"].AmountCents())

	sent := f.pub.onTopic(events.TopicBillingNotifications)
	require.Len(t, sent, 1)
	assert.Equal(t, "evt_1", sent[0].ID)
	assert.Equal(t, events.NotificationChargeSucceeded, sent[0].Type)

	var n events.ChargeNotification
	require.NoError(t, sent[0].ParseData(&n))
	assert.Equal(t, f.owner.ID(), n.OwnerID)
}

func TestCharge_PendingThenSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack, err := f.rec.HandlePayload(ctx, payload(t, "evt_1", EventChargePending, syncedAt, chargeObject("pending")))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)

	ack, err = f.rec.HandlePayload(ctx, payload(t, "evt_2", EventChargeFailed, syncedAt.Add(time.Minute), chargeObject("failed")))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	assert.Equal(t, ledger.ChargeFailed, f.charges.byRef["ch_1"].Status())

	// A terminal charge does not move again.
	ack, err = f.rec.HandlePayload(ctx, payload(t, "evt_3", EventChargeSucceeded, syncedAt.Add(2*time.Minute), chargeObject("succeeded")))
	require.NoError(t, err)
	assert.Equal(t, AckStale, ack)
	assert.Equal(t, ledger.ChargeFailed, f.charges.byRef["ch_1"].Status())

	assert.Len(t, f.pub.onTopic(events.TopicBillingNotifications), 2)
}

func TestUnknownOwnerIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	obj := chargeObject("succeeded")
	obj["customer"] = "cus_missing"
	raw := payload(t, "evt_1", EventChargeSucceeded, syncedAt, obj)

	ack, err := f.rec.HandlePayload(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack)
	assert.Empty(t, f.charges.byRef)
	assert.Empty(t, f.pub.onTopic(events.TopicBillingNotifications))

	ack, err = f.rec.HandlePayload(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack)
}

func TestMalformedPayloadIsAcknowledged(t *testing.T) {
	f := newFixture(t)

	for name, raw := range map[string][]byte{
		"not json":   []byte("{"),
		"missing id": []byte(`{"type":"charge.succeeded","data":{"object":{}}}`),
		"no object":  []byte(`{"id":"evt_1","type":"charge.succeeded"}`),
	} {
		t.Run(name, func(t *testing.T) {
			ack, err := f.rec.HandlePayload(context.Background(), raw)
			require.NoError(t, err)
			assert.Equal(t, AckIgnored, ack)
		})
	}
}

func TestUnhandledTypeIsIgnored(t *testing.T) {
	f := newFixture(t)

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", "invoice.created", syncedAt, map[string]any{"id": "in_1"}))
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack)
}

func TestStoreErrorIsReturnedAndRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := payload(t, "evt_1", EventChargeSucceeded, syncedAt, chargeObject("succeeded"))
	f.charges.failAll = errStoreDown

	_, err := f.rec.HandlePayload(ctx, raw)
	require.ErrorIs(t, err, errStoreDown)

	f.charges.failAll = nil
	ack, err := f.rec.HandlePayload(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack, "a failed attempt releases its claim")
}

func TestPublishFailureIsRetriedWithSameEventID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := payload(t, "evt_1", EventChargeSucceeded, syncedAt, chargeObject("succeeded"))
	f.pub.failNext = errors.New("broker unavailable")

	_, err := f.rec.HandlePayload(ctx, raw)
	require.Error(t, err)

	ack, err := f.rec.HandlePayload(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack, "the ledger entry was already written")

	sent := f.pub.onTopic(events.TopicBillingNotifications)
	require.Len(t, sent, 1)
	assert.Equal(t, "evt_1", sent[0].ID)
	assert.Len(t, f.charges.byRef, 1)
}

func subscriptionObject() map[string]any {
	return map[string]any{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               "active",
		"cancel_at_period_end": true,
		"trial_end":            nil,
		"items": map[string]any{
			"data": []map[string]any{{
				"id":                 "si_1",
				"price":              map[string]any{"id": "premium"},
				"quantity":           5,
				"current_period_end": syncedAt.Add(30 * 24 * time.Hour).Unix(),
			}},
		},
	}
}

func TestSubscriptionUpdated_AppliesNewerState(t *testing.T) {
	f := newFixture(t)
	created := syncedAt.Add(10 * time.Second)

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", EventSubscriptionUpdated, created, subscriptionObject()))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)

	s := f.stored(t)
	assert.Equal(t, "premium", s.Plan())
	assert.Equal(t, int64(5), s.Quantity())
	assert.Nil(t, s.TrialEndsAt())
	require.NotNil(t, s.EndsAt())
	assert.Equal(t, syncedAt.Add(30*24*time.Hour), *s.EndsAt())
	assert.Equal(t, created, s.SyncedAt())
	assert.Equal(t, int64(2), s.Version())

	sent := f.pub.onTopic(events.TopicSubscriptionEvents)
	require.Len(t, sent, 1)
	assert.Equal(t, events.SubscriptionSynced, sent[0].Type)
}

func TestSubscriptionUpdated_OlderEventDoesNotOverwrite(t *testing.T) {
	f := newFixture(t)
	obj := subscriptionObject()
	obj["cancel_at_period_end"] = false

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_old", EventSubscriptionUpdated, syncedAt.Add(-time.Minute), obj))
	require.NoError(t, err)
	assert.Equal(t, AckStale, ack)

	s := f.stored(t)
	assert.Equal(t, "basic", s.Plan())
	assert.Equal(t, int64(2), s.Quantity())
	assert.NotNil(t, s.TrialEndsAt())
	assert.Equal(t, int64(1), s.Version())
	assert.Zero(t, f.subs.updates)
	assert.Empty(t, f.pub.onTopic(events.TopicSubscriptionEvents))
}

func TestSubscriptionUpdated_OutOfOrderDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newer := subscriptionObject()
	newer["cancel_at_period_end"] = false
	older := subscriptionObject()
	older["cancel_at_period_end"] = false
	older["items"].(map[string]any)["data"].([]map[string]any)[0]["quantity"] = 3

	_, err := f.rec.HandlePayload(ctx, payload(t, "evt_2", EventSubscriptionUpdated, syncedAt.Add(20*time.Second), newer))
	require.NoError(t, err)
	ack, err := f.rec.HandlePayload(ctx, payload(t, "evt_1", EventSubscriptionUpdated, syncedAt.Add(10*time.Second), older))
	require.NoError(t, err)

	assert.Equal(t, AckStale, ack)
	assert.Equal(t, int64(5), f.stored(t).Quantity())
}

func TestSubscriptionUpdated_RetriesVersionConflicts(t *testing.T) {
	f := newFixture(t)
	f.subs.conflicts = 2

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", EventSubscriptionUpdated, syncedAt.Add(time.Second), subscriptionObject()))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	assert.Equal(t, int64(5), f.stored(t).Quantity())
}

func TestSubscriptionUpdated_GivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t)
	f.subs.conflicts = conflictRetries

	_, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", EventSubscriptionUpdated, syncedAt.Add(time.Second), subscriptionObject()))
	require.Error(t, err)
	assert.Equal(t, int64(2), f.stored(t).Quantity())
}

func TestSubscriptionUpdated_UntrackedSubscription(t *testing.T) {
	f := newFixture(t)
	obj := subscriptionObject()
	obj["id"] = "sub_other"

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", EventSubscriptionUpdated, syncedAt.Add(time.Second), obj))
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack)
}

func TestSubscriptionUpdated_WaitsForLease(t *testing.T) {
	f := newFixture(t)
	locker := lock.NewMemoryLocker()
	customers := &memCustomers{items: map[string]*customer.Customer{"cus_1": f.owner}}
	f.rec = New(f.subs, customers, f.charges, NewMemoryEventLog(time.Hour), f.pub, zap.NewNop(),
		WithClock(func() time.Time { return syncedAt.Add(time.Minute) }),
		WithLocker(locker, time.Minute),
	)

	release, err := locker.Acquire(context.Background(), lock.SubscriptionKey(f.sub.ID()), time.Minute)
	require.NoError(t, err)

	raw := payload(t, "evt_1", EventSubscriptionUpdated, syncedAt.Add(time.Second), subscriptionObject())
	done := make(chan Ack, 1)
	go func() {
		ack, _ := f.rec.HandlePayload(context.Background(), raw)
		done <- ack
	}()

	select {
	case <-done:
		t.Fatal("event applied while the lease was held")
	case <-time.After(100 * time.Millisecond):
	}
	release()

	select {
	case ack := <-done:
		assert.Equal(t, AckProcessed, ack)
	case <-time.After(2 * time.Second):
		t.Fatal("event not applied after the lease was released")
	}
}

func TestTrialWillEnd_SyncsAndNotifies(t *testing.T) {
	f := newFixture(t)
	trialEnd := syncedAt.Add(2 * 24 * time.Hour)
	obj := map[string]any{"id": "sub_1", "customer": "cus_1", "trial_end": trialEnd.Unix()}

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", EventSubscriptionTrialEnd, syncedAt.Add(time.Second), obj))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	assert.Equal(t, trialEnd, *f.stored(t).TrialEndsAt())

	sent := f.pub.onTopic(events.TopicBillingNotifications)
	require.Len(t, sent, 1)
	var n events.TrialWillEndNotification
	require.NoError(t, sent[0].ParseData(&n))
	assert.Equal(t, f.owner.ID(), n.OwnerID)
	require.NotNil(t, n.SubscriptionID)
	assert.Equal(t, f.sub.ID(), *n.SubscriptionID)
	assert.Equal(t, trialEnd, *n.TrialEndsAt)
}

func TestTrialWillEnd_NotifiesWithoutSubscriptionID(t *testing.T) {
	f := newFixture(t)
	obj := map[string]any{"customer": "cus_1", "trial_end": syncedAt.Unix()}

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", EventSubscriptionTrialEnd, syncedAt, obj))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	assert.Len(t, f.pub.onTopic(events.TopicBillingNotifications), 1)
	assert.Equal(t, int64(1), f.stored(t).Version())
}

func TestSubscriptionDeleted_EndsSubscription(t *testing.T) {
	f := newFixture(t)
	ended := syncedAt.Add(30 * time.Second)
	obj := map[string]any{"id": "sub_1", "customer": "cus_1", "status": "canceled", "ended_at": ended.Unix()}

	ack, err := f.rec.HandlePayload(context.Background(), payload(t, "evt_1", EventSubscriptionDeleted, ended, obj))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)

	s := f.stored(t)
	require.NotNil(t, s.EndsAt())
	assert.Equal(t, ended, *s.EndsAt())
	assert.Equal(t, subscription.StatusCancelled, s.StatusAt(ended))
}
