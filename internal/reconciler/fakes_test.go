package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/ledger"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSubscriptions struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*subscription.Subscription
	conflicts int
	updates   int
}

func cloneSub(s *subscription.Subscription) *subscription.Subscription {
	return subscription.Reconstitute(s.ID(), s.ProviderID(), s.OwnerID(), s.Plan(), s.Quantity(),
		s.TrialEndsAt(), s.EndsAt(), s.SyncedAt(), s.Version(), s.CreatedAt(), s.UpdatedAt())
}

func (r *memSubscriptions) Save(_ context.Context, s *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[s.ID()] = cloneSub(s)
	return nil
}

func (r *memSubscriptions) Update(_ context.Context, s *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflicts > 0 {
		r.conflicts--
		return domain.NewConflictError("subscription was modified concurrently")
	}
	cur, ok := r.items[s.ID()]
	if !ok || cur.Version() != s.Version()-1 {
		return domain.NewConflictError("subscription was modified concurrently")
	}
	r.updates++
	r.items[s.ID()] = cloneSub(s)
	return nil
}

func (r *memSubscriptions) FindByID(_ context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.items[id]; ok {
		return cloneSub(s), nil
	}
	return nil, domain.NewNotFoundError("subscription", id.String())
}

func (r *memSubscriptions) FindByProviderID(_ context.Context, ref string) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.items {
		if s.ProviderID() == ref {
			return cloneSub(s), nil
		}
	}
	return nil, domain.NewNotFoundError("subscription", ref)
}

func (r *memSubscriptions) FindByOwnerID(context.Context, uuid.UUID) ([]*subscription.Subscription, error) {
	return nil, nil
}

func (r *memSubscriptions) ListUnended(context.Context, subscription.Cursor, int) ([]*subscription.Subscription, error) {
	return nil, nil
}

type memCustomers struct {
	items map[string]*customer.Customer
}

func (r *memCustomers) Save(context.Context, *customer.Customer) error   { return nil }
func (r *memCustomers) Update(context.Context, *customer.Customer) error { return nil }

func (r *memCustomers) FindByID(_ context.Context, id uuid.UUID) (*customer.Customer, error) {
	for _, c := range r.items {
		if c.ID() == id {
			return c, nil
		}
	}
	return nil, domain.NewNotFoundError("customer", id.String())
}

func (r *memCustomers) FindByProviderCustomerID(_ context.Context, ref string) (*customer.Customer, error) {
	if c, ok := r.items[ref]; ok {
		return c, nil
	}
	return nil, domain.NewNotFoundError("customer", ref)
}

type memCharges struct {
	mu      sync.Mutex
	byRef   map[string]*ledger.Charge
	failAll error
}

func cloneCharge(c *ledger.Charge) *ledger.Charge {
	return ledger.Reconstitute(c.ID(), c.EventID(), c.LastEventID(), c.OwnerID(), c.ProviderChargeID(), c.AmountCents(),
		c.Currency(), c.Status(), c.FailureMessage(), c.OccurredAt(), c.Version(), c.CreatedAt(), c.UpdatedAt())
}

func (r *memCharges) Record(_ context.Context, c *ledger.Charge) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return false, r.failAll
	}
	if _, ok := r.byRef[c.ProviderChargeID()]; ok {
		return false, nil
	}
	r.byRef[c.ProviderChargeID()] = cloneCharge(c)
	return true, nil
}

func (r *memCharges) Update(_ context.Context, c *ledger.Charge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	cur, ok := r.byRef[c.ProviderChargeID()]
	if !ok || cur.Version() != c.Version()-1 {
		return domain.NewConflictError("charge was modified concurrently")
	}
	r.byRef[c.ProviderChargeID()] = cloneCharge(c)
	return nil
}

func (r *memCharges) FindByProviderChargeID(_ context.Context, ref string) (*ledger.Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	if c, ok := r.byRef[ref]; ok {
		return cloneCharge(c), nil
	}
	return nil, domain.NewNotFoundError("charge", ref)
}

func (r *memCharges) ListByOwner(context.Context, uuid.UUID, int, int) ([]*ledger.Charge, int64, error) {
	return nil, 0, nil
}

func (r *memCharges) ListAll(context.Context, int, int) ([]*ledger.Charge, int64, error) {
	return nil, 0, nil
}

func (r *memCharges) Stats(context.Context) (*ledger.Stats, error) { return &ledger.Stats{}, nil }

type published struct {
	topic string
	ce    kafka.CloudEvent
}

type recordingPublisher struct {
	mu       sync.Mutex
	sent     []published
	failNext error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic string, ce kafka.CloudEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext; err != nil {
		p.failNext = nil
		return err
	}
	p.sent = append(p.sent, published{topic: topic, ce: ce})
	return nil
}

func (p *recordingPublisher) onTopic(topic string) []kafka.CloudEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []kafka.CloudEvent
	for _, m := range p.sent {
		if m.topic == topic {
			out = append(out, m.ce)
		}
	}
	return out
}

var syncedAt = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	rec     *Reconciler
	subs    *memSubscriptions
	charges *memCharges
	pub     *recordingPublisher
	owner   *customer.Customer
	sub     *subscription.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	owner := customer.Reconstitute(uuid.New(), "owner@example.com", "Owner", "cus_1", 0, 1, syncedAt, syncedAt)
	trialEnd := syncedAt.Add(3 * 24 * time.Hour)
	sub := subscription.Reconstitute(uuid.New(), "sub_1", owner.ID(), "basic", 2, &trialEnd, nil, syncedAt, 1, syncedAt, syncedAt)

	f := &fixture{
		subs:    &memSubscriptions{items: map[uuid.UUID]*subscription.Subscription{sub.ID(): sub}},
		charges: &memCharges{byRef: make(map[string]*ledger.Charge)},
		pub:     &recordingPublisher{},
		owner:   owner,
		sub:     sub,
	}
	customers := &memCustomers{items: map[string]*customer.Customer{"cus_1": owner}}
	f.rec = New(f.subs, customers, f.charges, NewMemoryEventLog(time.Hour), f.pub, zap.NewNop(),
		WithClock(func() time.Time { return syncedAt.Add(time.Minute) }),
	)
	return f
}

func (f *fixture) stored(t *testing.T) *subscription.Subscription {
	t.Helper()
	s, err := f.subs.FindByID(context.Background(), f.sub.ID())
	require.NoError(t, err)
	return s
}

func payload(t *testing.T, id, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	env := map[string]any{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	}
	if !created.IsZero() {
		env["created"] = created.Unix()
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}
