package application

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/lock"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSubscriptionRepo struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*subscription.Subscription
	failSave   error
	failUpdate error
}

func newMemSubscriptionRepo() *memSubscriptionRepo {
	return &memSubscriptionRepo{items: make(map[uuid.UUID]*subscription.Subscription)}
}

func copySubscription(s *subscription.Subscription) *subscription.Subscription {
	return subscription.Reconstitute(s.ID(), s.ProviderID(), s.OwnerID(), s.Plan(), s.Quantity(),
		copyTime(s.TrialEndsAt()), copyTime(s.EndsAt()), s.SyncedAt(), s.Version(), s.CreatedAt(), s.UpdatedAt())
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (r *memSubscriptionRepo) Save(_ context.Context, s *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	r.items[s.ID()] = copySubscription(s)
	return nil
}

func (r *memSubscriptionRepo) Update(_ context.Context, s *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return r.failUpdate
	}
	cur, ok := r.items[s.ID()]
	if !ok || cur.Version() != s.Version()-1 {
		return domain.NewConflictError("subscription was modified concurrently")
	}
	r.items[s.ID()] = copySubscription(s)
	return nil
}

func (r *memSubscriptionRepo) FindByID(_ context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", id.String())
	}
	return copySubscription(s), nil
}

func (r *memSubscriptionRepo) FindByProviderID(_ context.Context, providerID string) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.items {
		if s.ProviderID() == providerID {
			return copySubscription(s), nil
		}
	}
	return nil, domain.NewNotFoundError("subscription", providerID)
}

func (r *memSubscriptionRepo) FindByOwnerID(_ context.Context, ownerID uuid.UUID) ([]*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.Subscription
	for _, s := range r.items {
		if s.OwnerID() == ownerID {
			out = append(out, copySubscription(s))
		}
	}
	return out, nil
}

func (r *memSubscriptionRepo) ListUnended(_ context.Context, after subscription.Cursor, limit int) ([]*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*subscription.Subscription
	for _, s := range r.items {
		if s.EndsAt() != nil && !s.EndsAt().After(time.Now()) {
			continue
		}
		if !after.IsZero() && !cursorLess(after, subscription.CursorAfter(s)) {
			continue
		}
		all = append(all, copySubscription(s))
	}
	sort.Slice(all, func(i, j int) bool {
		return cursorLess(subscription.CursorAfter(all[i]), subscription.CursorAfter(all[j]))
	})
	return all[:min(len(all), limit)], nil
}

func cursorLess(a, b subscription.Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (r *memSubscriptionRepo) get(t *testing.T, id uuid.UUID) *subscription.Subscription {
	t.Helper()
	s, err := r.FindByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

type memCustomerRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*customer.Customer
}

func newMemCustomerRepo() *memCustomerRepo {
	return &memCustomerRepo{items: make(map[uuid.UUID]*customer.Customer)}
}

func copyCustomer(c *customer.Customer) *customer.Customer {
	return customer.Reconstitute(c.ID(), c.Email(), c.Name(), c.ProviderCustomerID(), c.TaxPercent(), c.Version(), c.CreatedAt(), c.UpdatedAt())
}

func (r *memCustomerRepo) Save(_ context.Context, c *customer.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[c.ID()] = copyCustomer(c)
	return nil
}

func (r *memCustomerRepo) Update(_ context.Context, c *customer.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[c.ID()]
	if !ok || cur.Version() != c.Version()-1 {
		return domain.NewConflictError("customer was modified concurrently")
	}
	r.items[c.ID()] = copyCustomer(c)
	return nil
}

func (r *memCustomerRepo) FindByID(_ context.Context, id uuid.UUID) (*customer.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("customer", id.String())
	}
	return copyCustomer(c), nil
}

func (r *memCustomerRepo) FindByProviderCustomerID(_ context.Context, ref string) (*customer.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.items {
		if c.ProviderCustomerID() == ref {
			return copyCustomer(c), nil
		}
	}
	return nil, domain.NewNotFoundError("customer", ref)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.CloudEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, _ string, ce kafka.CloudEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ce)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ce := range p.events {
		out[i] = ce.Type
	}
	return out
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mgr       *SubscriptionManager
	gw        *adapter.MockGateway
	subs      *memSubscriptionRepo
	customers *memCustomerRepo
	pub       *recordingPublisher
	metrics   *metrics.Collector

	clockMu sync.Mutex
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gw:        adapter.NewMockGateway(zap.NewNop()),
		subs:      newMemSubscriptionRepo(),
		customers: newMemCustomerRepo(),
		pub:       &recordingPublisher{},
		metrics:   metrics.New(),
		now:       testNow,
	}
	f.gw.SetClock(f.clock)
	f.mgr = NewSubscriptionManager(f.subs, f.customers, f.gw, lock.NewMemoryLocker(), f.pub, zap.NewNop(),
		WithClock(f.clock),
		WithMetrics(f.metrics),
		WithLockTTL(time.Minute),
	)
	return f
}

func (f *fixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

// seed stores a linked owner, a remote subscription and its local record.
func (f *fixture) seed(t *testing.T, quantity int64, trialEndsAt, endsAt *time.Time) *subscription.Subscription {
	t.Helper()
	owner, err := customer.NewCustomer("owner@example.com", "Owner", 6)
	require.NoError(t, err)
	require.NoError(t, owner.AttachRemoteCustomer("cus_seeded"))
	require.NoError(t, f.customers.Save(context.Background(), owner))

	periodEnd := testNow.Add(30 * 24 * time.Hour)
	providerID := "sub_" + uuid.NewString()[:8]
	remote := &adapter.RemoteSubscription{
		ID:               providerID,
		CustomerID:       "cus_seeded",
		ItemID:           "si_seeded",
		Plan:             "basic",
		Quantity:         quantity,
		Status:           adapter.RemoteStatusActive,
		TrialEnd:         copyTime(trialEndsAt),
		CurrentPeriodEnd: &periodEnd,
	}
	if trialEndsAt != nil && trialEndsAt.After(testNow) {
		remote.Status = adapter.RemoteStatusTrialing
		remote.CurrentPeriodEnd = copyTime(trialEndsAt)
	}
	f.gw.Seed(remote)

	sub := subscription.Reconstitute(uuid.New(), providerID, owner.ID(), "basic", quantity,
		trialEndsAt, endsAt, testNow.Add(-time.Hour), 1, testNow.Add(-time.Hour), testNow.Add(-time.Hour))
	require.NoError(t, f.subs.Save(context.Background(), sub))
	return sub
}

func at(t time.Time) *time.Time { return &t }
