package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway method names, used for call recording and error injection.
const (
	OpCreateCustomer       = "CreateCustomer"
	OpCreateSubscription   = "CreateSubscription"
	OpRetrieveSubscription = "RetrieveSubscription"
	OpSaveSubscription     = "SaveSubscription"
	OpCancelSubscription   = "CancelSubscription"
	OpCreateInvoice        = "CreateInvoice"
)

// MockCall is one recorded gateway invocation.
type MockCall struct {
	Op  string
	Ref string
}

// MockGateway is a development/testing implementation of BillingGateway.
// It simulates the provider in memory without requiring a real Stripe account.
type MockGateway struct {
	logger *zap.Logger
	now    func() time.Time
	period time.Duration

	mu            sync.Mutex
	subscriptions map[string]*RemoteSubscription
	calls         []MockCall
	saved         []*RemoteSubscription
	failures      map[string][]error
	nothingToBill bool
	taxChanges    int
}

// NewMockGateway creates a mock gateway whose billing periods last 30 days.
func NewMockGateway(logger *zap.Logger) *MockGateway {
	return &MockGateway{
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		period:        30 * 24 * time.Hour,
		subscriptions: make(map[string]*RemoteSubscription),
		failures:      make(map[string][]error),
	}
}

// SetClock replaces the time source used for periods and trial math.
func (m *MockGateway) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed stores remote state directly, as if it had been created at the provider earlier.
func (m *MockGateway) Seed(sub *RemoteSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = sub.Clone()
}

// Remote returns a copy of the stored remote state.
func (m *MockGateway) Remote(ref string) (*RemoteSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[ref]
	return sub.Clone(), ok
}

// FailNext makes the next call to op return err. Queued errors are consumed in order.
func (m *MockGateway) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// NothingToInvoice makes CreateInvoice report that no pending items exist.
func (m *MockGateway) NothingToInvoice(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nothingToBill = v
}

// Calls returns every recorded invocation in order.
func (m *MockGateway) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how many times op was invoked.
func (m *MockGateway) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// TaxChanges counts saves that changed a subscription's tax rate.
func (m *MockGateway) TaxChanges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taxChanges
}

// Saved returns the payloads received by SaveSubscription, write intents included.
func (m *MockGateway) Saved() []*RemoteSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RemoteSubscription, len(m.saved))
	for i, s := range m.saved {
		out[i] = s.Clone()
	}
	return out
}

// CreateCustomer simulates creating a provider customer.
func (m *MockGateway) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	if err := m.begin(OpCreateCustomer, params.OwnerID); err != nil {
		return "", err
	}
	ref := fmt.Sprintf("cus_mock_%s", uuid.New().String()[:8])

	m.logger.Info("[MOCK STRIPE] Customer created",
		zap.String("customer_id", ref),
		zap.String("email", params.Email),
	)
	return ref, nil
}

// CreateSubscription simulates starting a subscription; trials and periods start now.
func (m *MockGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*RemoteSubscription, error) {
	if err := m.begin(OpCreateSubscription, params.CustomerRef); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	periodEnd := now.Add(m.period)
	sub := &RemoteSubscription{
		ID:                fmt.Sprintf("sub_mock_%s", uuid.New().String()[:8]),
		CustomerID:        params.CustomerRef,
		ItemID:            fmt.Sprintf("si_mock_%s", uuid.New().String()[:8]),
		Plan:              params.Plan,
		Quantity:          max(1, params.Quantity),
		Status:            RemoteStatusActive,
		CurrentPeriodEnd:  &periodEnd,
		CurrentTaxPercent: clonePercent(params.TaxPercent),
	}
	if params.TrialDays > 0 {
		trialEnd := now.Add(time.Duration(params.TrialDays) * 24 * time.Hour)
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodEnd = &trialEnd
		sub.Status = RemoteStatusTrialing
	}
	m.subscriptions[sub.ID] = sub

	m.logger.Info("[MOCK STRIPE] Subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("customer_id", sub.CustomerID),
		zap.String("plan", sub.Plan),
		zap.Int64("quantity", sub.Quantity),
	)
	return sub.Clone(), nil
}

// RetrieveSubscription returns the stored remote state.
func (m *MockGateway) RetrieveSubscription(ctx context.Context, ref string) (*RemoteSubscription, error) {
	if err := m.begin(OpRetrieveSubscription, ref); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[ref]
	if !ok {
		return nil, &GatewayError{Op: OpRetrieveSubscription, Ref: ref, Err: ErrRemoteNotFound}
	}
	return sub.Clone(), nil
}

// SaveSubscription applies the payload the way the provider would and records it.
func (m *MockGateway) SaveSubscription(ctx context.Context, sub *RemoteSubscription) (*RemoteSubscription, error) {
	if err := m.begin(OpSaveSubscription, sub.ID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.subscriptions[sub.ID]
	if !ok {
		return nil, &GatewayError{Op: OpSaveSubscription, Ref: sub.ID, Err: ErrRemoteNotFound}
	}
	m.saved = append(m.saved, sub.Clone())

	now := m.now()
	stored.Plan = sub.Plan
	stored.Quantity = max(1, sub.Quantity)
	stored.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if percent, ok := taxChange(&RemoteSubscription{CurrentTaxPercent: stored.CurrentTaxPercent, TaxPercent: sub.TaxPercent}); ok {
		m.taxChanges++
		stored.CurrentTaxPercent = nil
		if percent > 0 {
			stored.CurrentTaxPercent = &percent
		}
	}
	switch {
	case sub.TrialEndNow:
		stored.TrialEnd = &now
	case sub.PinTrialEnd != nil:
		stored.TrialEnd = cloneTime(sub.PinTrialEnd)
	}
	if sub.AnchorNow {
		end := now.Add(m.period)
		stored.CurrentPeriodEnd = &end
	} else if sub.BillingCycleAnchor != nil {
		stored.CurrentPeriodEnd = cloneTime(sub.BillingCycleAnchor)
	}
	if stored.TrialEnd != nil && stored.TrialEnd.After(now) {
		stored.Status = RemoteStatusTrialing
	} else if stored.Status != RemoteStatusCanceled {
		stored.Status = RemoteStatusActive
	}

	m.logger.Info("[MOCK STRIPE] Subscription saved",
		zap.String("subscription_id", stored.ID),
		zap.String("plan", stored.Plan),
		zap.Int64("quantity", stored.Quantity),
		zap.Bool("cancel_at_period_end", stored.CancelAtPeriodEnd),
	)
	return stored.Clone(), nil
}

// CancelSubscription simulates an immediate or end-of-period cancellation.
func (m *MockGateway) CancelSubscription(ctx context.Context, ref string, immediate bool) (*RemoteSubscription, error) {
	if err := m.begin(OpCancelSubscription, ref); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.subscriptions[ref]
	if !ok {
		return nil, &GatewayError{Op: OpCancelSubscription, Ref: ref, Err: ErrRemoteNotFound}
	}
	if immediate {
		now := m.now()
		stored.Status = RemoteStatusCanceled
		stored.EndedAt = &now
		stored.CancelAtPeriodEnd = false
	} else {
		stored.CancelAtPeriodEnd = true
	}

	m.logger.Info("[MOCK STRIPE] Subscription cancelled",
		zap.String("subscription_id", ref),
		zap.Bool("immediate", immediate),
	)
	return stored.Clone(), nil
}

// CreateInvoice simulates invoicing a customer.
func (m *MockGateway) CreateInvoice(ctx context.Context, customerRef string) (*Invoice, error) {
	if err := m.begin(OpCreateInvoice, customerRef); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nothingToBill {
		m.logger.Info("[MOCK STRIPE] Nothing to invoice", zap.String("customer_id", customerRef))
		return nil, nil
	}
	inv := &Invoice{
		ID:         fmt.Sprintf("in_mock_%s", uuid.New().String()[:8]),
		CustomerID: customerRef,
		Currency:   "myr",
		Status:     "paid",
	}

	m.logger.Info("[MOCK STRIPE] Invoice created",
		zap.String("invoice_id", inv.ID),
		zap.String("customer_id", customerRef),
	)
	return inv, nil
}

// begin records the call and pops an injected failure, if one is queued.
func (m *MockGateway) begin(op, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Op: op, Ref: ref})

	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failures[op] = queue[1:]
	return wrapError(op, ref, err)
}
