package adapter

import (
	"context"
	"time"
)

// BillingGateway is the anti-corruption layer over the remote billing provider.
// It performs transport only; lifecycle rules live in the application layer.
type BillingGateway interface {
	// CreateCustomer creates a provider customer and returns its reference.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// CreateSubscription starts a remote subscription for an existing provider customer.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*RemoteSubscription, error)

	// RetrieveSubscription reads the current remote state.
	RetrieveSubscription(ctx context.Context, ref string) (*RemoteSubscription, error)

	// SaveSubscription writes the mutable fields of sub in a single remote update and returns
	// the state the provider confirmed.
	SaveSubscription(ctx context.Context, sub *RemoteSubscription) (*RemoteSubscription, error)

	// CancelSubscription cancels immediately, or at the end of the current period when
	// immediate is false.
	CancelSubscription(ctx context.Context, ref string, immediate bool) (*RemoteSubscription, error)

	// CreateInvoice bills the customer's pending items right away. A nil invoice with a nil
	// error means there was nothing to invoice.
	CreateInvoice(ctx context.Context, customerRef string) (*Invoice, error)
}

// RemoteSubscription is the typed view of a provider subscription. The fields above the blank
// line are what the provider reports. The fields below it are write intents read by
// SaveSubscription; gateways never fill them in on a read, so a retrieve-then-save only
// changes what the caller set explicitly.
type RemoteSubscription struct {
	ID                string
	CustomerID        string
	ItemID            string
	Plan              string
	Quantity          int64
	Status            string
	CancelAtPeriodEnd bool
	TrialEnd          *time.Time
	CurrentPeriodEnd  *time.Time
	EndedAt           *time.Time
	CurrentTaxPercent *float64

	PinTrialEnd        *time.Time
	TrialEndNow        bool
	BillingCycleAnchor *time.Time
	AnchorNow          bool
	Prorate            *bool
	TaxPercent         *float64
}

// Clone returns a deep copy so callers can mutate write intents freely.
func (r *RemoteSubscription) Clone() *RemoteSubscription {
	if r == nil {
		return nil
	}
	out := *r
	out.TrialEnd = cloneTime(r.TrialEnd)
	out.CurrentPeriodEnd = cloneTime(r.CurrentPeriodEnd)
	out.EndedAt = cloneTime(r.EndedAt)
	out.PinTrialEnd = cloneTime(r.PinTrialEnd)
	out.BillingCycleAnchor = cloneTime(r.BillingCycleAnchor)
	if r.Prorate != nil {
		p := *r.Prorate
		out.Prorate = &p
	}
	out.CurrentTaxPercent = clonePercent(r.CurrentTaxPercent)
	out.TaxPercent = clonePercent(r.TaxPercent)
	return &out
}

// EffectiveEndsAt is the local end date implied by the remote state: the end time of a
// cancelled subscription, the period end of one flagged to cancel, or nil.
func (r *RemoteSubscription) EffectiveEndsAt(now time.Time) *time.Time {
	switch {
	case r.Status == RemoteStatusCanceled:
		if r.EndedAt != nil {
			return cloneTime(r.EndedAt)
		}
		return &now
	case r.CancelAtPeriodEnd:
		if r.CurrentPeriodEnd != nil {
			return cloneTime(r.CurrentPeriodEnd)
		}
		return &now
	default:
		return nil
	}
}

// Provider subscription statuses that the service interprets.
const (
	RemoteStatusTrialing = "trialing"
	RemoteStatusActive   = "active"
	RemoteStatusCanceled = "canceled"
)

// CustomerParams describes a provider customer to create.
type CustomerParams struct {
	OwnerID string
	Email   string
	Name    string
}

// CreateSubscriptionParams describes a new remote subscription.
type CreateSubscriptionParams struct {
	CustomerRef string
	Plan        string
	Quantity    int64
	TrialDays   int
	TaxPercent  *float64
}

// Invoice is the result of billing a customer immediately.
type Invoice struct {
	ID         string
	CustomerID string
	AmountDue  int64
	Currency   string
	Status     string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func clonePercent(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
