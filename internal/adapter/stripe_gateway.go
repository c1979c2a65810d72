package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/taxrate"
	"go.uber.org/zap"
)

const (
	prorationCreate = "create_prorations"
	prorationNone   = "none"

	noLineItemsCode = "invoice_no_customer_line_items"
)

// StripeGateway implements BillingGateway against the Stripe API. Every client carries its own
// key and backend, so the process-wide stripe.Key is never touched.
type StripeGateway struct {
	subscriptions subscription.Client
	customers     customer.Client
	invoices      invoice.Client
	taxRates      taxrate.Client
	logger        *zap.Logger
}

// NewStripeGateway creates a Stripe gateway. The SDK's own network retries are disabled
// because RetryingGateway owns the retry budget.
func NewStripeGateway(secretKey string, logger *zap.Logger) *StripeGateway {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &StripeGateway{
		subscriptions: subscription.Client{B: backend, Key: secretKey},
		customers:     customer.Client{B: backend, Key: secretKey},
		invoices:      invoice.Client{B: backend, Key: secretKey},
		taxRates:      taxrate.Client{B: backend, Key: secretKey},
		logger:        logger,
	}
}

// CreateCustomer creates a Stripe customer tagged with the owner id.
func (g *StripeGateway) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(p.Email),
		Metadata: map[string]string{
			"owner_id": p.OwnerID,
		},
	}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	applyRequestOptions(ctx, &params.Params)

	c, err := g.customers.New(params)
	if err != nil {
		return "", wrapError(OpCreateCustomer, p.OwnerID, err)
	}
	g.logger.Info("stripe customer created", zap.String("customer_id", c.ID))
	return c.ID, nil
}

// CreateSubscription creates a Stripe subscription on the given price.
func (g *StripeGateway) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*RemoteSubscription, error) {
	params := createParams(p)
	if p.TaxPercent != nil && *p.TaxPercent > 0 {
		rateID, err := g.taxRate(ctx, *p.TaxPercent)
		if err != nil {
			return nil, wrapError(OpCreateSubscription, p.CustomerRef, err)
		}
		params.DefaultTaxRates = []*string{stripe.String(rateID)}
	}
	applyRequestOptions(ctx, &params.Params)

	sub, err := g.subscriptions.New(params)
	if err != nil {
		return nil, wrapError(OpCreateSubscription, p.CustomerRef, err)
	}
	return fromStripe(sub), nil
}

// RetrieveSubscription reads a Stripe subscription.
func (g *StripeGateway) RetrieveSubscription(ctx context.Context, ref string) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{}
	applyRequestOptions(ctx, &params.Params)

	sub, err := g.subscriptions.Get(ref, params)
	if err != nil {
		return nil, wrapError(OpRetrieveSubscription, ref, notFound(err))
	}
	return fromStripe(sub), nil
}

// SaveSubscription sends the mutable fields of sub as one update.
func (g *StripeGateway) SaveSubscription(ctx context.Context, sub *RemoteSubscription) (*RemoteSubscription, error) {
	params := updateParams(sub)
	if percent, ok := taxChange(sub); ok {
		if percent > 0 {
			rateID, err := g.taxRate(ctx, percent)
			if err != nil {
				return nil, wrapError(OpSaveSubscription, sub.ID, err)
			}
			params.DefaultTaxRates = []*string{stripe.String(rateID)}
		} else {
			params.DefaultTaxRates = []*string{}
		}
	}
	applyRequestOptions(ctx, &params.Params)

	updated, err := g.subscriptions.Update(sub.ID, params)
	if err != nil {
		return nil, wrapError(OpSaveSubscription, sub.ID, notFound(err))
	}
	return fromStripe(updated), nil
}

// CancelSubscription cancels now, or flags the subscription to end with its period.
func (g *StripeGateway) CancelSubscription(ctx context.Context, ref string, immediate bool) (*RemoteSubscription, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	if immediate {
		params := &stripe.SubscriptionCancelParams{}
		applyRequestOptions(ctx, &params.Params)
		sub, err = g.subscriptions.Cancel(ref, params)
	} else {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		applyRequestOptions(ctx, &params.Params)
		sub, err = g.subscriptions.Update(ref, params)
	}
	if err != nil {
		return nil, wrapError(OpCancelSubscription, ref, notFound(err))
	}
	return fromStripe(sub), nil
}

// CreateInvoice creates an invoice from the customer's pending items and pays it.
func (g *StripeGateway) CreateInvoice(ctx context.Context, customerRef string) (*Invoice, error) {
	params := &stripe.InvoiceParams{
		Customer:                    stripe.String(customerRef),
		PendingInvoiceItemsBehavior: stripe.String("include"),
	}
	applyRequestOptions(ctx, &params.Params)

	inv, err := g.invoices.New(params)
	if err != nil {
		if nothingToInvoice(err) {
			g.logger.Debug("nothing to invoice", zap.String("customer_id", customerRef))
			return nil, nil
		}
		return nil, wrapError(OpCreateInvoice, customerRef, err)
	}

	payParams := &stripe.InvoicePayParams{}
	applyRequestOptions(ctx, &payParams.Params)
	if payParams.IdempotencyKey != nil {
		payParams.SetIdempotencyKey(*payParams.IdempotencyKey + ":pay")
	}
	paid, err := g.invoices.Pay(inv.ID, payParams)
	if err != nil {
		return nil, wrapError(OpCreateInvoice, customerRef, err)
	}
	return fromStripeInvoice(paid), nil
}

// taxRate creates an exclusive tax rate for the percentage.
// taxChange reports the tax percentage to send, if the save requests a different one than
// the subscription already carries.
func taxChange(sub *RemoteSubscription) (float64, bool) {
	if sub.TaxPercent == nil {
		return 0, false
	}
	want := *sub.TaxPercent
	if sub.CurrentTaxPercent == nil {
		return want, want > 0
	}
	return want, want != *sub.CurrentTaxPercent
}

// taxRate returns an active exclusive rate with the given percentage, creating one only when
// the account has none. Stripe tax rates cannot be deleted, so they are reused.
func (g *StripeGateway) taxRate(ctx context.Context, percent float64) (string, error) {
	list := &stripe.TaxRateListParams{
		Active:    stripe.Bool(true),
		Inclusive: stripe.Bool(false),
	}
	list.Context = ctx
	iter := g.taxRates.List(list)
	for iter.Next() {
		if rate := iter.TaxRate(); rate.Percentage == percent {
			return rate.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list tax rates: %w", err)
	}

	params := &stripe.TaxRateParams{
		DisplayName: stripe.String("Tax"),
		Percentage:  stripe.Float64(percent),
		Inclusive:   stripe.Bool(false),
	}
	applyRequestOptions(ctx, &params.Params)
	if params.IdempotencyKey != nil {
		params.SetIdempotencyKey(*params.IdempotencyKey + ":tax")
	}
	rate, err := g.taxRates.New(params)
	if err != nil {
		return "", fmt.Errorf("create tax rate: %w", err)
	}
	return rate.ID, nil
}

func applyRequestOptions(ctx context.Context, p *stripe.Params) {
	p.Context = ctx
	if key, ok := IdempotencyKeyFromContext(ctx); ok {
		p.SetIdempotencyKey(key)
	}
}

func createParams(p CreateSubscriptionParams) *stripe.SubscriptionParams {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.Plan), Quantity: stripe.Int64(max(1, p.Quantity))},
		},
	}
	if p.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(p.TrialDays))
	}
	return params
}

// updateParams translates sub field by field into a Stripe update. Read-only fields such
// as TrialEnd are never sent back.
func updateParams(sub *RemoteSubscription) *stripe.SubscriptionParams {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(sub.CancelAtPeriodEnd),
		ProrationBehavior: stripe.String(prorationCreate),
	}
	if sub.Prorate != nil && !*sub.Prorate {
		params.ProrationBehavior = stripe.String(prorationNone)
	}

	if sub.Plan != "" || sub.Quantity > 0 {
		item := &stripe.SubscriptionItemsParams{}
		if sub.ItemID != "" {
			item.ID = stripe.String(sub.ItemID)
		}
		if sub.Plan != "" {
			item.Price = stripe.String(sub.Plan)
		}
		if sub.Quantity > 0 {
			item.Quantity = stripe.Int64(sub.Quantity)
		}
		params.Items = []*stripe.SubscriptionItemsParams{item}
	}

	switch {
	case sub.TrialEndNow:
		params.TrialEndNow = stripe.Bool(true)
	case sub.PinTrialEnd != nil:
		params.TrialEnd = stripe.Int64(sub.PinTrialEnd.Unix())
	}

	switch {
	case sub.AnchorNow:
		params.BillingCycleAnchorNow = stripe.Bool(true)
	case sub.BillingCycleAnchor != nil:
		params.BillingCycleAnchor = stripe.Int64(sub.BillingCycleAnchor.Unix())
	}
	return params
}

func fromStripe(sub *stripe.Subscription) *RemoteSubscription {
	out := &RemoteSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		TrialEnd:          unixPtr(sub.TrialEnd),
		EndedAt:           unixPtr(sub.EndedAt),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		out.Quantity = item.Quantity
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
		if item.Price != nil {
			out.Plan = item.Price.ID
		}
	}
	if len(sub.DefaultTaxRates) > 0 && sub.DefaultTaxRates[0] != nil {
		pct := sub.DefaultTaxRates[0].Percentage
		out.CurrentTaxPercent = &pct
	}
	return out
}

func fromStripeInvoice(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:        inv.ID,
		AmountDue: inv.AmountDue,
		Currency:  string(inv.Currency),
		Status:    string(inv.Status),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func nothingToInvoice(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return string(stripeErr.Code) == noLineItemsCode ||
		strings.Contains(strings.ToLower(stripeErr.Msg), "nothing to invoice")
}

func notFound(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
		return fmt.Errorf("%w: %s", ErrRemoteNotFound, strconv.Quote(stripeErr.Msg))
	}
	return err
}
