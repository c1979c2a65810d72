package metrics

import (
	"context"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
)

// InstrumentedGateway counts every call made through the wrapped gateway.
type InstrumentedGateway struct {
	next adapter.BillingGateway
	c    *Collector
}

// InstrumentGateway wraps next so each remote call is recorded in c.
func InstrumentGateway(next adapter.BillingGateway, c *Collector) *InstrumentedGateway {
	return &InstrumentedGateway{next: next, c: c}
}

func (g *InstrumentedGateway) CreateCustomer(ctx context.Context, p adapter.CustomerParams) (string, error) {
	ref, err := g.next.CreateCustomer(ctx, p)
	g.c.RecordGatewayCall(adapter.OpCreateCustomer, err)
	return ref, err
}

func (g *InstrumentedGateway) CreateSubscription(ctx context.Context, p adapter.CreateSubscriptionParams) (*adapter.RemoteSubscription, error) {
	sub, err := g.next.CreateSubscription(ctx, p)
	g.c.RecordGatewayCall(adapter.OpCreateSubscription, err)
	return sub, err
}

func (g *InstrumentedGateway) RetrieveSubscription(ctx context.Context, ref string) (*adapter.RemoteSubscription, error) {
	sub, err := g.next.RetrieveSubscription(ctx, ref)
	g.c.RecordGatewayCall(adapter.OpRetrieveSubscription, err)
	return sub, err
}

func (g *InstrumentedGateway) SaveSubscription(ctx context.Context, s *adapter.RemoteSubscription) (*adapter.RemoteSubscription, error) {
	sub, err := g.next.SaveSubscription(ctx, s)
	g.c.RecordGatewayCall(adapter.OpSaveSubscription, err)
	return sub, err
}

func (g *InstrumentedGateway) CancelSubscription(ctx context.Context, ref string, immediate bool) (*adapter.RemoteSubscription, error) {
	sub, err := g.next.CancelSubscription(ctx, ref, immediate)
	g.c.RecordGatewayCall(adapter.OpCancelSubscription, err)
	return sub, err
}

func (g *InstrumentedGateway) CreateInvoice(ctx context.Context, customerRef string) (*adapter.Invoice, error) {
	inv, err := g.next.CreateInvoice(ctx, customerRef)
	g.c.RecordGatewayCall(adapter.OpCreateInvoice, err)
	return inv, err
}
