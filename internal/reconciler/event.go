package reconciler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/stripe/stripe-go/v82"
)

// Provider event types the reconciler acts on.
const (
	EventChargePending        = "charge.pending"
	EventChargeFailed         = "charge.failed"
	EventChargeSucceeded      = "charge.succeeded"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionTrialEnd = "customer.subscription.trial_will_end"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
)

// ErrMalformedEvent marks a payload that can never be processed.
var ErrMalformedEvent = errors.New("malformed provider event")

// Event is one provider notification.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  EventObject
}

// EventObject is the subset of the provider object the reconciler reads. Charge and
// subscription events share it; fields a given object does not carry stay zero.
type EventObject struct {
	ID                string       `json:"id"`
	Customer          customerRef  `json:"customer"`
	Amount            int64        `json:"amount"`
	Currency          string       `json:"currency"`
	FailureMessage    string       `json:"failure_message"`
	Status            string       `json:"status"`
	Quantity          int64        `json:"quantity"`
	Plan              *objectRef   `json:"plan"`
	Items             *itemList    `json:"items"`
	TrialEnd          optionalUnix `json:"trial_end"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64        `json:"current_period_end"`
	EndedAt           int64        `json:"ended_at"`
	CanceledAt        int64        `json:"canceled_at"`
}

type objectRef struct {
	ID string `json:"id"`
}

type itemList struct {
	Data []struct {
		ID               string     `json:"id"`
		Price            *objectRef `json:"price"`
		Plan             *objectRef `json:"plan"`
		Quantity         int64      `json:"quantity"`
		CurrentPeriodEnd int64      `json:"current_period_end"`
	} `json:"data"`
}

// customerRef accepts a customer id or an expanded customer object.
type customerRef string

func (c *customerRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*c = customerRef(id)
		return nil
	}
	var obj objectRef
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = customerRef(obj.ID)
	return nil
}

// optionalUnix tells an absent timestamp apart from an explicit null.
type optionalUnix struct {
	Set  bool
	Time *time.Time
}

func (o *optionalUnix) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, []byte("null")) {
		o.Time = nil
		return nil
	}
	var secs int64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	o.Time = unixPtr(secs)
	return nil
}

// ParseEvent decodes a provider event envelope and its object.
func ParseEvent(payload []byte) (Event, error) {
	var envelope stripe.Event
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return Event{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	if envelope.Data == nil || len(envelope.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: data.object is required", ErrMalformedEvent)
	}

	var obj EventObject
	if err := json.Unmarshal(envelope.Data.Raw, &obj); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := Event{ID: envelope.ID, Type: string(envelope.Type), Object: obj}
	if envelope.Created > 0 {
		ev.Created = time.Unix(envelope.Created, 0).UTC()
	}
	return ev, nil
}

// CustomerRef is the provider customer the object belongs to.
func (o EventObject) CustomerRef() string { return string(o.Customer) }

// PlanID prefers the first item's price over the legacy plan field.
func (o EventObject) PlanID() string {
	if o.Items != nil && len(o.Items.Data) > 0 {
		item := o.Items.Data[0]
		if item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
		if item.Plan != nil && item.Plan.ID != "" {
			return item.Plan.ID
		}
	}
	if o.Plan != nil {
		return o.Plan.ID
	}
	return ""
}

// ItemQuantity prefers the first item's quantity over the legacy top-level field.
func (o EventObject) ItemQuantity() int64 {
	if o.Items != nil && len(o.Items.Data) > 0 && o.Items.Data[0].Quantity > 0 {
		return o.Items.Data[0].Quantity
	}
	return o.Quantity
}

// PeriodEnd prefers the first item's period end over the legacy top-level field.
func (o EventObject) PeriodEnd() *time.Time {
	if o.Items != nil && len(o.Items.Data) > 0 && o.Items.Data[0].CurrentPeriodEnd > 0 {
		return unixPtr(o.Items.Data[0].CurrentPeriodEnd)
	}
	return unixPtr(o.CurrentPeriodEnd)
}

// remote converts the object to the gateway's typed view so end dates follow the same rules
// whether they come from a webhook or a sweep.
func (o EventObject) remote() *adapter.RemoteSubscription {
	ended := unixPtr(o.EndedAt)
	if ended == nil {
		ended = unixPtr(o.CanceledAt)
	}
	return &adapter.RemoteSubscription{
		ID:                o.ID,
		CustomerID:        o.CustomerRef(),
		Plan:              o.PlanID(),
		Quantity:          o.ItemQuantity(),
		Status:            o.Status,
		CancelAtPeriodEnd: o.CancelAtPeriodEnd,
		TrialEnd:          o.TrialEnd.Time,
		CurrentPeriodEnd:  o.PeriodEnd(),
		EndedAt:           ended,
	}
}

// remoteState is the local view implied by a subscription object observed at `at`.
// An absent trial_end keeps the current local value.
func (o EventObject) remoteState(current *subscription.Subscription, at time.Time) subscription.RemoteState {
	r := o.remote()
	state := subscription.RemoteState{
		Plan:        r.Plan,
		Quantity:    r.Quantity,
		TrialEndsAt: r.TrialEnd,
		EndsAt:      r.EffectiveEndsAt(at),
	}
	if !o.TrialEnd.Set {
		state.TrialEndsAt = current.TrialEndsAt()
	}
	return state
}

func unixPtr(secs int64) *time.Time {
	if secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}
