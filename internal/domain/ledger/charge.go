package ledger

import (
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/google/uuid"
)

// ChargeStatus represents the state of a provider charge.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
)

// Charge is the ledger entry for one provider charge. It is created by the first webhook that
// mentions the charge and moves forward from pending to a terminal state.
type Charge struct {
	id               uuid.UUID
	eventID          string
	lastEventID      string
	ownerID          uuid.UUID
	providerChargeID string
	amountCents      int64
	currency         string
	status           ChargeStatus
	failureMessage   string
	occurredAt       time.Time
	version          int64
	createdAt        time.Time
	updatedAt        time.Time
}

// NewCharge creates a ledger entry from the event that first reported the charge.
func NewCharge(eventID string, ownerID uuid.UUID, providerChargeID string, amountCents int64, currency string, status ChargeStatus, failureMessage string, occurredAt time.Time) (*Charge, error) {
	if eventID == "" {
		return nil, domain.NewValidationError("event id is required")
	}
	if providerChargeID == "" {
		return nil, domain.NewValidationError("provider charge id is required")
	}
	switch status {
	case ChargePending, ChargeSucceeded, ChargeFailed:
	default:
		return nil, domain.NewValidationError("unknown charge status " + string(status))
	}

	now := time.Now().UTC()
	return &Charge{
		id:               uuid.New(),
		eventID:          eventID,
		lastEventID:      eventID,
		ownerID:          ownerID,
		providerChargeID: providerChargeID,
		amountCents:      amountCents,
		currency:         currency,
		status:           status,
		failureMessage:   failureMessage,
		occurredAt:       occurredAt.UTC(),
		version:          1,
		createdAt:        now,
		updatedAt:        now,
	}, nil
}

// --- Getters ---

func (c *Charge) ID() uuid.UUID            { return c.id }
func (c *Charge) EventID() string          { return c.eventID }
func (c *Charge) LastEventID() string      { return c.lastEventID }
func (c *Charge) OwnerID() uuid.UUID       { return c.ownerID }
func (c *Charge) ProviderChargeID() string { return c.providerChargeID }
func (c *Charge) AmountCents() int64       { return c.amountCents }
func (c *Charge) Currency() string         { return c.currency }
func (c *Charge) Status() ChargeStatus     { return c.status }
func (c *Charge) FailureMessage() string   { return c.failureMessage }
func (c *Charge) OccurredAt() time.Time    { return c.occurredAt }
func (c *Charge) Version() int64           { return c.version }
func (c *Charge) CreatedAt() time.Time     { return c.createdAt }
func (c *Charge) UpdatedAt() time.Time     { return c.updatedAt }

// --- Behavior / State Transitions ---

// Succeed transitions a pending charge to succeeded.
func (c *Charge) Succeed(eventID string, at time.Time) error {
	if c.status != ChargePending {
		return domain.NewInvalidStateError(string(c.status), string(ChargeSucceeded))
	}
	c.status = ChargeSucceeded
	c.record(eventID, at)
	return nil
}

// Fail transitions a pending charge to failed.
func (c *Charge) Fail(eventID, message string, at time.Time) error {
	if c.status != ChargePending {
		return domain.NewInvalidStateError(string(c.status), string(ChargeFailed))
	}
	c.status = ChargeFailed
	c.failureMessage = message
	c.record(eventID, at)
	return nil
}

// Seen reports whether eventID has already been applied to this charge.
func (c *Charge) Seen(eventID string) bool {
	return c.eventID == eventID || c.lastEventID == eventID
}

// IncrementVersion bumps the version for optimistic locking.
func (c *Charge) IncrementVersion() {
	c.version++
	c.updatedAt = time.Now().UTC()
}

func (c *Charge) record(eventID string, at time.Time) {
	c.lastEventID = eventID
	c.occurredAt = at.UTC()
	c.updatedAt = time.Now().UTC()
}

// Reconstitute rebuilds a Charge from persisted data.
func Reconstitute(
	id uuid.UUID,
	eventID, lastEventID string,
	ownerID uuid.UUID,
	providerChargeID string,
	amountCents int64,
	currency string,
	status ChargeStatus,
	failureMessage string,
	occurredAt time.Time,
	version int64,
	createdAt, updatedAt time.Time,
) *Charge {
	return &Charge{
		id:               id,
		eventID:          eventID,
		lastEventID:      lastEventID,
		ownerID:          ownerID,
		providerChargeID: providerChargeID,
		amountCents:      amountCents,
		currency:         currency,
		status:           status,
		failureMessage:   failureMessage,
		occurredAt:       occurredAt,
		version:          version,
		createdAt:        createdAt,
		updatedAt:        updatedAt,
	}
}
