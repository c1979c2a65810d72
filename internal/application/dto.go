package application

import (
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/ledger"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/google/uuid"
)

// RegisterCustomerRequest is the DTO for creating a billing account.
type RegisterCustomerRequest struct {
	Email      string  `json:"email" binding:"required,email"`
	Name       string  `json:"name"`
	TaxPercent float64 `json:"tax_percent" binding:"gte=0,lte=100"`
}

// UpdateTaxRequest is the DTO for changing an account's tax percentage.
type UpdateTaxRequest struct {
	TaxPercent float64 `json:"tax_percent" binding:"gte=0,lte=100"`
}

// SubscribeRequest is the DTO for starting a subscription.
type SubscribeRequest struct {
	Plan      string `json:"plan" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"omitempty,gte=1"`
	TrialDays int    `json:"trial_days" binding:"omitempty,gte=0"`
}

// QuantityRequest is the DTO for quantity changes.
type QuantityRequest struct {
	Quantity int64 `json:"quantity" binding:"required"`
}

// CountRequest is the DTO for increments and decrements; a zero count means one.
type CountRequest struct {
	Count   int64 `json:"count"`
	Invoice bool  `json:"invoice"`
}

// SwapRequest is the DTO for changing plans.
type SwapRequest struct {
	Plan      string     `json:"plan" binding:"required"`
	Prorate   *bool      `json:"prorate"`
	AnchorNow bool       `json:"anchor_now"`
	AnchorOn  *time.Time `json:"anchor_on"`
}

// SubscriptionDTO is the API response DTO for subscription data.
type SubscriptionDTO struct {
	ID            uuid.UUID  `json:"id"`
	ProviderID    string     `json:"provider_id"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	Plan          string     `json:"plan"`
	Quantity      int64      `json:"quantity"`
	Status        string     `json:"status"`
	Valid         bool       `json:"valid"`
	OnTrial       bool       `json:"on_trial"`
	OnGracePeriod bool       `json:"on_grace_period"`
	Cancelled     bool       `json:"cancelled"`
	TrialEndsAt   *time.Time `json:"trial_ends_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	SyncedAt      time.Time  `json:"synced_at"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CustomerDTO is the API response DTO for billing accounts.
type CustomerDTO struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	ProviderCustomerID string    `json:"provider_customer_id,omitempty"`
	TaxPercent         float64   `json:"tax_percent"`
	CreatedAt          time.Time `json:"created_at"`
}

// ChargeDTO is the API response DTO for ledger entries.
type ChargeDTO struct {
	ID               uuid.UUID `json:"id"`
	OwnerID          uuid.UUID `json:"owner_id"`
	ProviderChargeID string    `json:"provider_charge_id"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	FailureMessage   string    `json:"failure_message,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// LedgerStatsDTO summarises the charge ledger.
type LedgerStatsDTO struct {
	SucceededCents int64            `json:"succeeded_cents"`
	CountByStatus  map[string]int64 `json:"count_by_status"`
}

func toSubscriptionDTO(s *subscription.Subscription, now time.Time) SubscriptionDTO {
	return SubscriptionDTO{
		ID:            s.ID(),
		ProviderID:    s.ProviderID(),
		OwnerID:       s.OwnerID(),
		Plan:          s.Plan(),
		Quantity:      s.Quantity(),
		Status:        string(s.StatusAt(now)),
		Valid:         s.ValidAt(now),
		OnTrial:       s.OnTrialAt(now),
		OnGracePeriod: s.OnGracePeriodAt(now),
		Cancelled:     s.Cancelled(),
		TrialEndsAt:   s.TrialEndsAt(),
		EndsAt:        s.EndsAt(),
		SyncedAt:      s.SyncedAt(),
		Version:       s.Version(),
		CreatedAt:     s.CreatedAt(),
		UpdatedAt:     s.UpdatedAt(),
	}
}

func toCustomerDTO(c *customer.Customer) CustomerDTO {
	return CustomerDTO{
		ID:                 c.ID(),
		Email:              c.Email(),
		Name:               c.Name(),
		ProviderCustomerID: c.ProviderCustomerID(),
		TaxPercent:         c.TaxPercent(),
		CreatedAt:          c.CreatedAt(),
	}
}

func toChargeDTO(c *ledger.Charge) ChargeDTO {
	return ChargeDTO{
		ID:               c.ID(),
		OwnerID:          c.OwnerID(),
		ProviderChargeID: c.ProviderChargeID(),
		AmountCents:      c.AmountCents(),
		Currency:         c.Currency(),
		Status:           string(c.Status()),
		FailureMessage:   c.FailureMessage(),
		OccurredAt:       c.OccurredAt(),
	}
}
