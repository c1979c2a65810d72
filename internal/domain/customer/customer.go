package customer

import (
	"fmt"
	"strings"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/google/uuid"
)

// Customer is the billing account that owns subscriptions.
type Customer struct {
	id                 uuid.UUID
	email              string
	name               string
	providerCustomerID string
	taxPercent         float64
	version            int64
	createdAt          time.Time
	updatedAt          time.Time
}

// NewCustomer creates a billing account that has no provider customer yet.
func NewCustomer(email, name string, taxPercent float64) (*Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, domain.NewValidationError("email is required")
	}
	if err := validateTaxPercent(taxPercent); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Customer{
		id:         uuid.New(),
		email:      email,
		name:       strings.TrimSpace(name),
		taxPercent: taxPercent,
		version:    1,
		createdAt:  now,
		updatedAt:  now,
	}, nil
}

// Reconstitute rebuilds a Customer from persisted data.
func Reconstitute(
	id uuid.UUID,
	email, name, providerCustomerID string,
	taxPercent float64,
	version int64,
	createdAt, updatedAt time.Time,
) *Customer {
	return &Customer{
		id:                 id,
		email:              email,
		name:               name,
		providerCustomerID: providerCustomerID,
		taxPercent:         taxPercent,
		version:            version,
		createdAt:          createdAt,
		updatedAt:          updatedAt,
	}
}

func (c *Customer) ID() uuid.UUID              { return c.id }
func (c *Customer) Email() string              { return c.email }
func (c *Customer) Name() string               { return c.name }
func (c *Customer) ProviderCustomerID() string { return c.providerCustomerID }
func (c *Customer) TaxPercent() float64        { return c.taxPercent }
func (c *Customer) Version() int64             { return c.version }
func (c *Customer) CreatedAt() time.Time       { return c.createdAt }
func (c *Customer) UpdatedAt() time.Time       { return c.updatedAt }

// HasRemoteCustomer reports whether the account already exists at the provider.
func (c *Customer) HasRemoteCustomer() bool {
	return c.providerCustomerID != ""
}

// AttachRemoteCustomer links the provider customer created for this account.
// A linked account cannot be relinked to a different customer.
func (c *Customer) AttachRemoteCustomer(ref string) error {
	if ref == "" {
		return domain.NewValidationError("provider customer id is required")
	}
	if c.providerCustomerID != "" && c.providerCustomerID != ref {
		return domain.NewConflictError(fmt.Sprintf("customer %s is already linked to %s", c.id, c.providerCustomerID))
	}
	c.providerCustomerID = ref
	c.updatedAt = time.Now().UTC()
	return nil
}

// ChangeTaxPercent sets the tax percentage applied to this account's subscriptions.
func (c *Customer) ChangeTaxPercent(p float64) error {
	if err := validateTaxPercent(p); err != nil {
		return err
	}
	c.taxPercent = p
	c.updatedAt = time.Now().UTC()
	return nil
}

// IncrementVersion bumps the version for optimistic locking.
func (c *Customer) IncrementVersion() {
	c.version++
}

func validateTaxPercent(p float64) error {
	if p < 0 || p > 100 {
		return domain.NewValidationError(fmt.Sprintf("tax percent must be between 0 and 100, got %v", p))
	}
	return nil
}
