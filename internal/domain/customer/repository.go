package customer

import (
	"context"

	"github.com/google/uuid"
)

// CustomerRepository defines the persistence contract for Customer aggregates.
type CustomerRepository interface {
	Save(ctx context.Context, c *Customer) error

	// Update persists changes with optimistic locking.
	Update(ctx context.Context, c *Customer) error

	FindByID(ctx context.Context, id uuid.UUID) (*Customer, error)

	// FindByProviderCustomerID resolves the owner referenced by a provider event.
	FindByProviderCustomerID(ctx context.Context, ref string) (*Customer, error)
}
