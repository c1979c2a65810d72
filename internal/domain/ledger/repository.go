package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Stats summarises the ledger for the admin dashboard.
type Stats struct {
	SucceededCents int64
	CountByStatus  map[string]int64
}

// ChargeRepository defines the persistence contract for Charge ledger entries.
type ChargeRepository interface {
	// Record inserts the charge unless an entry for the same event or provider charge exists.
	// created is false when nothing was written.
	Record(ctx context.Context, c *Charge) (created bool, err error)

	// Update persists a transition with optimistic locking.
	Update(ctx context.Context, c *Charge) error

	FindByProviderChargeID(ctx context.Context, ref string) (*Charge, error)

	// ListByOwner returns one page of an owner's charges, newest first, and the total count.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]*Charge, int64, error)

	// ListAll returns one page of all charges (admin).
	ListAll(ctx context.Context, page, limit int) ([]*Charge, int64, error)

	Stats(ctx context.Context) (*Stats, error)
}
