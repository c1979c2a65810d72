package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Cursor is a keyset position in the (createdAt, id) ordering. The zero Cursor starts at the
// beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == uuid.Nil
}

// CursorAfter returns the position just past s.
func CursorAfter(s *Subscription) Cursor {
	return Cursor{CreatedAt: s.CreatedAt(), ID: s.ID()}
}

// SubscriptionRepository defines persistence operations for subscriptions.
type SubscriptionRepository interface {
	// Save persists a new subscription.
	Save(ctx context.Context, s *Subscription) error

	// Update persists changes with optimistic locking. The aggregate's version must already be
	// incremented; a stale version yields a conflict error.
	Update(ctx context.Context, s *Subscription) error

	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	FindByProviderID(ctx context.Context, providerID string) (*Subscription, error)
	FindByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]*Subscription, error)

	// ListUnended returns up to limit subscriptions whose end date is unset or not yet
	// passed, ordered by (createdAt, id) and strictly after the cursor.
	ListUnended(ctx context.Context, after Cursor, limit int) ([]*Subscription, error)
}
