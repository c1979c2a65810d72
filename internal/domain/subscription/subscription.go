package subscription

import (
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/google/uuid"
)

// Status is the derived lifecycle state of a subscription. It is never persisted.
type Status string

const (
	StatusTrialing    Status = "trialing"
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusCancelled   Status = "cancelled"
)

// Subscription is the aggregate root mirroring one remote provider subscription.
type Subscription struct {
	id          uuid.UUID
	providerID  string
	ownerID     uuid.UUID
	plan        string
	quantity    int64
	trialEndsAt *time.Time
	endsAt      *time.Time
	syncedAt    time.Time
	version     int64
	createdAt   time.Time
	updatedAt   time.Time
}

// NewSubscription creates the local record for a remote subscription that the provider has
// already confirmed.
func NewSubscription(ownerID uuid.UUID, providerID, plan string, quantity int64, trialEndsAt *time.Time, now time.Time) (*Subscription, error) {
	if providerID == "" {
		return nil, domain.NewValidationError("provider subscription id is required")
	}
	if plan == "" {
		return nil, domain.NewValidationError("plan is required")
	}
	if quantity < 1 {
		return nil, domain.NewValidationError(fmt.Sprintf("quantity must be at least 1, got %d", quantity))
	}

	now = now.UTC()
	return &Subscription{
		id:          uuid.New(),
		providerID:  providerID,
		ownerID:     ownerID,
		plan:        plan,
		quantity:    quantity,
		trialEndsAt: utcPtr(trialEndsAt),
		syncedAt:    now,
		version:     1,
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// Reconstitute rebuilds a Subscription from persistence.
func Reconstitute(
	id uuid.UUID,
	providerID string,
	ownerID uuid.UUID,
	plan string,
	quantity int64,
	trialEndsAt, endsAt *time.Time,
	syncedAt time.Time,
	version int64,
	createdAt, updatedAt time.Time,
) *Subscription {
	return &Subscription{
		id:          id,
		providerID:  providerID,
		ownerID:     ownerID,
		plan:        plan,
		quantity:    quantity,
		trialEndsAt: trialEndsAt,
		endsAt:      endsAt,
		syncedAt:    syncedAt,
		version:     version,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

// --- Getters ---

func (s *Subscription) ID() uuid.UUID          { return s.id }
func (s *Subscription) ProviderID() string     { return s.providerID }
func (s *Subscription) OwnerID() uuid.UUID     { return s.ownerID }
func (s *Subscription) Plan() string           { return s.plan }
func (s *Subscription) Quantity() int64        { return s.quantity }
func (s *Subscription) TrialEndsAt() *time.Time { return s.trialEndsAt }
func (s *Subscription) EndsAt() *time.Time     { return s.endsAt }
func (s *Subscription) SyncedAt() time.Time    { return s.syncedAt }
func (s *Subscription) Version() int64         { return s.version }
func (s *Subscription) CreatedAt() time.Time   { return s.createdAt }
func (s *Subscription) UpdatedAt() time.Time   { return s.updatedAt }

// --- Derived status ---

// OnTrialAt reports whether the trial is still running at now.
func (s *Subscription) OnTrialAt(now time.Time) bool {
	return s.trialEndsAt != nil && now.Before(*s.trialEndsAt)
}

// OnGracePeriodAt reports whether the subscription has an end date that has not been reached yet.
func (s *Subscription) OnGracePeriodAt(now time.Time) bool {
	return s.endsAt != nil && now.Before(*s.endsAt)
}

// ActiveAt reports whether the subscription is not scheduled to end, or still within grace.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.endsAt == nil || s.OnGracePeriodAt(now)
}

// Cancelled reports whether an end date is set, whether or not it has passed.
func (s *Subscription) Cancelled() bool {
	return s.endsAt != nil
}

// LapsedAt reports whether the subscription is cancelled and its grace period is over.
func (s *Subscription) LapsedAt(now time.Time) bool {
	return s.Cancelled() && !s.OnGracePeriodAt(now)
}

// ValidAt reports whether the subscription is active, on trial or within its grace period.
func (s *Subscription) ValidAt(now time.Time) bool {
	return s.ActiveAt(now) || s.OnTrialAt(now) || s.OnGracePeriodAt(now)
}

// StatusAt computes the reported status at now.
func (s *Subscription) StatusAt(now time.Time) Status {
	switch {
	case s.LapsedAt(now):
		return StatusCancelled
	case s.OnGracePeriodAt(now):
		return StatusGracePeriod
	case s.OnTrialAt(now):
		return StatusTrialing
	default:
		return StatusActive
	}
}

// --- Behavior / state changes applied after remote confirmation ---

// ApplyQuantity records a quantity the provider has accepted.
func (s *Subscription) ApplyQuantity(quantity int64, now time.Time) error {
	if quantity < 1 {
		return domain.NewValidationError(fmt.Sprintf("quantity must be at least 1, got %d", quantity))
	}
	s.quantity = quantity
	s.touch(now)
	return nil
}

// ApplyPlan records a plan the provider has accepted.
func (s *Subscription) ApplyPlan(plan string, now time.Time) error {
	if plan == "" {
		return domain.NewValidationError("plan is required")
	}
	s.plan = plan
	s.touch(now)
	return nil
}

// MarkEndsAt records a confirmed cancellation that takes effect at endsAt.
func (s *Subscription) MarkEndsAt(endsAt time.Time, now time.Time) {
	t := endsAt.UTC()
	s.endsAt = &t
	s.touch(now)
}

// ClearEndsAt removes a scheduled cancellation.
func (s *Subscription) ClearEndsAt(now time.Time) {
	s.endsAt = nil
	s.touch(now)
}

// SyncTrialEnd copies the provider's trial end. Only the provider may move it.
func (s *Subscription) SyncTrialEnd(trialEndsAt *time.Time, now time.Time) {
	s.trialEndsAt = utcPtr(trialEndsAt)
	s.touch(now)
}

// MarkSynced records the time of the remote state this record now reflects.
func (s *Subscription) MarkSynced(at time.Time) {
	s.syncedAt = at.UTC()
}

// IsStale reports whether remote state observed at `at` is older than what this record reflects.
// Provider timestamps carry second precision, so the comparison is made at that granularity.
func (s *Subscription) IsStale(at time.Time) bool {
	return at.Truncate(time.Second).Before(s.syncedAt.Truncate(time.Second))
}

// RemoteState is the provider's view of the fields the local record mirrors.
type RemoteState struct {
	Plan        string
	Quantity    int64
	TrialEndsAt *time.Time
	EndsAt      *time.Time
}

// ApplyRemote copies remote state onto the record and reports whether anything changed.
// A quantity below one is ignored.
func (s *Subscription) ApplyRemote(state RemoteState, now time.Time) bool {
	changed := false
	if state.Plan != "" && state.Plan != s.plan {
		s.plan = state.Plan
		changed = true
	}
	if state.Quantity >= 1 && state.Quantity != s.quantity {
		s.quantity = state.Quantity
		changed = true
	}
	if !sameTime(s.trialEndsAt, state.TrialEndsAt) {
		s.trialEndsAt = utcPtr(state.TrialEndsAt)
		changed = true
	}
	if !sameTime(s.endsAt, state.EndsAt) {
		s.endsAt = utcPtr(state.EndsAt)
		changed = true
	}
	if changed {
		s.touch(now)
	}
	return changed
}

// IncrementVersion bumps the version for optimistic locking.
func (s *Subscription) IncrementVersion() {
	s.version++
}

func (s *Subscription) touch(now time.Time) {
	s.updatedAt = now.UTC()
}

// ClampDecrement returns quantity-count floored at one.
func ClampDecrement(quantity, count int64) int64 {
	return max(1, quantity-count)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
