package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	subDomain "github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionModel is the GORM model for the subscriptions table.
type SubscriptionModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProviderID  string     `gorm:"type:varchar(255);uniqueIndex;not null"`
	OwnerID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Plan        string     `gorm:"type:varchar(255);not null"`
	Quantity    int64      `gorm:"not null;default:1"`
	TrialEndsAt *time.Time `gorm:"type:timestamptz"`
	EndsAt      *time.Time `gorm:"type:timestamptz;index"`
	SyncedAt    time.Time  `gorm:"type:timestamptz;not null"`
	Version     int64      `gorm:"not null;default:1"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;not null"`
}

// TableName sets the table name.
func (SubscriptionModel) TableName() string { return "subscriptions" }

// mutableSubscriptionColumns are written on every update, nil values included.
var mutableSubscriptionColumns = []string{
	"plan", "quantity", "trial_ends_at", "ends_at", "synced_at", "version", "updated_at",
}

// GormSubscriptionRepository implements SubscriptionRepository using GORM.
type GormSubscriptionRepository struct {
	db *gorm.DB
}

// NewGormSubscriptionRepository creates a new GormSubscriptionRepository.
func NewGormSubscriptionRepository(db *gorm.DB) *GormSubscriptionRepository {
	return &GormSubscriptionRepository{db: db}
}

// Save persists a new subscription.
func (r *GormSubscriptionRepository) Save(ctx context.Context, s *subDomain.Subscription) error {
	model := toSubModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.NewConflictError("subscription " + s.ProviderID() + " already exists")
		}
		return err
	}
	return nil
}

// Update persists changes with optimistic locking.
func (r *GormSubscriptionRepository) Update(ctx context.Context, s *subDomain.Subscription) error {
	model := toSubModel(s)
	previousVersion := s.Version() - 1

	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ? AND version = ?", model.ID, previousVersion).
		Select(mutableSubscriptionColumns).
		Updates(&model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NewConflictError("subscription was modified by another transaction")
	}
	return nil
}

// FindByID returns a subscription by ID.
func (r *GormSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*subDomain.Subscription, error) {
	return r.findOne(ctx, id.String(), "id = ?", id)
}

// FindByProviderID returns the subscription mirroring a remote subscription.
func (r *GormSubscriptionRepository) FindByProviderID(ctx context.Context, providerID string) (*subDomain.Subscription, error) {
	return r.findOne(ctx, providerID, "provider_id = ?", providerID)
}

// FindByOwnerID returns every subscription of an owner, newest first.
func (r *GormSubscriptionRepository) FindByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]*subDomain.Subscription, error) {
	var models []SubscriptionModel
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toSubDomains(models), nil
}

// ListUnended returns the next keyset page of subscriptions that have not lapsed. Rows that
// lapse while the caller walks the pages do not shift the ones after them.
func (r *GormSubscriptionRepository) ListUnended(ctx context.Context, after subDomain.Cursor, limit int) ([]*subDomain.Subscription, error) {
	var models []SubscriptionModel
	q := r.db.WithContext(ctx).Where("(ends_at IS NULL OR ends_at > ?)", time.Now().UTC())
	if !after.IsZero() {
		q = q.Where("(created_at, id) > (?, ?)", after.CreatedAt, after.ID)
	}
	if err := q.Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toSubDomains(models), nil
}

func (r *GormSubscriptionRepository) findOne(ctx context.Context, ref string, query string, args ...interface{}) (*subDomain.Subscription, error) {
	var model SubscriptionModel
	if err := r.db.WithContext(ctx).Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Subscription", ref)
		}
		return nil, err
	}
	return toSubDomain(&model), nil
}

func toSubModel(s *subDomain.Subscription) SubscriptionModel {
	return SubscriptionModel{
		ID:          s.ID(),
		ProviderID:  s.ProviderID(),
		OwnerID:     s.OwnerID(),
		Plan:        s.Plan(),
		Quantity:    s.Quantity(),
		TrialEndsAt: s.TrialEndsAt(),
		EndsAt:      s.EndsAt(),
		SyncedAt:    s.SyncedAt(),
		Version:     s.Version(),
		CreatedAt:   s.CreatedAt(),
		UpdatedAt:   s.UpdatedAt(),
	}
}

func toSubDomain(m *SubscriptionModel) *subDomain.Subscription {
	return subDomain.Reconstitute(
		m.ID,
		m.ProviderID,
		m.OwnerID,
		m.Plan,
		m.Quantity,
		utcPtr(m.TrialEndsAt),
		utcPtr(m.EndsAt),
		m.SyncedAt.UTC(),
		m.Version,
		m.CreatedAt.UTC(),
		m.UpdatedAt.UTC(),
	)
}

func toSubDomains(models []SubscriptionModel) []*subDomain.Subscription {
	out := make([]*subDomain.Subscription, len(models))
	for i := range models {
		out[i] = toSubDomain(&models[i])
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
