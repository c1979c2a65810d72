package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	ledgerDomain "github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/ledger"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChargeModel is the GORM persistence model for the charges table.
type ChargeModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventID          string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	LastEventID      string    `gorm:"type:varchar(255);not null"`
	OwnerID          uuid.UUID `gorm:"type:uuid;not null;index"`
	ProviderChargeID string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	AmountCents      int64     `gorm:"not null;default:0"`
	Currency         string    `gorm:"type:varchar(3);not null;default:'myr'"`
	Status           string    `gorm:"type:varchar(20);not null;default:'pending'"`
	FailureMessage   string    `gorm:"type:text;not null;default:''"`
	OccurredAt       time.Time `gorm:"type:timestamptz;not null"`
	Version          int64     `gorm:"not null;default:1"`
	CreatedAt        time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;not null"`
}

// TableName specifies the table name for GORM.
func (ChargeModel) TableName() string {
	return "charges"
}

// GormChargeRepository is the GORM-based implementation of ChargeRepository.
type GormChargeRepository struct {
	db *gorm.DB
}

// NewGormChargeRepository creates a new GORM-based charge repository.
func NewGormChargeRepository(db *gorm.DB) *GormChargeRepository {
	return &GormChargeRepository{db: db}
}

// Record inserts the charge once; a second event for the same charge or a replay of the
// same event leaves the table untouched.
func (r *GormChargeRepository) Record(ctx context.Context, c *ledgerDomain.Charge) (bool, error) {
	model := toChargeModel(c)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Update persists a transition with optimistic locking.
func (r *GormChargeRepository) Update(ctx context.Context, c *ledgerDomain.Charge) error {
	model := toChargeModel(c)
	result := r.db.WithContext(ctx).
		Model(&ChargeModel{}).
		Where("id = ? AND version = ?", model.ID, c.Version()-1).
		Select("last_event_id", "status", "failure_message", "occurred_at", "version", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NewConflictError("charge was modified by another transaction")
	}
	return nil
}

// FindByProviderChargeID retrieves a charge by the provider's charge id.
func (r *GormChargeRepository) FindByProviderChargeID(ctx context.Context, ref string) (*ledgerDomain.Charge, error) {
	var model ChargeModel
	if err := r.db.WithContext(ctx).Where("provider_charge_id = ?", ref).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Charge", ref)
		}
		return nil, err
	}
	return toChargeDomain(&model), nil
}

// ListByOwner retrieves one page of an owner's charges.
func (r *GormChargeRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]*ledgerDomain.Charge, int64, error) {
	return r.list(ctx, page, limit, "owner_id = ?", ownerID)
}

// ListAll retrieves all charges with pagination (admin).
func (r *GormChargeRepository) ListAll(ctx context.Context, page, limit int) ([]*ledgerDomain.Charge, int64, error) {
	return r.list(ctx, page, limit, "1 = 1")
}

// Stats returns ledger statistics (admin).
func (r *GormChargeRepository) Stats(ctx context.Context) (*ledgerDomain.Stats, error) {
	var succeeded int64
	if err := r.db.WithContext(ctx).Model(&ChargeModel{}).
		Where("status = ?", string(ledgerDomain.ChargeSucceeded)).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&succeeded).Error; err != nil {
		return nil, err
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var results []statusCount
	if err := r.db.WithContext(ctx).Model(&ChargeModel{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&results).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, sc := range results {
		counts[sc.Status] = sc.Count
	}
	return &ledgerDomain.Stats{SucceededCents: succeeded, CountByStatus: counts}, nil
}

func (r *GormChargeRepository) list(ctx context.Context, page, limit int, query string, args ...interface{}) ([]*ledgerDomain.Charge, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&ChargeModel{}).Where(query, args...).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []ChargeModel
	offset := (page - 1) * limit
	if err := r.db.WithContext(ctx).Where(query, args...).
		Order("created_at DESC").Offset(offset).Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}

	charges := make([]*ledgerDomain.Charge, len(models))
	for i := range models {
		charges[i] = toChargeDomain(&models[i])
	}
	return charges, total, nil
}

func toChargeDomain(m *ChargeModel) *ledgerDomain.Charge {
	return ledgerDomain.Reconstitute(
		m.ID,
		m.EventID,
		m.LastEventID,
		m.OwnerID,
		m.ProviderChargeID,
		m.AmountCents,
		m.Currency,
		ledgerDomain.ChargeStatus(m.Status),
		m.FailureMessage,
		m.OccurredAt.UTC(),
		m.Version,
		m.CreatedAt.UTC(),
		m.UpdatedAt.UTC(),
	)
}

func toChargeModel(c *ledgerDomain.Charge) ChargeModel {
	return ChargeModel{
		ID:               c.ID(),
		EventID:          c.EventID(),
		LastEventID:      c.LastEventID(),
		OwnerID:          c.OwnerID(),
		ProviderChargeID: c.ProviderChargeID(),
		AmountCents:      c.AmountCents(),
		Currency:         c.Currency(),
		Status:           string(c.Status()),
		FailureMessage:   c.FailureMessage(),
		OccurredAt:       c.OccurredAt(),
		Version:          c.Version(),
		CreatedAt:        c.CreatedAt(),
		UpdatedAt:        c.UpdatedAt(),
	}
}
