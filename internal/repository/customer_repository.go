package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	customerDomain "github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CustomerModel is the GORM model for the customers table.
type CustomerModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email              string    `gorm:"type:varchar(255);not null"`
	Name               string    `gorm:"type:varchar(255);not null;default:''"`
	ProviderCustomerID *string   `gorm:"type:varchar(255);uniqueIndex"`
	TaxPercent         float64   `gorm:"type:numeric(5,2);not null;default:0"`
	Version            int64     `gorm:"not null;default:1"`
	CreatedAt          time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt          time.Time `gorm:"type:timestamptz;not null"`
}

// TableName sets the table name.
func (CustomerModel) TableName() string { return "customers" }

// GormCustomerRepository implements CustomerRepository using GORM.
type GormCustomerRepository struct {
	db *gorm.DB
}

// NewGormCustomerRepository creates a new GormCustomerRepository.
func NewGormCustomerRepository(db *gorm.DB) *GormCustomerRepository {
	return &GormCustomerRepository{db: db}
}

// Save persists a new customer.
func (r *GormCustomerRepository) Save(ctx context.Context, c *customerDomain.Customer) error {
	model := toCustomerModel(c)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.NewConflictError("customer already linked to " + c.ProviderCustomerID())
		}
		return err
	}
	return nil
}

// Update persists changes with optimistic locking.
func (r *GormCustomerRepository) Update(ctx context.Context, c *customerDomain.Customer) error {
	model := toCustomerModel(c)
	result := r.db.WithContext(ctx).
		Model(&CustomerModel{}).
		Where("id = ? AND version = ?", model.ID, c.Version()-1).
		Select("email", "name", "provider_customer_id", "tax_percent", "version", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NewConflictError("customer was modified by another transaction")
	}
	return nil
}

// FindByID returns a customer by ID.
func (r *GormCustomerRepository) FindByID(ctx context.Context, id uuid.UUID) (*customerDomain.Customer, error) {
	var model CustomerModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Customer", id.String())
		}
		return nil, err
	}
	return toCustomerDomain(&model), nil
}

// FindByProviderCustomerID returns the customer linked to a provider customer.
func (r *GormCustomerRepository) FindByProviderCustomerID(ctx context.Context, ref string) (*customerDomain.Customer, error) {
	var model CustomerModel
	if err := r.db.WithContext(ctx).Where("provider_customer_id = ?", ref).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Customer", ref)
		}
		return nil, err
	}
	return toCustomerDomain(&model), nil
}

func toCustomerModel(c *customerDomain.Customer) CustomerModel {
	m := CustomerModel{
		ID:         c.ID(),
		Email:      c.Email(),
		Name:       c.Name(),
		TaxPercent: c.TaxPercent(),
		Version:    c.Version(),
		CreatedAt:  c.CreatedAt(),
		UpdatedAt:  c.UpdatedAt(),
	}
	if ref := c.ProviderCustomerID(); ref != "" {
		m.ProviderCustomerID = &ref
	}
	return m
}

func toCustomerDomain(m *CustomerModel) *customerDomain.Customer {
	ref := ""
	if m.ProviderCustomerID != nil {
		ref = *m.ProviderCustomerID
	}
	return customerDomain.Reconstitute(m.ID, m.Email, m.Name, ref, m.TaxPercent, m.Version, m.CreatedAt.UTC(), m.UpdatedAt.UTC())
}
