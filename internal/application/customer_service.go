package application

import (
	"context"
	"fmt"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/customer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CustomerService manages billing accounts and their provider customers.
type CustomerService struct {
	repo    customer.CustomerRepository
	gateway adapter.BillingGateway
	logger  *zap.Logger
}

// NewCustomerService creates a new CustomerService.
func NewCustomerService(repo customer.CustomerRepository, gateway adapter.BillingGateway, logger *zap.Logger) *CustomerService {
	return &CustomerService{repo: repo, gateway: gateway, logger: logger}
}

// Register creates a billing account. The provider customer is created lazily.
func (s *CustomerService) Register(ctx context.Context, req RegisterCustomerRequest) (*CustomerDTO, error) {
	c, err := customer.NewCustomer(req.Email, req.Name, req.TaxPercent)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save customer: %w", err)
	}

	s.logger.Info("customer registered", zap.String("customer_id", c.ID().String()))
	dto := toCustomerDTO(c)
	return &dto, nil
}

// Get returns a billing account.
func (s *CustomerService) Get(ctx context.Context, id uuid.UUID) (*CustomerDTO, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := toCustomerDTO(c)
	return &dto, nil
}

// UpdateTaxPercent changes the percentage applied by SyncTaxPercentage.
func (s *CustomerService) UpdateTaxPercent(ctx context.Context, id uuid.UUID, percent float64) (*CustomerDTO, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.ChangeTaxPercent(percent); err != nil {
		return nil, err
	}
	c.IncrementVersion()
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("update customer: %w", err)
	}
	dto := toCustomerDTO(c)
	return &dto, nil
}

// EnsureRemoteCustomer returns the account, creating its provider customer first if needed.
func (s *CustomerService) EnsureRemoteCustomer(ctx context.Context, id uuid.UUID) (*customer.Customer, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.HasRemoteCustomer() {
		return c, nil
	}

	ref, err := s.gateway.CreateCustomer(ctx, adapter.CustomerParams{
		OwnerID: c.ID().String(),
		Email:   c.Email(),
		Name:    c.Name(),
	})
	if err != nil {
		return nil, err
	}
	if err := c.AttachRemoteCustomer(ref); err != nil {
		return nil, err
	}
	c.IncrementVersion()
	if err := s.repo.Update(ctx, c); err != nil {
		// The orphaned provider customer is harmless; the next call creates another one.
		s.logger.Error("provider customer created but not linked",
			zap.String("customer_id", c.ID().String()),
			zap.String("provider_customer_id", ref),
			zap.Error(err),
		)
		return nil, fmt.Errorf("link provider customer: %w", err)
	}

	s.logger.Info("provider customer linked",
		zap.String("customer_id", c.ID().String()),
		zap.String("provider_customer_id", ref),
	)
	return c, nil
}
