package application

import (
	"context"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerService exposes the charge ledger written by the reconciler.
type LedgerService struct {
	repo   ledger.ChargeRepository
	logger *zap.Logger
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(repo ledger.ChargeRepository, logger *zap.Logger) *LedgerService {
	return &LedgerService{repo: repo, logger: logger}
}

// ListForOwner returns one page of an owner's charges.
func (s *LedgerService) ListForOwner(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]ChargeDTO, int64, error) {
	charges, total, err := s.repo.ListByOwner(ctx, ownerID, page, limit)
	if err != nil {
		return nil, 0, err
	}
	return toChargeDTOs(charges), total, nil
}

// ListAll returns a paginated list of all charges (admin).
func (s *LedgerService) ListAll(ctx context.Context, page, limit int) ([]ChargeDTO, int64, error) {
	charges, total, err := s.repo.ListAll(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}
	return toChargeDTOs(charges), total, nil
}

// Stats returns aggregate ledger statistics (admin).
func (s *LedgerService) Stats(ctx context.Context) (*LedgerStatsDTO, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &LedgerStatsDTO{
		SucceededCents: stats.SucceededCents,
		CountByStatus:  stats.CountByStatus,
	}, nil
}

func toChargeDTOs(charges []*ledger.Charge) []ChargeDTO {
	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = toChargeDTO(c)
	}
	return dtos
}
