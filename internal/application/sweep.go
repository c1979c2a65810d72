package application

import (
	"context"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/domain/subscription"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/proto/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sweepPageSize = 100

// SweepResult summarises one reconciliation sweep.
type SweepResult struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// ReconcileSweep compares every unended subscription with the provider and repairs local
// drift. A subscription that cannot be checked is counted and skipped; only a failed listing
// aborts the sweep.
func (m *SubscriptionManager) ReconcileSweep(ctx context.Context) (SweepResult, error) {
	var (
		res    SweepResult
		cursor subscription.Cursor
	)
	for {
		subs, err := m.subs.ListUnended(ctx, cursor, sweepPageSize)
		if err != nil {
			return res, err
		}

		for _, s := range subs {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Checked++
			repaired, err := m.repair(ctx, s.ID())
			switch {
			case err != nil:
				res.Failed++
				m.logger.Warn("sweep could not check subscription",
					zap.String("subscription_id", s.ID().String()),
					zap.Error(err),
				)
			case repaired:
				res.Repaired++
			}
		}

		if len(subs) < sweepPageSize {
			break
		}
		cursor = subscription.CursorAfter(subs[len(subs)-1])
	}

	m.logger.Info("reconciliation sweep finished",
		zap.Int("checked", res.Checked),
		zap.Int("repaired", res.Repaired),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (m *SubscriptionManager) repair(ctx context.Context, id uuid.UUID) (bool, error) {
	repaired := false
	_, err := m.mutate(ctx, OpReconcile, events.SubscriptionSynced, id, func(ctx context.Context, sub *subscription.Subscription, now time.Time) (bool, error) {
		remote, err := m.gateway.RetrieveSubscription(ctx, sub.ProviderID())
		if err != nil {
			return false, err
		}
		repaired = sub.ApplyRemote(subscription.RemoteState{
			Plan:        remote.Plan,
			Quantity:    remote.Quantity,
			TrialEndsAt: remote.TrialEnd,
			EndsAt:      remote.EffectiveEndsAt(now),
		}, now)
		if repaired {
			m.logger.Info("repaired subscription drift",
				zap.String("subscription_id", sub.ID().String()),
				zap.String("provider_id", sub.ProviderID()),
			)
		}
		return repaired, nil
	})
	return repaired && err == nil, err
}
