/*
redemption.go - Redemption state machine

STATES:
  ┌─────────┐   applied    ┌─────────┐
  │ pending │ ───────────▶ │ applied │   (terminal, fulfilled outside)
  └─────────┘              └─────────┘
       │
       │ cancelled          ┌───────────┐
       └──────────────────▶ │ cancelled │ (terminal, points refunded once)
                            └───────────┘

RULES:
  - Only pending claims transition. Setting a status the claim already has
    is an error, not a no-op.
  - Cancelling credits PointsCost (the snapshot, not the reward's current
    price) back in the same database transaction as the status change.
  - Applying records applied_at and has no ledger effect.

SEE ALSO:
  - ledger.go: recordRedemptionTx / recordRefundTx
*/
package loyalty

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/generic"
)

// Redeem claims rewardID for userID at the reward's current price.
// The reward must be active and the user must hold enough points.
func (s *Service) Redeem(ctx context.Context, userID, rewardID string) (Redemption, error) {
	r, err := atomic(ctx, s, func(tx Tx) (Redemption, error) {
		reward, err := tx.GetReward(ctx, rewardID)
		if err != nil {
			return Redemption{}, err
		}
		if !reward.IsActive {
			return Redemption{}, generic.NotFound("reward", rewardID)
		}
		r, _, err := s.recordRedemptionTx(ctx, tx, userID, reward, reward.PointsCost)
		return r, err
	})
	if err != nil {
		return Redemption{}, err
	}

	s.redemptionCreated(r)
	return r, nil
}

// SetRedemptionStatus moves a pending redemption to applied or cancelled.
func (s *Service) SetRedemptionStatus(ctx context.Context, redemptionID string, status RedemptionStatus) (Redemption, error) {
	if status != RedemptionApplied && status != RedemptionCancelled {
		return Redemption{}, generic.Invalid("status", "must be %q or %q, got %q",
			RedemptionApplied, RedemptionCancelled, status)
	}

	r, err := atomic(ctx, s, func(tx Tx) (Redemption, error) {
		r, err := tx.LockRedemption(ctx, redemptionID)
		if err != nil {
			return Redemption{}, err
		}
		if r.Status != RedemptionPending {
			return Redemption{}, &generic.InvalidTransitionError{
				Entity: "redemption", ID: r.ID, From: string(r.Status), To: string(status),
			}
		}

		now := s.timestamp()
		r.Status = status
		switch status {
		case RedemptionApplied:
			r.AppliedAt = &now
		case RedemptionCancelled:
			r.CancelledAt = &now
		}
		if err := tx.UpdateRedemptionStatus(ctx, r); err != nil {
			return Redemption{}, err
		}

		if status == RedemptionCancelled {
			if _, err := s.recordRefundTx(ctx, tx, r); err != nil {
				return Redemption{}, err
			}
		}
		return r, nil
	})
	if err != nil {
		return Redemption{}, err
	}

	s.observer.RedemptionTransitioned(status)
	log.WithFields(log.Fields{
		"user_id":       r.UserID,
		"redemption_id": r.ID,
		"status":        status,
		"points":        r.PointsCost,
	}).Info("Redemption status changed")
	return r, nil
}

func (s *Service) GetRedemption(ctx context.Context, id string) (Redemption, error) {
	return s.store.GetRedemption(ctx, id)
}

// ListRedemptions returns claims newest-first; empty userID lists all.
func (s *Service) ListRedemptions(ctx context.Context, userID string) ([]Redemption, error) {
	if userID != "" {
		if _, err := s.store.GetAccount(ctx, userID); err != nil {
			return nil, err
		}
	}
	return s.store.ListRedemptions(ctx, userID)
}
