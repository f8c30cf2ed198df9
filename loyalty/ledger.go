/*
ledger.go - Point ledger primitives

PURPOSE:
  The ledger is the source of truth for every point movement. Each write
  appends a Transaction row AND adjusts the account counters inside the same
  database transaction, so the balance always equals the folded history:

      points      = Σ points_earned
      total_spent = Σ amount

OPERATIONS:
  RecordPurchase:    +points (rule matched), +amount
  RecordRedemption:  new pending Redemption, -points_cost
  RecordRefund:      +points_cost for a cancelled claim, at most once
  DeleteTransaction: admin correction for a purchase row; reverses exactly
                     that row's points and amount, then removes it

CORRECTIONS:
  Rows are immutable. The only exception is DeleteTransaction, which is a
  compensating operation executed atomically with the balance reversal.

EXACTLY-ONCE:
  Redemption debits and refunds carry an idempotency key derived from the
  redemption id. The key is unique in storage, so a claim can never be
  debited or refunded twice even under concurrent cancellation.

SEE ALSO:
  - redemption.go: State machine driving RecordRedemption/RecordRefund
  - store.go: Tx contract
*/
package loyalty

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// PURCHASES
// =============================================================================

// RecordPurchase matches amount against the active rules and credits the
// resulting points to userID.
func (s *Service) RecordPurchase(ctx context.Context, userID string, amount decimal.Decimal) (Transaction, error) {
	if amount.IsNegative() {
		return Transaction{}, generic.Invalid("amount", "must not be negative, got %s", amount)
	}

	t, err := atomic(ctx, s, func(tx Tx) (Transaction, error) {
		return s.recordPurchaseTx(ctx, tx, userID, amount)
	})
	if err != nil {
		return Transaction{}, err
	}

	s.observer.PurchaseRecorded(t.PointsEarned)
	log.WithFields(log.Fields{
		"user_id": userID,
		"amount":  amount.String(),
		"points":  t.PointsEarned,
		"tx_id":   t.ID,
	}).Info("Purchase recorded")
	return t, nil
}

func (s *Service) recordPurchaseTx(ctx context.Context, tx Tx, userID string, amount decimal.Decimal) (Transaction, error) {
	if _, err := tx.LockAccount(ctx, userID); err != nil {
		return Transaction{}, err
	}

	rules, err := tx.ActiveRules(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("load active rules: %w", err)
	}
	points, err := Match(amount, rules)
	if err != nil {
		return Transaction{}, err
	}

	t := Transaction{
		ID:           s.newID(),
		UserID:       userID,
		Type:         TxPurchase,
		Amount:       amount,
		PointsEarned: points,
		Description:  fmt.Sprintf("Purchase of $%s", amount.StringFixed(2)),
		CreatedAt:    s.timestamp(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return Transaction{}, err
	}
	if err := tx.ApplyDelta(ctx, userID, points, amount); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// =============================================================================
// REDEMPTION DEBITS
// =============================================================================

// RecordRedemption opens a pending claim on rewardID for pointsCost points
// and debits them. Unlike Redeem it takes the cost from the caller and does
// not require the reward to be active.
func (s *Service) RecordRedemption(ctx context.Context, userID, rewardID string, pointsCost int64) (Redemption, Transaction, error) {
	if pointsCost <= 0 {
		return Redemption{}, Transaction{}, generic.Invalid("points_cost", "must be positive, got %d", pointsCost)
	}

	type result struct {
		r Redemption
		t Transaction
	}
	res, err := atomic(ctx, s, func(tx Tx) (result, error) {
		reward, err := tx.GetReward(ctx, rewardID)
		if err != nil {
			return result{}, err
		}
		r, t, err := s.recordRedemptionTx(ctx, tx, userID, reward, pointsCost)
		return result{r, t}, err
	})
	if err != nil {
		return Redemption{}, Transaction{}, err
	}

	s.redemptionCreated(res.r)
	return res.r, res.t, nil
}

func (s *Service) recordRedemptionTx(ctx context.Context, tx Tx, userID string, reward Reward, pointsCost int64) (Redemption, Transaction, error) {
	acc, err := tx.LockAccount(ctx, userID)
	if err != nil {
		return Redemption{}, Transaction{}, err
	}
	if acc.Points < pointsCost {
		return Redemption{}, Transaction{}, &generic.InsufficientBalanceError{
			UserID:    userID,
			Available: acc.Points,
			Requested: pointsCost,
		}
	}

	now := s.timestamp()
	r := Redemption{
		ID:         s.newID(),
		UserID:     userID,
		RewardID:   reward.ID,
		RewardName: reward.Name,
		PointsCost: pointsCost,
		Status:     RedemptionPending,
		CreatedAt:  now,
	}
	if err := tx.InsertRedemption(ctx, r); err != nil {
		return Redemption{}, Transaction{}, err
	}

	t := Transaction{
		ID:             s.newID(),
		UserID:         userID,
		Type:           TxRedemption,
		Amount:         decimal.Zero,
		PointsEarned:   -pointsCost,
		Description:    fmt.Sprintf("Redemption: %s", reward.Name),
		RedemptionID:   r.ID,
		IdempotencyKey: debitKey(r.ID),
		CreatedAt:      now,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return Redemption{}, Transaction{}, err
	}
	if err := tx.ApplyDelta(ctx, userID, -pointsCost, decimal.Zero); err != nil {
		return Redemption{}, Transaction{}, err
	}
	return r, t, nil
}

func (s *Service) redemptionCreated(r Redemption) {
	s.observer.RedemptionCreated(r.PointsCost)
	log.WithFields(log.Fields{
		"user_id":       r.UserID,
		"reward_id":     r.RewardID,
		"redemption_id": r.ID,
		"points":        r.PointsCost,
	}).Info("Redemption created")
}

// =============================================================================
// REFUNDS
// =============================================================================

// RecordRefund credits a cancelled redemption's points back to its owner.
// The claim must belong to userID, be cancelled, and cost exactly
// pointsCost. A second refund for the same claim is rejected. Cancellation
// through SetRedemptionStatus already refunds, so this is only needed for
// claims cancelled without a refund row (e.g. imported history).
func (s *Service) RecordRefund(ctx context.Context, userID string, pointsCost int64, redemptionID string) (Transaction, error) {
	t, err := atomic(ctx, s, func(tx Tx) (Transaction, error) {
		r, err := tx.LockRedemption(ctx, redemptionID)
		if err != nil {
			return Transaction{}, err
		}
		if r.UserID != userID {
			return Transaction{}, generic.Invalid("user_id", "redemption %s does not belong to user %s", redemptionID, userID)
		}
		if r.PointsCost != pointsCost {
			return Transaction{}, generic.Invalid("points_cost", "redemption %s cost %d, got %d", redemptionID, r.PointsCost, pointsCost)
		}
		if r.Status != RedemptionCancelled {
			return Transaction{}, &generic.InvalidTransitionError{
				Entity: "redemption", ID: r.ID, From: string(r.Status), To: "refunded",
			}
		}
		return s.recordRefundTx(ctx, tx, r)
	})
	if err != nil {
		return Transaction{}, err
	}

	log.WithFields(log.Fields{
		"user_id":       userID,
		"redemption_id": redemptionID,
		"points":        pointsCost,
	}).Info("Refund recorded")
	return t, nil
}

func (s *Service) recordRefundTx(ctx context.Context, tx Tx, r Redemption) (Transaction, error) {
	key := refundKey(r.ID)
	exists, err := tx.IdempotencyKeyExists(ctx, key)
	if err != nil {
		return Transaction{}, err
	}
	if exists {
		return Transaction{}, &generic.InvalidTransitionError{
			Entity: "redemption", ID: r.ID, From: "refunded", To: "refunded",
		}
	}

	if _, err := tx.LockAccount(ctx, r.UserID); err != nil {
		return Transaction{}, err
	}

	t := Transaction{
		ID:             s.newID(),
		UserID:         r.UserID,
		Type:           TxRefund,
		Amount:         decimal.Zero,
		PointsEarned:   r.PointsCost,
		Description:    fmt.Sprintf("Refund: %s", r.RewardName),
		RedemptionID:   r.ID,
		IdempotencyKey: key,
		CreatedAt:      s.timestamp(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return Transaction{}, err
	}
	if err := tx.ApplyDelta(ctx, r.UserID, r.PointsCost, decimal.Zero); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// =============================================================================
// ADMIN CORRECTION
// =============================================================================

// DeleteTransaction removes a purchase row and reverses exactly its points
// and amount. Redemption and refund rows belong to a redemption's lifecycle
// and cannot be deleted. Deletion is refused when the points were already
// spent, since the balance would go negative.
func (s *Service) DeleteTransaction(ctx context.Context, transactionID string) error {
	t, err := atomic(ctx, s, func(tx Tx) (Transaction, error) {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return Transaction{}, err
		}
		if t.Type != TxPurchase {
			return Transaction{}, &generic.InvalidTransitionError{
				Entity: "transaction", ID: t.ID, From: string(t.Type), To: "deleted",
			}
		}

		acc, err := tx.LockAccount(ctx, t.UserID)
		if err != nil {
			return Transaction{}, err
		}
		if acc.Points < t.PointsEarned {
			return Transaction{}, &generic.InsufficientBalanceError{
				UserID:    t.UserID,
				Available: acc.Points,
				Requested: t.PointsEarned,
			}
		}

		if err := tx.ApplyDelta(ctx, t.UserID, -t.PointsEarned, t.Amount.Neg()); err != nil {
			return Transaction{}, err
		}
		if err := tx.DeleteTransaction(ctx, t.ID); err != nil {
			return Transaction{}, err
		}
		return t, nil
	})
	if err != nil {
		return err
	}

	s.observer.TransactionDeleted()
	log.WithFields(log.Fields{
		"user_id": t.UserID,
		"tx_id":   t.ID,
		"points":  t.PointsEarned,
		"amount":  t.Amount.String(),
	}).Warn("Purchase transaction deleted")
	return nil
}

// =============================================================================
// READS
// =============================================================================

// ListTransactions returns userID's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string) ([]Transaction, error) {
	if _, err := s.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, userID)
}
