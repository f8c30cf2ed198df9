/*
Package loyalty implements the points-accrual and redemption ledger.

PURPOSE:
  Customers earn points on purchases according to tiered loyalty rules and
  spend them on rewards. This package owns the invariant that ties a
  customer's point balance to their transaction history:

      account.points      == Σ transaction.points_earned
      account.total_spent == Σ transaction.amount   (purchases only)

  Every mutation (purchase, redemption, refund, transaction deletion) runs
  as one atomic unit against the Store. No partial write is ever visible.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:     The aggregate root (points, total_spent, identity fields)
  - Transaction: Immutable ledger row (purchase / redemption / refund)
  - Rule:        A tier mapping a purchase amount range to points
  - Reward:      Something points can be spent on
  - Redemption:  A claim on a reward (pending → applied | cancelled)

SEE ALSO:
  - matcher.go:    Rule matching (amount → points)
  - ledger.go:     Purchase / redemption / refund / delete primitives
  - redemption.go: Redemption state machine
  - account.go:    Balance, next reward, customer management, audit
  - store.go:      Persistence contract
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT - Aggregate root
// =============================================================================

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleCustomer }

// Account is a user of the program. Points and TotalSpent are only ever
// changed by ledger operations.
type Account struct {
	ID         string
	Role       Role
	DNI        string // national id; empty when not provided
	Name       string
	Email      string
	Phone      string
	Points     int64
	TotalSpent decimal.Decimal
	CreatedAt  time.Time
}

// Balance is the read-only view of an account's counters.
type Balance struct {
	UserID     string
	Points     int64
	TotalSpent decimal.Decimal
}

func (a Account) Balance() Balance {
	return Balance{UserID: a.ID, Points: a.Points, TotalSpent: a.TotalSpent}
}

// =============================================================================
// TRANSACTION - Immutable ledger row
// =============================================================================

type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"   // Points earned on a purchase
	TxRedemption TransactionType = "redemption" // Points debited for a reward claim
	TxRefund     TransactionType = "refund"     // Points credited back on cancellation
)

func (t TransactionType) Valid() bool {
	return t == TxPurchase || t == TxRedemption || t == TxRefund
}

type Transaction struct {
	ID           string
	UserID       string
	Type         TransactionType
	Amount       decimal.Decimal // zero for non-purchase rows
	PointsEarned int64           // positive for purchase/refund, negative for redemption
	Description  string

	// RedemptionID links redemption/refund rows to their claim.
	RedemptionID string

	// IdempotencyKey is unique when set. Redemption debits and refunds carry
	// one so each claim is debited and refunded at most once.
	IdempotencyKey string

	CreatedAt time.Time
}

func debitKey(redemptionID string) string  { return "redeem:" + redemptionID }
func refundKey(redemptionID string) string { return "refund:" + redemptionID }

// =============================================================================
// CATALOG ENTRIES - Rules and rewards (soft-deleted, never versioned)
// =============================================================================

// Rule is a loyalty tier. An amount qualifies when
// MinAmount <= amount <= MaxAmount (MaxAmount unset = unbounded).
type Rule struct {
	ID           string
	MinAmount    decimal.Decimal
	MaxAmount    decimal.NullDecimal
	PointsEarned int64
	Multiplier   decimal.Decimal
	Description  string
	IsActive     bool
	CreatedAt    time.Time
}

func (r Rule) EntryID() string   { return r.ID }
func (r Rule) EntryActive() bool { return r.IsActive }

type Reward struct {
	ID          string
	Name        string
	PointsCost  int64
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

func (r Reward) EntryID() string   { return r.ID }
func (r Reward) EntryActive() bool { return r.IsActive }

// =============================================================================
// REDEMPTION - Claim lifecycle
// =============================================================================

type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionApplied   RedemptionStatus = "applied"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

func (s RedemptionStatus) Valid() bool {
	return s == RedemptionPending || s == RedemptionApplied || s == RedemptionCancelled
}

// Redemption is a claim against a reward. PointsCost is a snapshot of the
// reward's cost when the claim was made and never changes afterwards.
type Redemption struct {
	ID          string
	UserID      string
	RewardID    string
	RewardName  string // filled on read
	PointsCost  int64
	Status      RedemptionStatus
	CreatedAt   time.Time
	AppliedAt   *time.Time
	CancelledAt *time.Time
}
