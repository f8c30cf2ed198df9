/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types from clients
  - *Response: Small response wrappers

AMOUNTS:
  Money is a decimal string ("120.50"). Requests also accept JSON numbers.
  Points are integers.

VALIDATION:
  Validation happens in the loyalty package, not in DTOs. DTOs are pure data
  carriers; pointer fields distinguish "absent" from "zero" in PATCH bodies.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type CustomerDTO struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	DNI        string          `json:"dni,omitempty"`
	Name       string          `json:"name"`
	Email      string          `json:"email"`
	Phone      string          `json:"phone,omitempty"`
	Points     int64           `json:"points"`
	TotalSpent decimal.Decimal `json:"total_spent"`
	CreatedAt  string          `json:"created_at"`
}

type CreateCustomerRequest struct {
	DNI   string `json:"dni"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type UpdateCustomerRequest struct {
	DNI   *string `json:"dni"`
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

type PointsDTO struct {
	UserID     string          `json:"user_id"`
	Points     int64           `json:"points"`
	TotalSpent decimal.Decimal `json:"total_spent"`
}

// NextRewardResponse has a null reward when every active reward is affordable.
type NextRewardResponse struct {
	Points       int64      `json:"points"`
	Reward       *RewardDTO `json:"reward"`
	PointsNeeded int64      `json:"points_needed"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	PointsEarned int64           `json:"points_earned"`
	Description  string          `json:"description,omitempty"`
	RedemptionID string          `json:"redemption_id,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

type RecordPurchaseRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

type RedemptionDTO struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	RewardID    string  `json:"reward_id"`
	RewardName  string  `json:"reward_name,omitempty"`
	PointsCost  int64   `json:"points_cost"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	AppliedAt   *string `json:"applied_at,omitempty"`
	CancelledAt *string `json:"cancelled_at,omitempty"`
}

// RedeemRequest claims a reward. UserID defaults to the caller.
type RedeemRequest struct {
	UserID   string `json:"user_id"`
	RewardID string `json:"reward_id"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// CATALOG
// =============================================================================

type RuleDTO struct {
	ID           string           `json:"id"`
	MinAmount    decimal.Decimal  `json:"min_amount"`
	MaxAmount    *decimal.Decimal `json:"max_amount"`
	PointsEarned int64            `json:"points_earned"`
	Multiplier   decimal.Decimal  `json:"multiplier"`
	Description  string           `json:"description"`
	IsActive     bool             `json:"is_active"`
	CreatedAt    string           `json:"created_at"`
}

type CreateRuleRequest struct {
	MinAmount    decimal.Decimal     `json:"min_amount"`
	MaxAmount    decimal.NullDecimal `json:"max_amount"`
	PointsEarned int64               `json:"points_earned"`
	Multiplier   decimal.NullDecimal `json:"multiplier"`
	Description  string              `json:"description"`
}

// UpdateRuleRequest is a partial update. clear_max_amount removes the
// upper bound.
type UpdateRuleRequest struct {
	MinAmount      *decimal.Decimal `json:"min_amount"`
	MaxAmount      *decimal.Decimal `json:"max_amount"`
	ClearMaxAmount bool             `json:"clear_max_amount"`
	PointsEarned   *int64           `json:"points_earned"`
	Multiplier     *decimal.Decimal `json:"multiplier"`
	Description    *string          `json:"description"`
}

type MatchRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type MatchResponse struct {
	Amount decimal.Decimal `json:"amount"`
	Points int64           `json:"points"`
}

type RewardDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PointsCost  int64  `json:"points_cost"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

type CreateRewardRequest struct {
	Name        string `json:"name"`
	PointsCost  int64  `json:"points_cost"`
	Description string `json:"description"`
}

type UpdateRewardRequest struct {
	Name        *string `json:"name"`
	PointsCost  *int64  `json:"points_cost"`
	Description *string `json:"description"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditDTO struct {
	UserID       string          `json:"user_id"`
	Consistent   bool            `json:"consistent"`
	StoredPoints int64           `json:"stored_points"`
	LedgerPoints int64           `json:"ledger_points"`
	StoredSpent  decimal.Decimal `json:"stored_spent"`
	LedgerSpent  decimal.Decimal `json:"ledger_spent"`
	Transactions int             `json:"transactions"`
}

type AuditResponse struct {
	Checked    int        `json:"checked"`
	Mismatched []AuditDTO `json:"mismatched"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toCustomerDTO(a loyalty.Account) CustomerDTO {
	return CustomerDTO{
		ID:         a.ID,
		Role:       string(a.Role),
		DNI:        a.DNI,
		Name:       a.Name,
		Email:      a.Email,
		Phone:      a.Phone,
		Points:     a.Points,
		TotalSpent: a.TotalSpent,
		CreatedAt:  formatTime(a.CreatedAt),
	}
}

func toTransactionDTO(t loyalty.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           t.ID,
		UserID:       t.UserID,
		Type:         string(t.Type),
		Amount:       t.Amount,
		PointsEarned: t.PointsEarned,
		Description:  t.Description,
		RedemptionID: t.RedemptionID,
		CreatedAt:    formatTime(t.CreatedAt),
	}
}

func toRedemptionDTO(r loyalty.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:          r.ID,
		UserID:      r.UserID,
		RewardID:    r.RewardID,
		RewardName:  r.RewardName,
		PointsCost:  r.PointsCost,
		Status:      string(r.Status),
		CreatedAt:   formatTime(r.CreatedAt),
		AppliedAt:   formatTimePtr(r.AppliedAt),
		CancelledAt: formatTimePtr(r.CancelledAt),
	}
}

func toRuleDTO(r loyalty.Rule) RuleDTO {
	dto := RuleDTO{
		ID:           r.ID,
		MinAmount:    r.MinAmount,
		PointsEarned: r.PointsEarned,
		Multiplier:   r.Multiplier,
		Description:  r.Description,
		IsActive:     r.IsActive,
		CreatedAt:    formatTime(r.CreatedAt),
	}
	if r.MaxAmount.Valid {
		maxAmount := r.MaxAmount.Decimal
		dto.MaxAmount = &maxAmount
	}
	return dto
}

func toRewardDTO(r loyalty.Reward) RewardDTO {
	return RewardDTO{
		ID:          r.ID,
		Name:        r.Name,
		PointsCost:  r.PointsCost,
		Description: r.Description,
		IsActive:    r.IsActive,
		CreatedAt:   formatTime(r.CreatedAt),
	}
}

func toAuditDTO(r loyalty.AuditResult) AuditDTO {
	return AuditDTO{
		UserID:       r.UserID,
		Consistent:   r.Consistent(),
		StoredPoints: r.StoredPoints,
		LedgerPoints: r.LedgerPoints,
		StoredSpent:  r.StoredSpent,
		LedgerSpent:  r.LedgerSpent,
		Transactions: r.Transactions,
	}
}

// mapSlice converts a slice, returning [] rather than null for empty input.
func mapSlice[T, D any](items []T, conv func(T) D) []D {
	out := make([]D, len(items))
	for i, it := range items {
		out[i] = conv(it)
	}
	return out
}
