/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes loyalty.Service via REST. Handles HTTP request/response, JSON
  serialization and authorization, and delegates to the domain service.

REQUEST FLOW:
  1. Resolve the caller (auth.Identity, set by the authenticate middleware)
  2. Check the caller may act on the target account
  3. Decode the body
  4. Call the service
  5. Serialize the response or map the error

ERROR HANDLING:
  Every error body is {"code", "error"}. The code comes from generic.CodeOf:
  - 400: validation_error, malformed JSON
  - 401: unauthorized (missing or invalid token)
  - 403: forbidden (wrong role or someone else's account)
  - 404: not_found
  - 409: invalid_transition, duplicate
  - 422: insufficient_balance
  - 503: conflict_retry_exhausted
  - 500: internal_error (details are logged, never returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/auth"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

const (
	codeUnauthorized = "unauthorized"
	codeForbidden    = "forbidden"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *loyalty.Service
}

func NewHandler(svc *loyalty.Service) *Handler {
	return &Handler{Service: svc}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Service.ListRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(rules, toRuleDTO))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Service.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// MatchRule previews the points a purchase amount would earn.
func (h *Handler) MatchRule(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !decode(w, r, &req) {
		return
	}
	points, err := h.Service.PreviewPoints(r.Context(), req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MatchResponse{Amount: req.Amount, Points: points})
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.Service.CreateRule(r.Context(), loyalty.RuleInput{
		MinAmount:    req.MinAmount,
		MaxAmount:    req.MaxAmount,
		PointsEarned: req.PointsEarned,
		Multiplier:   req.Multiplier,
		Description:  req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.Service.UpdateRule(r.Context(), chi.URLParam(r, "id"), loyalty.RulePatch{
		MinAmount:      req.MinAmount,
		MaxAmount:      req.MaxAmount,
		ClearMaxAmount: req.ClearMaxAmount,
		PointsEarned:   req.PointsEarned,
		Multiplier:     req.Multiplier,
		Description:    req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeactivateRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Service.ListRewards(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(rewards, toRewardDTO))
}

func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	reward, err := h.Service.GetReward(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(reward))
}

func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req CreateRewardRequest
	if !decode(w, r, &req) {
		return
	}
	reward, err := h.Service.CreateReward(r.Context(), loyalty.RewardInput{
		Name:        req.Name,
		PointsCost:  req.PointsCost,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRewardDTO(reward))
}

func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	var req UpdateRewardRequest
	if !decode(w, r, &req) {
		return
	}
	reward, err := h.Service.UpdateReward(r.Context(), chi.URLParam(r, "id"), loyalty.RewardPatch{
		Name:        req.Name,
		PointsCost:  req.PointsCost,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(reward))
}

func (h *Handler) DeleteReward(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeactivateReward(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Redeem claims a reward for the caller, or for any user when the caller
// is an admin.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	id := identity(r)
	if req.UserID == "" {
		req.UserID = id.UserID
	}
	if !authorize(w, r, req.UserID) {
		return
	}

	red, err := h.Service.Redeem(r.Context(), req.UserID, req.RewardID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRedemptionDTO(red))
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	reds, err := h.Service.ListRedemptions(r.Context(), "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(reds, toRedemptionDTO))
}

func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	red, err := h.Service.GetRedemption(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(red))
}

func (h *Handler) SetRedemptionStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if !decode(w, r, &req) {
		return
	}
	red, err := h.Service.SetRedemptionStatus(r.Context(), chi.URLParam(r, "id"),
		loyalty.RedemptionStatus(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(red))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Service.ListCustomers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(accounts, toCustomerDTO))
}

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.Service.Register(r.Context(), loyalty.Registration{
		Role:  loyalty.RoleCustomer,
		DNI:   req.DNI,
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(acc))
}

func (h *Handler) SearchCustomer(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Service.FindCustomerByDNI(r.Context(), r.URL.Query().Get("dni"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(acc))
}

// GetCustomer returns any account to its owner and customer accounts to admins.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !authorize(w, r, userID) {
		return
	}

	var (
		acc loyalty.Account
		err error
	)
	if identity(r).UserID == userID {
		acc, err = h.Service.GetAccount(r.Context(), userID)
	} else {
		acc, err = h.Service.GetCustomer(r.Context(), userID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(acc))
}

func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	var req UpdateCustomerRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.Service.UpdateCustomer(r.Context(), chi.URLParam(r, "id"), loyalty.CustomerPatch{
		DNI:   req.DNI,
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(acc))
}

func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteCustomer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !authorize(w, r, userID) {
		return
	}
	bal, err := h.Service.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsDTO{UserID: bal.UserID, Points: bal.Points, TotalSpent: bal.TotalSpent})
}

func (h *Handler) GetNextReward(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !authorize(w, r, userID) {
		return
	}
	bal, err := h.Service.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	next, err := h.Service.GetNextReward(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := NextRewardResponse{Points: bal.Points}
	if next != nil {
		dto := toRewardDTO(*next)
		resp.Reward = &dto
		resp.PointsNeeded = next.PointsCost - bal.Points
	}
	writeJSON(w, http.StatusOK, resp)
}

// AffordableRewards lists the active rewards the customer can redeem now,
// cheapest first.
func (h *Handler) AffordableRewards(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !authorize(w, r, userID) {
		return
	}
	rewards, err := h.Service.AffordableRewards(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(rewards, toRewardDTO))
}

func (h *Handler) ListCustomerTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !authorize(w, r, userID) {
		return
	}
	txs, err := h.Service.ListTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(txs, toTransactionDTO))
}

func (h *Handler) ListCustomerRedemptions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !authorize(w, r, userID) {
		return
	}
	reds, err := h.Service.ListRedemptions(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(reds, toRedemptionDTO))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req RecordPurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.Service.RecordPurchase(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteTransaction(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// AUDIT
// =============================================================================

// Audit folds every account's ledger and lists the accounts that disagree.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.VerifyLedger(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{
		Checked:    report.Checked,
		Mismatched: mapSlice(report.Mismatched, toAuditDTO),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

// statusFor maps a stable error code to its HTTP status.
func statusFor(code generic.Code) int {
	switch code {
	case generic.CodeValidation:
		return http.StatusBadRequest
	case generic.CodeNotFound:
		return http.StatusNotFound
	case generic.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case generic.CodeInvalidTransition, generic.CodeDuplicate:
		return http.StatusConflict
	case generic.CodeConflictRetryExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error to its status and stable code. Storage
// details stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := generic.CodeOf(err)
	msg := err.Error()

	switch code {
	case generic.CodeInternal:
		log.WithError(err).WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error("Internal error")
		msg = "internal error"
	case generic.CodeConflictRetryExhausted:
		log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).
			Warn("Gave up on conflicting transaction")
		msg = generic.ErrConflictRetryExhausted.Error()
	}
	writeJSON(w, statusFor(code), ErrorResponse{Code: string(code), Error: msg})
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Error: msg})
}

// decode reads a JSON body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, generic.Invalid("body", "malformed JSON: %v", err))
		return false
	}
	return true
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// authorize writes a 403 unless the caller may act on userID.
func authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	if identity(r).CanAccess(userID) {
		return true
	}
	writeAuthError(w, http.StatusForbidden, codeForbidden,
		fmt.Sprintf("not allowed to access account %s", userID))
	return false
}

