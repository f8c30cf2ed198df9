/*
handlers_test.go - HTTP tests for the loyalty API

Tests for:
- Authentication and role checks
- Error code -> HTTP status mapping
- Purchase / redeem / cancel flow end to end
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/auth"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/store/sqlite"
)

type testServer struct {
	router   http.Handler
	svc      *loyalty.Service
	auth     *auth.Manager
	admin    loyalty.Account
	customer loyalty.Account
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	svc := loyalty.NewService(store, loyalty.WithObserver(metrics.New(reg)))
	m := auth.NewManager("test-secret", "", time.Hour)

	ctx := context.Background()
	admin, err := svc.Register(ctx, loyalty.Registration{Role: loyalty.RoleAdmin, Name: "Admin", Email: "admin@example.com"})
	require.NoError(t, err)
	customer, err := svc.Register(ctx, loyalty.Registration{Name: "Ana", Email: "ana@example.com", DNI: "12345678Z"})
	require.NoError(t, err)

	return &testServer{
		router: NewRouter(NewHandler(svc), RouterConfig{
			Auth:           m,
			AllowedOrigins: []string{"http://localhost:5173"},
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}),
		svc:      svc,
		auth:     m,
		admin:    admin,
		customer: customer,
	}
}

func (s *testServer) token(t *testing.T, acc loyalty.Account) string {
	t.Helper()
	tok, err := s.auth.Sign(auth.Identity{UserID: acc.ID, Role: acc.Role})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// AUTH
// =============================================================================

func TestHealthAndMetrics_ArePublic(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loyalty_ledger_purchases_total")
}

func TestAPI_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	assertError(t, s.do(t, http.MethodGet, "/api/rules", "", nil), http.StatusUnauthorized, codeUnauthorized)
	assertError(t, s.do(t, http.MethodGet, "/api/rules", "not-a-jwt", nil), http.StatusUnauthorized, codeUnauthorized)
}

func TestAPI_RejectsExpiredToken(t *testing.T) {
	s := newTestServer(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role: loyalty.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.admin.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	assertError(t, s.do(t, http.MethodGet, "/api/rules", tok, nil), http.StatusUnauthorized, codeUnauthorized)
}

func TestAPI_CustomerRoleLimits(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, s.customer)

	other, err := s.svc.Register(context.Background(), loyalty.Registration{Name: "Bob", Email: "bob@example.com"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"record purchase", http.MethodPost, "/api/transactions", RecordPurchaseRequest{UserID: s.customer.ID}},
		{"create rule", http.MethodPost, "/api/rules", CreateRuleRequest{}},
		{"list customers", http.MethodGet, "/api/customers", nil},
		{"search customers", http.MethodGet, "/api/customers/search?dni=12345678Z", nil},
		{"list all redemptions", http.MethodGet, "/api/redemptions", nil},
		{"other account", http.MethodGet, "/api/customers/" + other.ID, nil},
		{"other points", http.MethodGet, "/api/customers/" + other.ID + "/points", nil},
		{"other transactions", http.MethodGet, "/api/customers/" + other.ID + "/transactions", nil},
		{"other affordable rewards", http.MethodGet, "/api/customers/" + other.ID + "/affordable-rewards", nil},
		{"redeem for other", http.MethodPost, "/api/rewards/redeem", RedeemRequest{UserID: other.ID, RewardID: "r"}},
		{"audit", http.MethodGet, "/api/audit", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(t, tt.method, tt.path, tok, tt.body), http.StatusForbidden, codeForbidden)
		})
	}

	// Own account is readable
	rec := s.do(t, http.MethodGet, "/api/customers/"+s.customer.ID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ana@example.com", decodeBody[CustomerDTO](t, rec).Email)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, s.admin)

	t.Run("validation", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/transactions", tok,
			map[string]any{"user_id": s.customer.ID, "amount": "-5"})
		assertError(t, rec, http.StatusBadRequest, string(generic.CodeValidation))
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/rules/match", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assertError(t, rec, http.StatusBadRequest, string(generic.CodeValidation))
	})

	t.Run("not found", func(t *testing.T) {
		assertError(t, s.do(t, http.MethodGet, "/api/rules/missing", tok, nil),
			http.StatusNotFound, string(generic.CodeNotFound))
		assertError(t, s.do(t, http.MethodGet, "/api/customers/missing/points", tok, nil),
			http.StatusNotFound, string(generic.CodeNotFound))
	})

	t.Run("duplicate", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/customers", tok,
			CreateCustomerRequest{Name: "Copy", Email: "ana@example.com"})
		assertError(t, rec, http.StatusConflict, string(generic.CodeDuplicate))
	})

	t.Run("admin is not a customer", func(t *testing.T) {
		assertError(t, s.do(t, http.MethodDelete, "/api/customers/"+s.admin.ID, tok, nil),
			http.StatusNotFound, string(generic.CodeNotFound))
	})
}

func TestWriteError_HidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)

	writeError(rec, req, errors.New("sqlite: disk I/O error at /var/lib/loyalty.db"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, string(generic.CodeInternal), body.Code)
	assert.Equal(t, "internal error", body.Error)
}

func TestWriteError_RetryExhausted(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/transactions", nil)

	writeError(rec, req, fmt.Errorf("%w after 5 attempts: database is locked", generic.ErrConflictRetryExhausted))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, string(generic.CodeConflictRetryExhausted), body.Code)
	assert.NotContains(t, body.Error, "database is locked")
}

func TestStatusFor(t *testing.T) {
	tests := map[generic.Code]int{
		generic.CodeValidation:             http.StatusBadRequest,
		generic.CodeNotFound:               http.StatusNotFound,
		generic.CodeInsufficientBalance:    http.StatusUnprocessableEntity,
		generic.CodeInvalidTransition:      http.StatusConflict,
		generic.CodeDuplicate:              http.StatusConflict,
		generic.CodeConflictRetryExhausted: http.StatusServiceUnavailable,
		generic.CodeInternal:               http.StatusInternalServerError,
	}
	for code, status := range tests {
		assert.Equal(t, status, statusFor(code), code)
	}
}

// =============================================================================
// FLOWS
// =============================================================================

func TestAPI_PurchaseRedeemCancelFlow(t *testing.T) {
	s := newTestServer(t)
	adminTok := s.token(t, s.admin)
	custTok := s.token(t, s.customer)
	custPath := "/api/customers/" + s.customer.ID

	// GIVEN: A 100-500 tier and two rewards
	rec := s.do(t, http.MethodPost, "/api/rules", adminTok, map[string]any{
		"min_amount": "100", "max_amount": "500", "points_earned": 50, "description": "Silver",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/rewards", adminTok, CreateRewardRequest{Name: "Coffee", PointsCost: 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	coffee := decodeBody[RewardDTO](t, rec)

	rec = s.do(t, http.MethodPost, "/api/rewards", adminTok, CreateRewardRequest{Name: "Gift card", PointsCost: 1000})
	require.Equal(t, http.StatusCreated, rec.Code)
	gift := decodeBody[RewardDTO](t, rec)

	// Preview matches what the purchase will earn
	rec = s.do(t, http.MethodPost, "/api/rules/match", custTok, map[string]any{"amount": 300})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(150), decodeBody[MatchResponse](t, rec).Points)

	// WHEN: The admin records a 300 purchase
	rec = s.do(t, http.MethodPost, "/api/transactions", adminTok, map[string]any{
		"user_id": s.customer.ID, "amount": "300",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := decodeBody[TransactionDTO](t, rec)
	assert.Equal(t, int64(150), purchase.PointsEarned)
	assert.Equal(t, "purchase", purchase.Type)

	// Only the coffee is within reach
	rec = s.do(t, http.MethodGet, custPath+"/affordable-rewards", custTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	affordable := decodeBody[[]RewardDTO](t, rec)
	require.Len(t, affordable, 1)
	assert.Equal(t, coffee.ID, affordable[0].ID)

	// AND: The customer redeems the coffee for themselves
	rec = s.do(t, http.MethodPost, "/api/rewards/redeem", custTok, RedeemRequest{RewardID: coffee.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	red := decodeBody[RedemptionDTO](t, rec)
	assert.Equal(t, "pending", red.Status)
	assert.Equal(t, int64(100), red.PointsCost)
	assert.Equal(t, s.customer.ID, red.UserID)

	// THEN: 50 points remain and the gift card is next
	rec = s.do(t, http.MethodGet, custPath+"/points", custTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	points := decodeBody[PointsDTO](t, rec)
	assert.Equal(t, int64(50), points.Points)
	assert.Equal(t, "300", points.TotalSpent.String())

	rec = s.do(t, http.MethodGet, custPath+"/next-reward", custTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	next := decodeBody[NextRewardResponse](t, rec)
	require.NotNil(t, next.Reward)
	assert.Equal(t, coffee.ID, next.Reward.ID)
	assert.Equal(t, int64(50), next.PointsNeeded)

	rec = s.do(t, http.MethodGet, custPath+"/affordable-rewards", custTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]RewardDTO](t, rec))

	// AND: The gift card is out of reach
	rec = s.do(t, http.MethodPost, "/api/rewards/redeem", custTok, RedeemRequest{RewardID: gift.ID})
	assertError(t, rec, http.StatusUnprocessableEntity, string(generic.CodeInsufficientBalance))

	// WHEN: The admin cancels the redemption
	statusPath := "/api/redemptions/" + red.ID + "/status"
	assertError(t, s.do(t, http.MethodPatch, statusPath, custTok, SetStatusRequest{Status: "cancelled"}),
		http.StatusForbidden, codeForbidden)

	rec = s.do(t, http.MethodPatch, statusPath, adminTok, SetStatusRequest{Status: "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[RedemptionDTO](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	// THEN: Points are back and the claim is final
	rec = s.do(t, http.MethodGet, custPath+"/points", custTok, nil)
	assert.Equal(t, int64(150), decodeBody[PointsDTO](t, rec).Points)

	assertError(t, s.do(t, http.MethodPatch, statusPath, adminTok, SetStatusRequest{Status: "applied"}),
		http.StatusConflict, string(generic.CodeInvalidTransition))

	// AND: History shows purchase, redemption and refund, newest first
	rec = s.do(t, http.MethodGet, custPath+"/transactions", custTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]TransactionDTO](t, rec)
	require.Len(t, txs, 3)
	assert.Equal(t, "refund", txs[0].Type)
	assert.Equal(t, "redemption", txs[1].Type)
	assert.Equal(t, int64(-100), txs[1].PointsEarned)
	assert.Equal(t, "purchase", txs[2].Type)

	rec = s.do(t, http.MethodGet, custPath+"/redemptions", custTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reds := decodeBody[[]RedemptionDTO](t, rec)
	require.Len(t, reds, 1)
	assert.Equal(t, "Coffee", reds[0].RewardName)

	// AND: The audit finds nothing to report
	rec = s.do(t, http.MethodGet, "/api/audit", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[AuditResponse](t, rec)
	assert.Equal(t, 2, audit.Checked)
	assert.Empty(t, audit.Mismatched)
}

func TestAPI_DeleteTransaction(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, s.admin)

	rec := s.do(t, http.MethodPost, "/api/rules", tok, map[string]any{"min_amount": "0", "points_earned": 20, "description": "Flat"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/transactions", tok, map[string]any{"user_id": s.customer.ID, "amount": "42.50"})
	require.Equal(t, http.StatusCreated, rec.Code)
	tx := decodeBody[TransactionDTO](t, rec)

	// WHEN
	rec = s.do(t, http.MethodDelete, "/api/transactions/"+tx.ID, tok, nil)

	// THEN
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/customers/"+s.customer.ID+"/points", tok, nil)
	points := decodeBody[PointsDTO](t, rec)
	assert.Equal(t, int64(0), points.Points)
	assert.True(t, points.TotalSpent.IsZero())

	assertError(t, s.do(t, http.MethodDelete, "/api/transactions/"+tx.ID, tok, nil),
		http.StatusNotFound, string(generic.CodeNotFound))
}

func TestAPI_CustomerManagement(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, s.admin)

	// Create
	rec := s.do(t, http.MethodPost, "/api/customers", tok,
		CreateCustomerRequest{Name: "Carla", Email: "Carla@Example.com", DNI: "87654321X"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[CustomerDTO](t, rec)
	assert.Equal(t, "carla@example.com", created.Email)
	assert.Equal(t, "customer", created.Role)

	// Search by DNI
	rec = s.do(t, http.MethodGet, "/api/customers/search?dni=87654321X", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeBody[CustomerDTO](t, rec).ID)

	// Update
	phone := "+34 611 111 111"
	rec = s.do(t, http.MethodPatch, "/api/customers/"+created.ID, tok, UpdateCustomerRequest{Phone: &phone})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, phone, decodeBody[CustomerDTO](t, rec).Phone)

	// List excludes the admin
	rec = s.do(t, http.MethodGet, "/api/customers", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]CustomerDTO](t, rec), 2)

	// Delete
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/customers/"+created.ID, tok, nil).Code)
	assertError(t, s.do(t, http.MethodGet, "/api/customers/"+created.ID, tok, nil),
		http.StatusNotFound, string(generic.CodeNotFound))
}

func TestAPI_CatalogWrites(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, s.admin)

	rec := s.do(t, http.MethodPost, "/api/rules", tok, map[string]any{
		"min_amount": "50", "max_amount": "10", "points_earned": 5, "description": "Inverted",
	})
	assertError(t, rec, http.StatusBadRequest, string(generic.CodeValidation))

	rec = s.do(t, http.MethodPost, "/api/rules", tok, map[string]any{
		"min_amount": "50", "points_earned": 5, "multiplier": "1.5", "description": "Silver",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decodeBody[RuleDTO](t, rec)
	assert.Nil(t, rule.MaxAmount)
	assert.Equal(t, "1.5", rule.Multiplier.String())

	points := int64(8)
	rec = s.do(t, http.MethodPatch, "/api/rules/"+rule.ID, tok, UpdateRuleRequest{PointsEarned: &points})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(8), decodeBody[RuleDTO](t, rec).PointsEarned)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/rules/"+rule.ID, tok, nil).Code)

	rec = s.do(t, http.MethodGet, "/api/rules", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]RuleDTO](t, rec))

	// Deactivated rules can no longer be edited
	assertError(t, s.do(t, http.MethodPatch, "/api/rules/"+rule.ID, tok, UpdateRuleRequest{PointsEarned: &points}),
		http.StatusNotFound, string(generic.CodeNotFound))
}
