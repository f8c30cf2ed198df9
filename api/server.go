/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. Logger:       logrus access log (status, duration, request id)
  3. Recoverer:    Panic recovery (500 instead of crash)
  4. CORS:         Cross-origin requests for the admin frontend
  5. authenticate: Bearer token -> auth.Identity (401 on failure), /api only

ROUTE GROUPS:
  /healthz              Liveness (public)
  /metrics              Prometheus scrape endpoint (public)
  /api/rules/*          Loyalty tiers (read: any caller, write: admin)
  /api/rewards/*        Reward catalog and redemption
  /api/redemptions/*    Redemption lifecycle (admin)
  /api/customers/*      Accounts (self or admin)
  /api/transactions/*   Purchases and reversals (admin)
  /api/audit            Ledger verification (admin)

AUTHORIZATION:
  requireAdmin guards admin-only routes with 403. Routes scoped to a user
  check auth.Identity.CanAccess inside the handler.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/auth"
)

// RouterConfig holds the router's collaborators.
type RouterConfig struct {
	Auth           *auth.Manager
	AllowedOrigins []string
	Metrics        http.Handler // nil disables /metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(authenticate(cfg.Auth))

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/match", h.MatchRule)
			r.Get("/{id}", h.GetRule)
			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/", h.CreateRule)
				r.Patch("/{id}", h.UpdateRule)
				r.Delete("/{id}", h.DeleteRule)
			})
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Post("/redeem", h.Redeem)
			r.Get("/{id}", h.GetReward)
			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/", h.CreateReward)
				r.Patch("/{id}", h.UpdateReward)
				r.Delete("/{id}", h.DeleteReward)
			})
		})

		r.Route("/redemptions", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/", h.ListRedemptions)
			r.Get("/{id}", h.GetRedemption)
			r.Patch("/{id}/status", h.SetRedemptionStatus)
		})

		r.Route("/customers", func(r chi.Router) {
			// Self-or-admin routes
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/points", h.GetPoints)
			r.Get("/{id}/next-reward", h.GetNextReward)
			r.Get("/{id}/affordable-rewards", h.AffordableRewards)
			r.Get("/{id}/transactions", h.ListCustomerTransactions)
			r.Get("/{id}/redemptions", h.ListCustomerRedemptions)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/", h.ListCustomers)
				r.Post("/", h.CreateCustomer)
				r.Get("/search", h.SearchCustomer)
				r.Patch("/{id}", h.UpdateCustomer)
				r.Delete("/{id}", h.DeleteCustomer)
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/", h.RecordPurchase)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.With(requireAdmin).Get("/audit", h.Audit)
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// requestLogger writes one logrus line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		})
		switch {
		case status >= 500:
			entry.Error("Request failed")
		case status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request served")
		}
	})
}

// authenticate resolves the bearer token into an auth.Identity.
func authenticate(m *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			id, err := m.Verify(token)
			if err != nil {
				log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).
					Debug("Rejected credentials")
				writeAuthError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok || !id.IsAdmin() {
			writeAuthError(w, http.StatusForbidden, codeForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
