package loyalty

import (
	"context"
	"net/mail"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// ACCOUNT AGGREGATE - Read side
// =============================================================================

// GetBalance returns userID's points and total spent.
func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return acc.Balance(), nil
}

// GetNextReward returns the cheapest active reward the user cannot afford
// yet, or nil when every active reward is within reach.
func (s *Service) GetNextReward(ctx context.Context, userID string) (*Reward, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	rewards, err := s.store.Rewards().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return NextReward(acc.Points, rewards), nil
}

// NextReward picks the cheapest active reward costing more than points.
// Ties go to the lowest id.
func NextReward(points int64, rewards []Reward) *Reward {
	var next *Reward
	for _, r := range generic.ActiveOnly(rewards) {
		if r.PointsCost <= points {
			continue
		}
		if next == nil || r.PointsCost < next.PointsCost ||
			(r.PointsCost == next.PointsCost && r.ID < next.ID) {
			r := r
			next = &r
		}
	}
	return next
}

// AffordableRewards lists active rewards the user can redeem now, cheapest first.
func (s *Service) AffordableRewards(ctx context.Context, userID string) ([]Reward, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	rewards, err := s.store.Rewards().ListActive(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Reward, 0, len(rewards))
	for _, r := range rewards {
		if r.PointsCost <= acc.Points {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PointsCost < out[j].PointsCost })
	return out, nil
}

// =============================================================================
// CUSTOMER MANAGEMENT
// =============================================================================

// Registration carries identity fields for a new account. Credentials are
// handled outside this package.
type Registration struct {
	Role  Role
	DNI   string
	Name  string
	Email string
	Phone string
}

// CustomerPatch is a partial update; nil fields are left unchanged.
type CustomerPatch struct {
	DNI   *string
	Name  *string
	Email *string
	Phone *string
}

func (p CustomerPatch) empty() bool {
	return p.DNI == nil && p.Name == nil && p.Email == nil && p.Phone == nil
}

func validateIdentity(a Account) error {
	if !a.Role.Valid() {
		return generic.Invalid("role", "must be %q or %q", RoleAdmin, RoleCustomer)
	}
	if strings.TrimSpace(a.Name) == "" {
		return generic.Invalid("name", "is required")
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return generic.Invalid("email", "%q is not a valid address", a.Email)
	}
	return nil
}

// Register creates an account with a zero balance.
func (s *Service) Register(ctx context.Context, reg Registration) (Account, error) {
	if reg.Role == "" {
		reg.Role = RoleCustomer
	}
	acc := Account{
		ID:         s.newID(),
		Role:       reg.Role,
		DNI:        strings.TrimSpace(reg.DNI),
		Name:       strings.TrimSpace(reg.Name),
		Email:      strings.ToLower(strings.TrimSpace(reg.Email)),
		Phone:      strings.TrimSpace(reg.Phone),
		Points:     0,
		TotalSpent: decimal.Zero,
		CreatedAt:  s.timestamp(),
	}
	if err := validateIdentity(acc); err != nil {
		return Account{}, err
	}

	_, err := atomic(ctx, s, func(tx Tx) (struct{}, error) {
		return struct{}{}, tx.InsertAccount(ctx, acc)
	})
	if err != nil {
		return Account{}, err
	}

	log.WithFields(log.Fields{"user_id": acc.ID, "role": acc.Role}).Info("Account registered")
	return acc, nil
}

// GetCustomer returns a customer account. Admin accounts are not found here.
func (s *Service) GetCustomer(ctx context.Context, id string) (Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if acc.Role != RoleCustomer {
		return Account{}, generic.NotFound("customer", id)
	}
	return acc, nil
}

// GetAccount returns any account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.store.GetAccount(ctx, id)
}

// FindCustomerByDNI searches customers by national id.
func (s *Service) FindCustomerByDNI(ctx context.Context, dni string) (Account, error) {
	dni = strings.TrimSpace(dni)
	if dni == "" {
		return Account{}, generic.Invalid("dni", "is required")
	}
	acc, err := s.store.FindAccountByDNI(ctx, dni)
	if err != nil {
		return Account{}, err
	}
	if acc.Role != RoleCustomer {
		return Account{}, generic.NotFound("customer", dni)
	}
	return acc, nil
}

// ListCustomers returns customers newest-first.
func (s *Service) ListCustomers(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx, RoleCustomer)
}

// UpdateCustomer edits identity fields. Email and DNI stay unique.
func (s *Service) UpdateCustomer(ctx context.Context, id string, patch CustomerPatch) (Account, error) {
	if patch.empty() {
		return Account{}, generic.Invalid("body", "no fields to update")
	}

	acc, err := atomic(ctx, s, func(tx Tx) (Account, error) {
		acc, err := tx.LockAccount(ctx, id)
		if err != nil {
			return Account{}, err
		}
		if acc.Role != RoleCustomer {
			return Account{}, generic.NotFound("customer", id)
		}

		if patch.DNI != nil {
			acc.DNI = strings.TrimSpace(*patch.DNI)
		}
		if patch.Name != nil {
			acc.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Email != nil {
			acc.Email = strings.ToLower(strings.TrimSpace(*patch.Email))
		}
		if patch.Phone != nil {
			acc.Phone = strings.TrimSpace(*patch.Phone)
		}
		if err := validateIdentity(acc); err != nil {
			return Account{}, err
		}
		if err := tx.UpdateAccountProfile(ctx, acc); err != nil {
			return Account{}, err
		}
		return acc, nil
	})
	if err != nil {
		return Account{}, err
	}

	log.WithField("user_id", id).Info("Customer updated")
	return acc, nil
}

// DeleteCustomer removes a customer together with their ledger and
// redemption history. Refused while any redemption is still pending.
func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	_, err := atomic(ctx, s, func(tx Tx) (struct{}, error) {
		acc, err := tx.LockAccount(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		if acc.Role != RoleCustomer {
			return struct{}{}, generic.NotFound("customer", id)
		}

		pending, err := tx.CountPendingRedemptions(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		if pending > 0 {
			return struct{}{}, &generic.InvalidTransitionError{
				Entity: "customer", ID: id, From: "has_pending_redemptions", To: "deleted",
			}
		}
		return struct{}{}, tx.DeleteAccount(ctx, id)
	})
	if err != nil {
		return err
	}

	log.WithField("user_id", id).Warn("Customer deleted")
	return nil
}
