package loyalty

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// SERVICE - Entry point for the request layer
// =============================================================================

// Observer receives ledger events. metrics.Prometheus implements it.
type Observer interface {
	PurchaseRecorded(points int64)
	RedemptionCreated(pointsCost int64)
	RedemptionTransitioned(to RedemptionStatus)
	TransactionDeleted()
	ConflictRetried()
	AuditCompleted(checked, mismatched int)
}

type nopObserver struct{}

func (nopObserver) PurchaseRecorded(int64)                 {}
func (nopObserver) RedemptionCreated(int64)                {}
func (nopObserver) RedemptionTransitioned(RedemptionStatus) {}
func (nopObserver) TransactionDeleted()                    {}
func (nopObserver) ConflictRetried()                       {}
func (nopObserver) AuditCompleted(int, int)                {}

// Service exposes the ledger operations. It is safe for concurrent use;
// all shared state lives in the Store.
type Service struct {
	store    Store
	retry    generic.RetryPolicy
	observer Observer
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithRetryPolicy(p generic.RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides uuid generation (tests).
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		retry:    generic.DefaultRetryPolicy(),
		observer: nopObserver{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	onRetry := s.retry.OnRetry
	s.retry.OnRetry = func(err error, wait time.Duration) {
		s.observer.ConflictRetried()
		log.WithError(err).WithField("wait", wait).Debug("Retrying conflicting ledger transaction")
		if onRetry != nil {
			onRetry(err, wait)
		}
	}
	return s
}

// timestamp is truncated to the finest precision every store keeps.
func (s *Service) timestamp() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

// atomic runs fn inside one store transaction, retried on conflicts.
func atomic[T any](ctx context.Context, s *Service, fn func(tx Tx) (T, error)) (T, error) {
	return generic.RunAtomic(ctx, s.retry, func(ctx context.Context) (T, error) {
		var out T
		err := s.store.WithTx(ctx, func(tx Tx) error {
			v, err := fn(tx)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		return out, err
	})
}
