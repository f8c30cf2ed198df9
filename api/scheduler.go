/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Runs loyalty.Service.VerifyLedger on a cron schedule so balance drift is
  noticed without anyone calling /api/audit. Mismatches are logged by the
  service and exported through the Observer gauges.

CONFIGURATION:
  Schedule is a standard cron spec or descriptor ("@every 1h", "0 3 * * *").
  An empty schedule disables the job.

USAGE:
  scheduler, err := NewAuditScheduler(svc, "@every 1h")
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/audit.go: VerifyLedger
  - handlers.go: Audit endpoint (manual run)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

// AuditScheduler runs ledger verification in the background.
type AuditScheduler struct {
	Service  *loyalty.Service
	Schedule string

	cron    *cron.Cron
	running sync.Mutex // one audit at a time
}

func NewAuditScheduler(svc *loyalty.Service, schedule string) *AuditScheduler {
	return &AuditScheduler{
		Service:  svc,
		Schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the job and starts the cron loop. ctx bounds each run.
func (s *AuditScheduler) Start(ctx context.Context) error {
	if s.Schedule == "" {
		log.Info("[Audit] Disabled, not starting")
		return nil
	}
	if _, err := s.cron.AddFunc(s.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	log.WithField("schedule", s.Schedule).Info("[Audit] Scheduler started")
	return nil
}

// Stop waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info("[Audit] Scheduler stopped")
}

// RunOnce verifies every account. Overlapping runs are skipped.
func (s *AuditScheduler) RunOnce(ctx context.Context) {
	if !s.running.TryLock() {
		log.Warn("[Audit] Previous run still in progress, skipping")
		return
	}
	defer s.running.Unlock()

	start := time.Now()
	report, err := s.Service.VerifyLedger(ctx)
	if err != nil {
		log.WithError(err).Error("[Audit] Ledger verification failed")
		return
	}
	log.WithFields(log.Fields{
		"checked":    report.Checked,
		"mismatched": len(report.Mismatched),
		"duration":   time.Since(start),
	}).Info("[Audit] Ledger verified")
}
