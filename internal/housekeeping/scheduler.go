// Package housekeeping runs audit retention on a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mediaconsole/internal/config"
)

type AuditCleaner interface {
	CleanupAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Scheduler struct {
	cron      *cron.Cron
	audit     AuditCleaner
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New registers the jobs. Audit retention is skipped when the retention
// period is zero.
func New(cfg config.Config, audit AuditCleaner, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC), cron.WithSeconds()),
		audit:     audit,
		retention: cfg.AuditRetention(),
		logger:    logger,
		now:       time.Now,
	}
	if s.retention > 0 && audit != nil {
		if _, err := s.cron.AddFunc(cfg.HousekeepingSchedule, func() { s.CleanupAudit(context.Background()) }); err != nil {
			return nil, fmt.Errorf("HOUSEKEEPING_SCHEDULE: %w", err)
		}
	}
	return s, nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Starting housekeeping", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Housekeeping stopped")
}

func (s *Scheduler) CleanupAudit(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.audit.CleanupAuditBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Audit retention failed", zap.Error(err))
		return
	}
	s.logger.Info("Audit retention done", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
}
