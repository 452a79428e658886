/**
 * @description
 * Cron trigger for periodic packet maintenance. The engine itself is not time-driven;
 * this scheduler calls the expiry sweep on a fixed schedule.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer closes and refunds packets whose expiry has passed.
type Expirer interface {
	ExpireDuePackets(ctx context.Context) (int, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	expirer    Expirer
	logger     *slog.Logger
	schedule   string
	jobTimeout time.Duration
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job are skipped.
func NewScheduler(expirer Expirer, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		expirer:    expirer,
		logger:     logger,
		schedule:   schedule,
		jobTimeout: 2 * time.Minute,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.ExpirePackets); err != nil {
		s.logger.Error("failed to schedule packet expiry job", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled packet expiry job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ExpirePackets is the job that expires due packets and retries pending refunds.
func (s *Scheduler) ExpirePackets() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	started := time.Now()
	changed, err := s.expirer.ExpireDuePackets(ctx)
	if err != nil {
		s.logger.Error("packet expiry job failed", "processed", changed, "error", err)
		return
	}
	if changed == 0 {
		s.logger.Debug("no packets due for expiry")
		return
	}
	s.logger.Info("packet expiry job finished", "processed", changed, "duration", time.Since(started))
}
