// Package scheduler runs the periodic maintenance jobs: expiring group buys
// that stayed Forming too long and archiving terminal ones.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// Expirer expires Forming groups untouched since before.
type Expirer interface {
	ExpireStale(ctx context.Context, before time.Time) (int, error)
}

// Config holds job schedules in standard five-field cron syntax.
type Config struct {
	SweepSchedule    string
	ArchiveSchedule  string
	ExpiryAfter      time.Duration
	ArchiveRetention time.Duration
	JobTimeout       time.Duration
}

// Scheduler owns the cron runner. Overlapping runs of the same job are
// skipped and a panicking job is recovered and logged.
type Scheduler struct {
	cron     *cron.Cron
	expirer  Expirer
	archiver domain.Archiver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	ctx      context.Context
}

// New creates a Scheduler. archiver may be nil when no blob store is
// configured; the archive job is then not registered.
func New(expirer Expirer, archiver domain.Archiver, cfg Config, logger *slog.Logger) *Scheduler {
	logger = logger.With(slog.String("component", "scheduler"))
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		expirer:  expirer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		ctx:      context.Background(),
	}
}

// Register adds the jobs without starting them.
func (s *Scheduler) Register() error {
	var errs []error
	if s.cfg.SweepSchedule != "" && s.expirer != nil {
		errs = append(errs, s.add("expiry sweep", s.cfg.SweepSchedule, s.SweepExpired))
	}
	if s.cfg.ArchiveSchedule != "" && s.archiver != nil {
		errs = append(errs, s.add("archive", s.cfg.ArchiveSchedule, s.ArchiveClosed))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) add(name, spec string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
		defer cancel()
		if err := job(ctx); err != nil {
			s.logger.ErrorContext(ctx, "job failed", slog.String("job", name), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: schedule %s %q: %w", name, spec, err)
	}
	s.logger.Info("scheduled job", slog.String("job", name), slog.String("schedule", spec))
	return nil
}

// Run registers and starts the jobs, then blocks until ctx is done and any
// running job has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	if err := s.Register(); err != nil {
		return err
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// SweepExpired expires groups that have been Forming for longer than
// ExpiryAfter.
func (s *Scheduler) SweepExpired(ctx context.Context) error {
	before := s.now().Add(-s.cfg.ExpiryAfter)
	n, err := s.expirer.ExpireStale(ctx, before)
	if err != nil {
		return fmt.Errorf("scheduler: expiry sweep: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired stale group buys", slog.Int("count", n))
	}
	return nil
}

// ArchiveClosed archives groups that have been terminal for longer than
// ArchiveRetention.
func (s *Scheduler) ArchiveClosed(ctx context.Context) error {
	n, err := s.archiver.ArchiveGroups(ctx, s.now().Add(-s.cfg.ArchiveRetention))
	if err != nil {
		return fmt.Errorf("scheduler: archive: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "archived group buys", slog.Int64("count", n))
	}
	return nil
}
