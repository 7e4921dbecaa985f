// Package scheduler implements the leader-only scheduler plugin (§4.5):
// staging due rows and materializing cron jobs on minute boundaries.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/obango/obango/internal/cronexpr"
	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/metrics"
	"github.com/obango/obango/internal/registry"
	"github.com/obango/obango/internal/store"
)

type Config struct {
	StagingInterval time.Duration // default 1s
	Timezone        *time.Location // default UTC; per-worker CronTimezone overrides
}

type Scheduler struct {
	cfg      Config
	jobs     store.JobStore
	registry *registry.Registry
	logger   *slog.Logger

	lastCronMinute time.Time
}

func New(cfg Config, jobs store.JobStore, reg *registry.Registry, logger *slog.Logger) *Scheduler {
	if cfg.StagingInterval <= 0 {
		cfg.StagingInterval = time.Second
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Scheduler{cfg: cfg, jobs: jobs, registry: reg, logger: logger.With("component", "scheduler")}
}

// Run ticks staging on cfg.StagingInterval and checks cron materialization
// on every tick too; materialization itself is naturally idempotent across
// duplicate ticks within the same minute via the uniqueness protocol, so it
// doesn't need its own independently-phased ticker.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "staging_interval", s.cfg.StagingInterval)
	ticker := time.NewTicker(s.cfg.StagingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shut down")
			return
		case <-ticker.C:
			s.stage(ctx)
			s.materializeCron(ctx)
		}
	}
}

func (s *Scheduler) stage(ctx context.Context) {
	queues, err := s.jobs.StageDue(ctx, time.Now().UTC(), 1000)
	if err != nil {
		s.logger.Error("stage due jobs failed", "error", err)
		return
	}
	for _, q := range queues {
		if err := s.jobs.Notify(ctx, q); err != nil {
			s.logger.Warn("notify queue failed", "queue", q, "error", err)
		}
	}
	if len(queues) > 0 {
		metrics.SchedulerStagedTotal.Add(float64(len(queues)))
		s.logger.Debug("staged due jobs", "queues", queues)
	}
}

// materializeCron inserts one job per matching cron worker for the current
// minute boundary. The uniqueness fingerprint over (worker, minute) makes
// repeat ticks within the same minute and re-elections both insert exactly
// once (§4.5, seed scenario 2).
func (s *Scheduler) materializeCron(ctx context.Context) {
	now := time.Now().In(s.cfg.Timezone)
	minute := now.Truncate(time.Minute)
	if minute.Equal(s.lastCronMinute) {
		return
	}
	s.lastCronMinute = minute

	for _, w := range s.registry.CronWorkers() {
		loc := s.cfg.Timezone
		if w.CronTimezone != "" {
			tz, err := time.LoadLocation(w.CronTimezone)
			if err != nil {
				s.logger.Error("invalid cron timezone", "worker", w.Name, "timezone", w.CronTimezone, "error", err)
				continue
			}
			loc = tz
		}

		expr, err := cronexpr.Parse(w.CronExpr)
		if err != nil {
			// Validated at registration time; this should never happen.
			s.logger.Error("invalid cron expression", "worker", w.Name, "expr", w.CronExpr, "error", err)
			continue
		}

		localNow := now.In(loc)
		if !expr.Matches(localNow) {
			continue
		}

		spec := &domain.Spec{
			Worker:   w.Name,
			Queue:    w.Queue,
			Priority: w.Priority,
			Unique: &domain.UniqueSpec{
				Fields: []domain.UniqueField{domain.FieldWorker},
				Keys:   nil,
				Period: 60,
				States: []domain.State{domain.Available, domain.Scheduled, domain.Executing, domain.Retryable},
			},
		}
		if w.MaxAttempts > 0 {
			spec.MaxAttempts = w.MaxAttempts
		}

		result, err := s.jobs.Insert(ctx, spec)
		if err != nil {
			s.logger.Error("cron materialization insert failed", "worker", w.Name, "error", err)
			continue
		}
		if !result.Conflicted {
			metrics.SchedulerCronMaterializedTotal.WithLabelValues(w.Name).Inc()
			s.logger.Info("materialized cron job", "worker", w.Name, "job_id", result.Job.ID, "minute", minute)
			if err := s.jobs.Notify(ctx, w.Queue); err != nil {
				s.logger.Warn("notify queue failed", "queue", w.Queue, "error", err)
			}
		}
	}
}
