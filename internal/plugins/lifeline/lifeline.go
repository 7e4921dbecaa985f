// Package lifeline implements the leader-only orphan-rescue plugin (§4.7):
// executing rows whose owning producer's heartbeat has gone stale are
// returned to available without spending retry budget.
package lifeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/obango/obango/internal/metrics"
	"github.com/obango/obango/internal/store"
)

type Config struct {
	Interval         time.Duration // default 60s
	HeartbeatTimeout time.Duration // how stale a producer heartbeat must be
}

type Lifeline struct {
	cfg    Config
	jobs   store.JobStore
	logger *slog.Logger
}

func New(cfg Config, jobs store.JobStore, logger *slog.Logger) *Lifeline {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * cfg.Interval
	}
	return &Lifeline{cfg: cfg, jobs: jobs, logger: logger.With("component", "lifeline")}
}

func (l *Lifeline) Run(ctx context.Context) {
	l.logger.Info("lifeline started", "interval", l.cfg.Interval, "heartbeat_timeout", l.cfg.HeartbeatTimeout)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("lifeline shut down")
			return
		case <-ticker.C:
			l.rescue(ctx)
		}
	}
}

func (l *Lifeline) rescue(ctx context.Context) {
	staleBefore := time.Now().UTC().Add(-l.cfg.HeartbeatTimeout)
	n, err := l.jobs.RescueOrphans(ctx, staleBefore, 1000)
	if err != nil {
		l.logger.Error("rescue orphans failed", "error", err)
		return
	}
	if n > 0 {
		metrics.LifelineRescuedTotal.Add(float64(n))
		l.logger.Info("rescued orphaned jobs", "count", n)
	}
}
