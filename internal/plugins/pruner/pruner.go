// Package pruner implements the leader-only retention plugin (§4.6).
package pruner

import (
	"context"
	"log/slog"
	"time"

	"github.com/obango/obango/internal/metrics"
	"github.com/obango/obango/internal/store"
)

type Config struct {
	Interval time.Duration // default 60s
	MaxAge   time.Duration // default 24h
	Limit    int           // default 10000
}

type Pruner struct {
	cfg    Config
	jobs   store.JobStore
	logger *slog.Logger
}

func New(cfg Config, jobs store.JobStore, logger *slog.Logger) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10000
	}
	return &Pruner{cfg: cfg, jobs: jobs, logger: logger.With("component", "pruner")}
}

func (p *Pruner) Run(ctx context.Context) {
	p.logger.Info("pruner started", "interval", p.cfg.Interval, "max_age", p.cfg.MaxAge, "limit", p.cfg.Limit)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pruner shut down")
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.cfg.MaxAge)
	n, err := p.jobs.PruneTerminal(ctx, cutoff, p.cfg.Limit)
	if err != nil {
		p.logger.Error("prune terminal jobs failed", "error", err)
		return
	}
	if n > 0 {
		metrics.PrunerDeletedTotal.Add(float64(n))
		p.logger.Info("pruned terminal jobs", "count", n)
	}
}
