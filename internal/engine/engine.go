// Package engine wires the building blocks (registry, producers, leader
// election, leader-gated plugins) into one supervised process, mirroring
// how the teacher's cmd/scheduler/main.go composed its worker/reaper/
// dispatcher trio but generalized to spec §6: N producers (one per queue),
// a leader elector, and plugins that only run while this node holds the
// lease.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/obango/obango/config"
	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/leader"
	"github.com/obango/obango/internal/plugins/lifeline"
	"github.com/obango/obango/internal/plugins/pruner"
	"github.com/obango/obango/internal/plugins/scheduler"
	"github.com/obango/obango/internal/producer"
	"github.com/obango/obango/internal/registry"
	"github.com/obango/obango/internal/store"
)

// Engine supervises the node's producers plus its (leader-gated) plugins.
type Engine struct {
	cfg      *config.Config
	jobs     store.JobStore
	registry *registry.Registry
	logger   *slog.Logger

	elector   *leader.Elector
	producers map[string]*producer.Producer

	pluginCancel context.CancelFunc
	pluginMu     sync.Mutex
}

// New builds one Producer per configured queue and a leader elector whose
// election callbacks start/stop the leader-gated plugins.
func New(cfg *config.Config, jobs store.JobStore, leaders store.LeaderStore, reg *registry.Registry, logger *slog.Logger, notifier producer.Notifier) (*Engine, error) {
	queues, err := cfg.ParseQueues()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		jobs:      jobs,
		registry:  reg,
		logger:    logger.With("component", "engine", "node", cfg.NodeID),
		producers: make(map[string]*producer.Producer, len(queues)),
	}

	for _, q := range queues {
		e.producers[q.Name] = producer.New(producer.Config{
			Node:  cfg.NodeID,
			Queue: q.Name,
			Limit: q.Limit,
		}, jobs, reg, logger, notifier)
	}

	e.elector = leader.New(cfg.NodeID, cfg.LeaderLease(), leaders, logger, e.onElected, e.onDemoted)
	return e, nil
}

// Producers exposes the per-queue producers (e.g. for the admin API's
// pause/resume and queue-status endpoints).
func (e *Engine) Producers() map[string]*producer.Producer { return e.producers }

// Run starts every producer, the leader elector, and the NOTIFY listener
// for each queue. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for name, p := range e.producers {
		wg.Add(1)
		go func(name string, p *producer.Producer) {
			defer wg.Done()
			p.Run(ctx)
		}(name, p)

		wg.Add(1)
		go func(name string, p *producer.Producer) {
			defer wg.Done()
			e.listen(ctx, name, p)
		}(name, p)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.elector.Run(ctx)
	}()

	<-ctx.Done()
	e.logger.Info("engine shutting down")
	wg.Wait()

	e.pluginMu.Lock()
	if e.pluginCancel != nil {
		e.pluginCancel()
	}
	e.pluginMu.Unlock()
}

// listen wakes p's producer loop out of cycle whenever this queue is
// notified (a job was staged or newly inserted available). LISTEN is
// best-effort: if the connection drops, the producer still makes
// progress on its PollInterval fallback tick.
func (e *Engine) listen(ctx context.Context, queue string, p *producer.Producer) {
	for {
		err := e.jobs.Listen(ctx, queue, p.Wake)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn("listen connection lost, retrying", "queue", queue, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// onElected starts the leader-gated plugins (scheduler, pruner, lifeline)
// under a context this node controls; onDemoted tears them down. Only one
// node runs these at a time (spec §5).
func (e *Engine) onElected() {
	e.pluginMu.Lock()
	defer e.pluginMu.Unlock()
	if e.pluginCancel != nil {
		return
	}

	pluginCtx, cancel := context.WithCancel(context.Background())
	e.pluginCancel = cancel

	loc, err := time.LoadLocation(e.cfg.SchedulerTimezone)
	if err != nil {
		e.logger.Warn("invalid SCHEDULER_TIMEZONE, defaulting to UTC", "value", e.cfg.SchedulerTimezone, "error", err)
		loc = time.UTC
	}

	sched := scheduler.New(scheduler.Config{
		StagingInterval: e.cfg.SchedulerStagingInterval(),
		Timezone:        loc,
	}, e.jobs, e.registry, e.logger)

	prune := pruner.New(pruner.Config{
		Interval: e.cfg.PrunerInterval(),
		MaxAge:   e.cfg.PrunerMaxAge(),
		Limit:    e.cfg.PrunerLimit,
	}, e.jobs, e.logger)

	line := lifeline.New(lifeline.Config{
		Interval:         e.cfg.LifelineInterval(),
		HeartbeatTimeout: 2 * e.cfg.LifelineInterval(),
	}, e.jobs, e.logger)

	e.logger.Info("elected leader, starting plugins")
	go sched.Run(pluginCtx)
	go prune.Run(pluginCtx)
	go line.Run(pluginCtx)
}

func (e *Engine) onDemoted() {
	e.pluginMu.Lock()
	defer e.pluginMu.Unlock()
	if e.pluginCancel == nil {
		return
	}
	e.logger.Info("lost leadership, stopping plugins")
	e.pluginCancel()
	e.pluginCancel = nil
}

// Submit inserts one job spec through the engine's job store.
func (e *Engine) Submit(ctx context.Context, spec *domain.Spec) (*domain.InsertResult, error) {
	return e.jobs.Insert(ctx, spec)
}
