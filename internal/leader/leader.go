// Package leader implements cluster-wide leader election (§4.4): a single
// elected node owns the leader-gated plugins at any wall-clock instant
// where no lease has expired.
package leader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/obango/obango/internal/metrics"
	"github.com/obango/obango/internal/store"
)

// Elector periodically claims or renews the lease and exposes whether
// this node currently holds it.
type Elector struct {
	node    string
	lease   time.Duration
	renew   time.Duration
	store   store.LeaderStore
	logger  *slog.Logger
	isLeader atomic.Bool

	onElected func()
	onDemoted func()
}

// New creates an Elector that renews every lease/2, per §4.4.
func New(node string, lease time.Duration, s store.LeaderStore, logger *slog.Logger, onElected, onDemoted func()) *Elector {
	return &Elector{
		node:      node,
		lease:     lease,
		renew:     lease / 2,
		store:     s,
		logger:    logger.With("component", "leader"),
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

func (e *Elector) IsLeader() bool { return e.isLeader.Load() }

// Run attempts claim/renew on a fixed tick until ctx is cancelled. On
// cancellation it does not relinquish the lease explicitly — the lease
// simply expires, which is the only eviction mechanism §4.4 describes.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()

	e.attempt(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Elector) attempt(ctx context.Context) {
	held, expiresAt, err := e.store.ClaimOrRenew(ctx, e.node, e.lease)
	if err != nil {
		e.logger.Error("claim or renew failed", "error", err)
		return
	}

	was := e.isLeader.Swap(held)
	if held {
		metrics.LeaderElected.Set(1)
	} else {
		metrics.LeaderElected.Set(0)
	}
	if held && !was {
		e.logger.Info("elected leader", "expires_at", expiresAt)
		if e.onElected != nil {
			e.onElected()
		}
	} else if !held && was {
		e.logger.Info("lost leadership")
		if e.onDemoted != nil {
			e.onDemoted()
		}
	}
}
