// Package producer implements the per-(node, queue) fetch/dispatch/ack loop
// of spec §4.3: a bounded concurrency budget, FOR UPDATE SKIP LOCKED fetch,
// parallel dispatch to worker code, and batched acknowledgement.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/metrics"
	"github.com/obango/obango/internal/registry"
	"github.com/obango/obango/internal/store"
)

// Notifier is the best-effort hook the discard-alert notifier attaches
// itself through. A nil Notifier means "don't alert" (e.g. in tests).
type Notifier interface {
	Discarded(ctx context.Context, job *domain.Job, reason error)
}

type state int32

const (
	stateStarting state = iota
	stateRunning
	stateDraining
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Config configures one Producer instance.
type Config struct {
	Node         string
	Queue        string
	Limit        int
	PollInterval time.Duration // fallback tick when no notify arrives
	AckInterval  time.Duration // max delay before a non-full ack batch flushes
	DrainTimeout time.Duration // grace window for in-flight jobs on shutdown
}

// Producer runs the fetch/dispatch/ack loop for one (node, queue) pair.
type Producer struct {
	cfg      Config
	jobs     store.JobStore
	registry *registry.Registry
	logger   *slog.Logger
	notifier Notifier

	state    atomic.Int32
	inFlight atomic.Int32
	paused   atomic.Bool

	wake chan struct{}

	ackMu    sync.Mutex
	ackQueue []store.AckOutcome

	wg sync.WaitGroup
}

func New(cfg Config, jobs store.JobStore, reg *registry.Registry, logger *slog.Logger, notifier Notifier) *Producer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = 100 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	p := &Producer{
		cfg:      cfg,
		jobs:     jobs,
		registry: reg,
		logger:   logger.With("component", "producer", "queue", cfg.Queue, "node", cfg.Node),
		notifier: notifier,
		wake:     make(chan struct{}, 1),
	}
	p.state.Store(int32(stateStarting))
	return p
}

// Wake requests an out-of-cycle fetch, used by the scheduler's NOTIFY
// listener when it stages rows for this producer's queue.
func (p *Producer) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pause sets demand to zero without tearing down the loop; in-flight jobs
// keep running and still get acked. Resume un-pauses.
func (p *Producer) Pause()  { p.paused.Store(true) }
func (p *Producer) Resume() { p.paused.Store(false) }

func (p *Producer) State() string { return state(p.state.Load()).String() }
func (p *Producer) InFlight() int { return int(p.inFlight.Load()) }

// Run drives the loop until ctx is cancelled, then drains in-flight work
// for up to DrainTimeout before returning.
func (p *Producer) Run(ctx context.Context) {
	p.state.Store(int32(stateRunning))
	p.logger.Info("producer started", "limit", p.cfg.Limit)

	ticker := time.NewTicker(p.cfg.PollInterval)
	ackTicker := time.NewTicker(p.cfg.AckInterval)
	defer ticker.Stop()
	defer ackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-ticker.C:
			p.fetch(ctx)
		case <-p.wake:
			p.fetch(ctx)
		case <-ackTicker.C:
			p.flushAcks(ctx)
		}
	}
}

func (p *Producer) drain() {
	p.state.Store(int32(stateDraining))
	p.logger.Info("producer draining", "in_flight", p.inFlight.Load())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("producer drain timed out, abandoning in-flight jobs", "in_flight", p.inFlight.Load())
	}

	// Best-effort final flush; a flush after this point would race a
	// process exit so this is the last chance for already-resolved
	// outcomes to persist. Abandoned (still-running) jobs are left
	// executing and recovered later by lifeline.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.flushAcks(flushCtx)

	p.state.Store(int32(stateStopped))
	p.logger.Info("producer stopped")
}

func (p *Producer) fetch(ctx context.Context) {
	if p.paused.Load() {
		return
	}
	demand := p.cfg.Limit - int(p.inFlight.Load())
	if demand <= 0 {
		return
	}

	jobs, err := p.jobs.Fetch(ctx, p.cfg.Node, p.cfg.Queue, demand)
	if err != nil {
		p.logger.Error("fetch failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	p.logger.Debug("fetched jobs", "count", len(jobs))

	for _, job := range jobs {
		p.dispatch(ctx, job)
	}
}

// dispatch spawns a supervised goroutine per job. Fetch order becomes
// goroutine-spawn order; there's no promise beyond that (§5 Ordering).
func (p *Producer) dispatch(parent context.Context, job *domain.Job) {
	p.inFlight.Add(1)
	metrics.JobsInFlight.WithLabelValues(p.cfg.Queue).Set(float64(p.inFlight.Load()))
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.inFlight.Add(-1)
			metrics.JobsInFlight.WithLabelValues(p.cfg.Queue).Set(float64(p.inFlight.Load()))
		}()
		p.runJob(parent, job)
	}()
}

func (p *Producer) runJob(parent context.Context, job *domain.Job) {
	worker, err := p.registry.Lookup(job.Worker)
	if err != nil {
		// No registration for this worker identifier: treat like a
		// worker-code exception so retry/discard bookkeeping still runs.
		p.enqueueAck(job, domain.Error(err))
		return
	}

	ctx := parent
	var cancel context.CancelFunc
	timeout := worker.Timeout
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	start := time.Now()

	// resultCh is buffered so the worker goroutine never blocks on a send,
	// whether or not anyone is still waiting to receive: if the grace
	// window below fires first, the goroutine's eventual outcome (if it
	// ever returns) is simply dropped.
	resultCh := make(chan domain.Outcome, 1)
	go func() {
		resultCh <- p.runWithRecover(ctx, worker, job)
	}()

	var outcome domain.Outcome
	abandoned := false
	if timeout > 0 {
		select {
		case outcome = <-resultCh:
		case <-ctx.Done():
			// The worker didn't return within its grace window — whether
			// it's ignoring ctx cancellation or just still running, the
			// slot can't be held open indefinitely (§4.3 Dispatch).
			// Abandon it here and record a failure ack now.
			abandoned = true
			outcome = domain.Error(fmt.Errorf("worker exceeded %ds timeout and did not return", timeout))
			p.logger.Warn("worker abandoned after grace window expired", "job_id", job.ID, "worker", job.Worker, "timeout_s", timeout)
		}
	} else {
		outcome = <-resultCh
	}

	duration := time.Since(start)
	metrics.JobExecutionDuration.WithLabelValues(job.Worker, outcomeLabel(outcome)).Observe(duration.Seconds())
	p.logger.Debug("job finished", "job_id", job.ID, "worker", job.Worker, "duration", duration, "abandoned", abandoned)

	p.enqueueAck(job, outcome)
}

// runWithRecover maps a panicking worker to a retry outcome (§9: uncaught
// exceptions map to retry until attempts are exhausted).
func (p *Producer) runWithRecover(ctx context.Context, w *registry.Worker, job *domain.Job) (outcome domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panicked", "job_id", job.ID, "worker", job.Worker, "panic", r)
			outcome = domain.Error(fmt.Errorf("worker panicked: %v", r))
		}
	}()
	return w.Process(ctx, job)
}

// enqueueAck converts outcome into the already-decided store.AckOutcome
// (the producer owns the retry-vs-discard decision; the store just
// applies it, per internal/store's port design) and queues it for the next
// flush.
func (p *Producer) enqueueAck(job *domain.Job, outcome domain.Outcome) {
	ao := store.AckOutcome{JobID: job.ID}

	switch outcome.Kind {
	case domain.OutcomeComplete:
		ao.Transition = domain.Completed
	case domain.OutcomeCancel:
		ao.Transition = domain.Cancelled
	case domain.OutcomeDiscard:
		ao.Transition = domain.Discarded
		ao.Err = errEntry(job, outcome.Error)
	case domain.OutcomeError:
		entry := errEntry(job, outcome.Error)
		ao.Err = entry
		if job.Attempt < job.MaxAttempts {
			ao.Transition = domain.Retryable
			w, err := p.registry.Lookup(job.Worker)
			backoff := registry.DefaultBackoff
			if err == nil {
				backoff = w.Backoff
			}
			ao.NextScheduledAt = time.Now().UTC().Add(computeBackoff(backoff, job.Attempt))
		} else {
			ao.Transition = domain.Discarded
		}
	}

	if ao.Transition == domain.Discarded && p.notifier != nil {
		reason := outcome.Error
		go p.notifier.Discarded(context.Background(), job, reason)
	}

	p.ackMu.Lock()
	p.ackQueue = append(p.ackQueue, ao)
	full := len(p.ackQueue) >= p.cfg.Limit
	p.ackMu.Unlock()

	if full {
		go p.flushAcks(context.Background())
	}
}

func outcomeLabel(o domain.Outcome) string {
	switch o.Kind {
	case domain.OutcomeComplete:
		return "completed"
	case domain.OutcomeCancel:
		return "cancelled"
	case domain.OutcomeDiscard:
		return "discarded"
	default:
		return "error"
	}
}

func errEntry(job *domain.Job, err error) *domain.ErrorEntry {
	msg := "discarded"
	if err != nil {
		msg = err.Error()
	}
	return &domain.ErrorEntry{At: time.Now().UTC(), Attempt: job.Attempt, Error: msg}
}

func (p *Producer) flushAcks(ctx context.Context) {
	p.ackMu.Lock()
	if len(p.ackQueue) == 0 {
		p.ackMu.Unlock()
		return
	}
	batch := p.ackQueue
	p.ackQueue = nil
	p.ackMu.Unlock()

	if _, err := p.jobs.AckBatch(ctx, batch); err != nil {
		p.logger.Error("ack batch failed", "count", len(batch), "error", err)
		return
	}
	for _, ao := range batch {
		metrics.JobsAckedTotal.WithLabelValues(p.cfg.Queue, string(ao.Transition)).Inc()
	}
}

// computeBackoff implements §4.3 Backoff: min(max, base*2^(attempt-1)) +
// uniform jitter in [0, base], generalized from the teacher's retryDelay
// to a linear mode and worker-configurable bounds.
func computeBackoff(b registry.Backoff, attempt int) time.Duration {
	var seconds float64
	if b.Linear {
		seconds = b.Base * float64(attempt)
	} else {
		seconds = b.Base * math.Pow(2, float64(attempt-1))
	}
	if b.Max > 0 && seconds > b.Max {
		seconds = b.Max
	}
	if b.Jitter && b.Base > 0 {
		seconds += rand.Float64() * b.Base
	}
	return time.Duration(seconds * float64(time.Second))
}
