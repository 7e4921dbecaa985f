// Package registry implements the process-wide worker registry (spec §6.1):
// a read-only-after-startup mapping from worker identifier to executable
// code plus its scheduling defaults.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/obango/obango/internal/domain"
)

// ProcessFunc is user code. It must be safe to cancel cooperatively via ctx.
type ProcessFunc func(ctx context.Context, job *domain.Job) domain.Outcome

// Backoff configures retry delay for a worker (§4.3 Backoff).
type Backoff struct {
	Base       float64 // seconds
	Max        float64 // seconds
	Jitter     bool
	Linear     bool // when true, delay is Base * attempt instead of exponential
}

// DefaultBackoff mirrors the teacher's retryDelay defaults (30s base, 1h cap,
// jitter adding up to one Base), generalized per-worker instead of hardcoded.
var DefaultBackoff = Backoff{Base: 30, Max: 3600, Jitter: true}

// Worker is one registered unit of executable code.
type Worker struct {
	Name         string
	Queue        string
	Process      ProcessFunc
	CronExpr     string // empty means "not a cron worker"
	CronTimezone string // IANA zone; empty means the scheduler's global zone
	Unique       *domain.UniqueSpec
	MaxAttempts  int
	Priority     int
	Backoff      Backoff
	Timeout      int // per-job seconds; 0 means no per-job timeout
}

// Registry is a read-only-after-startup map from worker identifier to its
// registration, guarded only for the narrow window between Register calls
// at boot and the first producer/scheduler read.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

func New() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Register adds w, defaulting MaxAttempts/Backoff when the caller leaves
// them zero. Registering the same name twice is a programmer error.
func (r *Registry) Register(w *Worker) error {
	if w.Name == "" || w.Queue == "" || w.Process == nil {
		return fmt.Errorf("registry: worker name, queue and process func are required")
	}
	if w.CronExpr != "" {
		// Same validation the teacher runs at schedule-creation time
		// (usecase/schedule.go); obango's own scheduler.materializeCron still
		// uses cronexpr.Expression.Matches for minute-set membership, which
		// cron.Schedule's Next()-only interface can't express.
		if _, err := cron.ParseStandard(w.CronExpr); err != nil {
			return fmt.Errorf("registry: worker %q: invalid cron expression %q: %w", w.Name, w.CronExpr, err)
		}
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 20
	}
	if w.Backoff == (Backoff{}) {
		w.Backoff = DefaultBackoff
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.Name]; exists {
		return fmt.Errorf("registry: worker %q already registered", w.Name)
	}
	r.workers[w.Name] = w
	return nil
}

func (r *Registry) Lookup(name string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, name)
	}
	return w, nil
}

// CronWorkers returns every registered worker with a non-empty CronExpr,
// for the scheduler plugin's materialization pass.
func (r *Registry) CronWorkers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Worker
	for _, w := range r.workers {
		if w.CronExpr != "" {
			out = append(out, w)
		}
	}
	return out
}

// Queues returns the distinct set of queue names across all registrations.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, w := range r.workers {
		if !seen[w.Queue] {
			seen[w.Queue] = true
			out = append(out, w.Queue)
		}
	}
	return out
}
