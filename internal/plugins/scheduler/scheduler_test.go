package scheduler_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/plugins/scheduler"
	"github.com/obango/obango/internal/registry"
	"github.com/obango/obango/internal/store"
)

type fakeJobStore struct {
	mu           sync.Mutex
	dueQueues    []string
	notified     []string
	inserted     []*domain.Spec
	insertResult *domain.InsertResult
}

func (f *fakeJobStore) StageDue(context.Context, time.Time, int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueQueues, nil
}

func (f *fakeJobStore) Notify(_ context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, queue)
	return nil
}

func (f *fakeJobStore) Insert(_ context.Context, spec *domain.Spec) (*domain.InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, spec)
	if f.insertResult != nil {
		return f.insertResult, nil
	}
	return &domain.InsertResult{Job: &domain.Job{ID: int64(len(f.inserted)), Worker: spec.Worker}}, nil
}

func (f *fakeJobStore) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeJobStore) InsertAll(context.Context, []*domain.Spec) ([]*domain.InsertResult, error) {
	return nil, nil
}
func (f *fakeJobStore) GetByID(context.Context, int64) (*domain.Job, error) { return nil, nil }
func (f *fakeJobStore) Fetch(context.Context, string, string, int) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) AckBatch(context.Context, []store.AckOutcome) ([]store.AckResult, error) {
	return nil, nil
}
func (f *fakeJobStore) PruneTerminal(context.Context, time.Time, int) (int, error) { return 0, nil }
func (f *fakeJobStore) RescueOrphans(context.Context, time.Time, int) (int, error) { return 0, nil }
func (f *fakeJobStore) QueueCounts(context.Context) (map[string]int, error)        { return nil, nil }
func (f *fakeJobStore) Listen(ctx context.Context, _ string, _ func()) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ store.JobStore = (*fakeJobStore)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScheduler_StagesDueQueuesAndNotifies(t *testing.T) {
	fs := &fakeJobStore{dueQueues: []string{"default", "mailers"}}
	s := scheduler.New(scheduler.Config{StagingInterval: 5 * time.Millisecond}, fs, registry.New(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.notified) == 0 {
		t.Fatal("want at least one Notify call after staging due queues")
	}
}

func TestScheduler_MaterializesMatchingCronWorkerOncePerMinute(t *testing.T) {
	fs := &fakeJobStore{}
	reg := registry.New()
	must(t, reg.Register(&registry.Worker{
		Name: "every_minute", Queue: "default",
		Process:  func(context.Context, *domain.Job) domain.Outcome { return domain.Complete() },
		CronExpr: "* * * * *",
	}))

	s := scheduler.New(scheduler.Config{StagingInterval: 5 * time.Millisecond}, fs, reg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	// Multiple ticks land in the same wall-clock minute; materialization
	// must still insert exactly once (§4.5, seed scenario 2).
	if n := fs.insertedCount(); n != 1 {
		t.Errorf("inserted %d cron jobs, want exactly 1 within a minute", n)
	}
}

func TestScheduler_SkipsNonMatchingCronWorker(t *testing.T) {
	fs := &fakeJobStore{}
	reg := registry.New()
	must(t, reg.Register(&registry.Worker{
		Name: "never", Queue: "default",
		Process:  func(context.Context, *domain.Job) domain.Outcome { return domain.Complete() },
		CronExpr: "0 0 30 2 *", // Feb 30th never occurs
	}))

	s := scheduler.New(scheduler.Config{StagingInterval: 5 * time.Millisecond}, fs, reg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if n := fs.insertedCount(); n != 0 {
		t.Errorf("inserted %d cron jobs for a date that never occurs, want 0", n)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}
