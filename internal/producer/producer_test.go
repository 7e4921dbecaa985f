package producer_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/producer"
	"github.com/obango/obango/internal/registry"
	"github.com/obango/obango/internal/store"
)

// fakeJobStore implements store.JobStore with just enough behavior for
// the producer loop: a queue of jobs to hand back from Fetch, and a
// recorder of everything passed to AckBatch.
type fakeJobStore struct {
	mu       sync.Mutex
	toFetch  []*domain.Job
	acked    []store.AckOutcome
	ackCalls int
}

func (f *fakeJobStore) Fetch(_ context.Context, _, _ string, limit int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toFetch) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(f.toFetch) {
		n = len(f.toFetch)
	}
	out := f.toFetch[:n]
	f.toFetch = f.toFetch[n:]
	return out, nil
}

func (f *fakeJobStore) AckBatch(_ context.Context, outcomes []store.AckOutcome) ([]store.AckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCalls++
	f.acked = append(f.acked, outcomes...)
	results := make([]store.AckResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = store.AckResult{JobID: o.JobID, Applied: true}
	}
	return results, nil
}

func (f *fakeJobStore) ackedOutcomes() []store.AckOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AckOutcome, len(f.acked))
	copy(out, f.acked)
	return out
}

func (f *fakeJobStore) Insert(context.Context, *domain.Spec) (*domain.InsertResult, error) { return nil, nil }
func (f *fakeJobStore) InsertAll(context.Context, []*domain.Spec) ([]*domain.InsertResult, error) {
	return nil, nil
}
func (f *fakeJobStore) GetByID(context.Context, int64) (*domain.Job, error)       { return nil, nil }
func (f *fakeJobStore) StageDue(context.Context, time.Time, int) ([]string, error) { return nil, nil }
func (f *fakeJobStore) PruneTerminal(context.Context, time.Time, int) (int, error) { return 0, nil }
func (f *fakeJobStore) RescueOrphans(context.Context, time.Time, int) (int, error) { return 0, nil }
func (f *fakeJobStore) QueueCounts(context.Context) (map[string]int, error)        { return nil, nil }
func (f *fakeJobStore) Notify(context.Context, string) error                       { return nil }
func (f *fakeJobStore) Listen(ctx context.Context, _ string, _ func()) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ store.JobStore = (*fakeJobStore)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitForAcks(t *testing.T, fs *fakeJobStore, n int) []store.AckOutcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if acked := fs.ackedOutcomes(); len(acked) >= n {
			return acked
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d acked outcomes", n)
	return nil
}

func runProducer(t *testing.T, fs *fakeJobStore, reg *registry.Registry) func() {
	t.Helper()
	p := producer.New(producer.Config{
		Node:         "node-1",
		Queue:        "default",
		Limit:        10,
		PollInterval: 5 * time.Millisecond,
		AckInterval:  5 * time.Millisecond,
		DrainTimeout: time.Second,
	}, fs, reg, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestProducer_CompletedJob_AcksCompleted(t *testing.T) {
	fs := &fakeJobStore{toFetch: []*domain.Job{
		{ID: 1, Worker: "ok", Queue: "default", Attempt: 1, MaxAttempts: 3},
	}}
	reg := registry.New()
	must(t, reg.Register(&registry.Worker{
		Name: "ok", Queue: "default",
		Process: func(context.Context, *domain.Job) domain.Outcome { return domain.Complete() },
	}))

	stop := runProducer(t, fs, reg)
	defer stop()

	acked := waitForAcks(t, fs, 1)
	if acked[0].Transition != domain.Completed {
		t.Errorf("transition = %s, want completed", acked[0].Transition)
	}
}

func TestProducer_ErrorBelowMaxAttempts_AcksRetryableWithFutureSchedule(t *testing.T) {
	fs := &fakeJobStore{toFetch: []*domain.Job{
		{ID: 2, Worker: "flaky", Queue: "default", Attempt: 1, MaxAttempts: 3},
	}}
	reg := registry.New()
	must(t, reg.Register(&registry.Worker{
		Name: "flaky", Queue: "default",
		Process: func(context.Context, *domain.Job) domain.Outcome {
			return domain.Error(errors.New("boom"))
		},
	}))

	stop := runProducer(t, fs, reg)
	defer stop()

	acked := waitForAcks(t, fs, 1)
	out := acked[0]
	if out.Transition != domain.Retryable {
		t.Fatalf("transition = %s, want retryable", out.Transition)
	}
	if !out.NextScheduledAt.After(time.Now()) {
		t.Error("NextScheduledAt should be in the future")
	}
	if out.Err == nil || out.Err.Error != "boom" {
		t.Errorf("Err = %+v, want message %q", out.Err, "boom")
	}
}

func TestProducer_ErrorAtMaxAttempts_AcksDiscarded(t *testing.T) {
	fs := &fakeJobStore{toFetch: []*domain.Job{
		{ID: 3, Worker: "doomed", Queue: "default", Attempt: 3, MaxAttempts: 3},
	}}
	reg := registry.New()
	must(t, reg.Register(&registry.Worker{
		Name: "doomed", Queue: "default",
		Process: func(context.Context, *domain.Job) domain.Outcome {
			return domain.Error(errors.New("permanent"))
		},
	}))

	stop := runProducer(t, fs, reg)
	defer stop()

	acked := waitForAcks(t, fs, 1)
	if acked[0].Transition != domain.Discarded {
		t.Errorf("transition = %s, want discarded at max attempts", acked[0].Transition)
	}
}

func TestProducer_PanickingWorker_TreatedAsError(t *testing.T) {
	fs := &fakeJobStore{toFetch: []*domain.Job{
		{ID: 4, Worker: "panicker", Queue: "default", Attempt: 1, MaxAttempts: 3},
	}}
	reg := registry.New()
	must(t, reg.Register(&registry.Worker{
		Name: "panicker", Queue: "default",
		Process: func(context.Context, *domain.Job) domain.Outcome {
			panic("kaboom")
		},
	}))

	stop := runProducer(t, fs, reg)
	defer stop()

	acked := waitForAcks(t, fs, 1)
	if acked[0].Transition != domain.Retryable {
		t.Errorf("transition = %s, want retryable after recovering a panic", acked[0].Transition)
	}
}

func TestProducer_UnknownWorker_StillAcks(t *testing.T) {
	fs := &fakeJobStore{toFetch: []*domain.Job{
		{ID: 5, Worker: "missing", Queue: "default", Attempt: 1, MaxAttempts: 3},
	}}
	reg := registry.New()

	stop := runProducer(t, fs, reg)
	defer stop()

	acked := waitForAcks(t, fs, 1)
	if acked[0].Transition != domain.Retryable {
		t.Errorf("transition = %s, want retryable for an unregistered worker", acked[0].Transition)
	}
}

func TestProducer_WorkerIgnoresCancellation_AbandonedAfterTimeout(t *testing.T) {
	fs := &fakeJobStore{toFetch: []*domain.Job{
		{ID: 7, Worker: "stuck", Queue: "default", Attempt: 1, MaxAttempts: 3},
	}}
	reg := registry.New()
	must(t, reg.Register(&registry.Worker{
		Name: "stuck", Queue: "default", Timeout: 1, // seconds
		Process: func(ctx context.Context, _ *domain.Job) domain.Outcome {
			// Deliberately ignores ctx cancellation, like a worker with no
			// select on ctx.Done().
			time.Sleep(2 * time.Second)
			return domain.Complete()
		},
	}))

	stop := runProducer(t, fs, reg)
	defer stop()

	acked := waitForAcks(t, fs, 1)
	if acked[0].Transition != domain.Retryable {
		t.Errorf("transition = %s, want retryable once the worker's grace window expires", acked[0].Transition)
	}
	if acked[0].Err == nil {
		t.Error("want a recorded failure ack for the abandoned worker")
	}
}

func TestProducer_Pause_StopsFetchingUntilResumed(t *testing.T) {
	fs := &fakeJobStore{}
	reg := registry.New()
	p := producer.New(producer.Config{
		Node: "node-1", Queue: "default", Limit: 10,
		PollInterval: 5 * time.Millisecond, AckInterval: 5 * time.Millisecond,
	}, fs, reg, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	p.Pause()
	fs.mu.Lock()
	fs.toFetch = []*domain.Job{{ID: 6, Worker: "ok", Queue: "default", Attempt: 1, MaxAttempts: 3}}
	fs.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	if len(fs.ackedOutcomes()) != 0 {
		t.Fatal("a paused producer should not fetch or ack")
	}

	p.Resume()
	waitForAcks(t, fs, 1)

	cancel()
	<-done
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}
