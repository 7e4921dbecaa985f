package lifeline_test

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obango/obango/internal/plugins/lifeline"
	"github.com/obango/obango/internal/store"
)

type fakeJobStore struct {
	store.JobStore
	calls       atomic.Int32
	staleBefore time.Time
	rescued     int
}

func (f *fakeJobStore) RescueOrphans(_ context.Context, staleBefore time.Time, _ int) (int, error) {
	f.calls.Add(1)
	f.staleBefore = staleBefore
	return f.rescued, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLifeline_RescuesUsingHeartbeatTimeoutCutoff(t *testing.T) {
	fs := &fakeJobStore{rescued: 2}
	l := lifeline.New(lifeline.Config{Interval: 5 * time.Millisecond, HeartbeatTimeout: time.Minute}, fs, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	l.Run(ctx)

	if fs.calls.Load() == 0 {
		t.Fatal("want at least one RescueOrphans call")
	}
	wantBefore := time.Now().Add(-50 * time.Second)
	if fs.staleBefore.After(time.Now()) || fs.staleBefore.Before(wantBefore.Add(-time.Minute)) {
		t.Errorf("staleBefore %v not roughly now - HeartbeatTimeout", fs.staleBefore)
	}
}

func TestLifeline_HeartbeatTimeoutDefaultsToTwiceInterval(t *testing.T) {
	fs := &fakeJobStore{}
	l := lifeline.New(lifeline.Config{Interval: 10 * time.Millisecond}, fs, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	start := time.Now()
	l.Run(ctx)

	if fs.calls.Load() == 0 {
		t.Fatal("want RescueOrphans to be called with default HeartbeatTimeout")
	}
	// Default HeartbeatTimeout is 2 * Interval = 20ms before the tick.
	if fs.staleBefore.Before(start.Add(-20*time.Millisecond)) || fs.staleBefore.After(time.Now().Add(-20*time.Millisecond)) {
		t.Errorf("staleBefore %v not roughly tick time - 2*Interval", fs.staleBefore)
	}
}
