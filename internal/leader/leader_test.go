package leader_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/leader"
)

type fakeLeaderStore struct {
	claimOrRenew func(ctx context.Context, node string, lease time.Duration) (bool, time.Time, error)
	current      func(ctx context.Context) (*domain.Leader, error)
}

func (s *fakeLeaderStore) ClaimOrRenew(ctx context.Context, node string, lease time.Duration) (bool, time.Time, error) {
	return s.claimOrRenew(ctx, node, lease)
}

func (s *fakeLeaderStore) Current(ctx context.Context) (*domain.Leader, error) {
	return s.current(ctx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestElector_GainsLeadership_FiresOnElected(t *testing.T) {
	store := &fakeLeaderStore{
		claimOrRenew: func(_ context.Context, _ string, _ time.Duration) (bool, time.Time, error) {
			return true, time.Now().Add(time.Minute), nil
		},
	}

	var elected atomic.Bool
	e := leader.New("node-1", time.Minute, store, testLogger(),
		func() { elected.Store(true) },
		func() { t.Error("onDemoted should not fire") },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitFor(t, func() bool { return elected.Load() })
	if !e.IsLeader() {
		t.Error("IsLeader() = false, want true after a successful claim")
	}
}

func TestElector_LosesLeadership_FiresOnDemoted(t *testing.T) {
	var held atomic.Bool
	held.Store(true)

	store := &fakeLeaderStore{
		claimOrRenew: func(_ context.Context, _ string, _ time.Duration) (bool, time.Time, error) {
			return held.Load(), time.Now(), nil
		},
	}

	var demoted atomic.Bool
	e := leader.New("node-1", 20*time.Millisecond, store, testLogger(),
		func() {},
		func() { demoted.Store(true) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitFor(t, func() bool { return e.IsLeader() })
	held.Store(false)
	waitFor(t, func() bool { return demoted.Load() })
}

func TestElector_StoreError_KeepsPriorState(t *testing.T) {
	store := &fakeLeaderStore{
		claimOrRenew: func(_ context.Context, _ string, _ time.Duration) (bool, time.Time, error) {
			return false, time.Time{}, errors.New("db unreachable")
		},
	}

	e := leader.New("node-1", time.Minute, store, testLogger(), func() {}, func() {})
	e.Run(timeoutCtx(t))
	if e.IsLeader() {
		t.Error("IsLeader() = true, want false when the store errors")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was never satisfied")
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}
