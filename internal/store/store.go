// Package store defines the persistence ports the engine depends on.
// internal/postgres provides the only implementation; splitting the
// interface out keeps the producer/leader/plugin packages testable
// against a fake without pulling in pgx, mirroring the teacher's
// internal/repository + internal/infrastructure/postgres split.
package store

import (
	"context"
	"time"

	"github.com/obango/obango/internal/domain"
)

// AckOutcome is one flushed, already-resolved result from a producer's ack
// queue (§4.3). The producer — not the store — decides Transition (e.g.
// whether an error maps to Retryable or Discarded, given the job's attempt
// budget), so the store layer stays a dumb writer of decided outcomes.
type AckOutcome struct {
	JobID      int64
	Transition domain.State // one of Completed, Retryable, Discarded, Cancelled
	// Err is appended to the job's error history. Required for Retryable
	// and Discarded, nil for Completed/Cancelled.
	Err *domain.ErrorEntry
	// NextScheduledAt is required only when Transition is Retryable.
	NextScheduledAt time.Time
}

// AckResult reports what actually happened to one acked job — the ack
// flush may find the row gone or already rescued by lifeline, in which
// case the producer's own result for it is discarded (§4.3).
type AckResult struct {
	JobID   int64
	Applied bool
}

// JobStore is the persistence port for everything touching obango_jobs.
type JobStore interface {
	// Insert runs the full unique-insert protocol (§4.1) for a single spec.
	Insert(ctx context.Context, spec *domain.Spec) (*domain.InsertResult, error)
	// InsertAll runs Insert for each spec, each with its own conflict
	// outcome, inside one transaction.
	InsertAll(ctx context.Context, specs []*domain.Spec) ([]*domain.InsertResult, error)

	GetByID(ctx context.Context, id int64) (*domain.Job, error)

	// Fetch claims up to limit available rows for (node, queue) and
	// transitions them to executing, per §4.3 Fetch.
	Fetch(ctx context.Context, node, queue string, limit int) ([]*domain.Job, error)

	// AckBatch flushes a batch of outcomes in one transaction, per §4.3 Ack.
	// The postgres implementation issues one UPDATE per transition kind
	// present in the batch, so a batch is not a single statement.
	AckBatch(ctx context.Context, outcomes []AckOutcome) ([]AckResult, error)

	// StageDue promotes scheduled/retryable rows whose scheduled_at has
	// passed, returning the distinct queues that had rows staged (§4.5).
	StageDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// PruneTerminal deletes up to limit terminal-state rows older than
	// olderThan, returning the count removed (§4.6).
	PruneTerminal(ctx context.Context, olderThan time.Time, limit int) (int, error)

	// RescueOrphans moves executing rows whose owning producer has no
	// recent heartbeat back to available, without incrementing attempt
	// (§4.7). Returns the count rescued.
	RescueOrphans(ctx context.Context, staleBefore time.Time, limit int) (int, error)

	// QueueCounts reports, per queue, how many rows are currently
	// available — used by the admin API's /queues endpoint.
	QueueCounts(ctx context.Context) (map[string]int, error)

	// Notify issues pg_notify on the queue's wakeup channel, used by the
	// scheduler after staging rows so producers can fetch before their
	// next poll tick (SPEC_FULL.md "LISTEN/NOTIFY wakeup").
	Notify(ctx context.Context, queue string) error

	// Listen blocks until ctx is cancelled, invoking onNotify for every
	// notification received on queue's channel.
	Listen(ctx context.Context, queue string, onNotify func()) error
}

// LeaderStore is the persistence port for the single-row leader lease
// (§3.2, §4.4).
type LeaderStore interface {
	// ClaimOrRenew attempts to (re)claim the lease for node. It returns
	// whether node holds the lease after the call and the lease's new
	// expiry.
	ClaimOrRenew(ctx context.Context, node string, lease time.Duration) (held bool, expiresAt time.Time, err error)
	Current(ctx context.Context) (*domain.Leader, error)
}

// ProducerStore is the persistence port for per-(node,queue) heartbeat
// rows (§3.3).
type ProducerStore interface {
	Heartbeat(ctx context.Context, p *domain.Producer) error
	Delete(ctx context.Context, uuid string) error
}

// OperatorStore is the persistence port for the admin API's magic-link
// auth (SPEC_FULL.md "Operator auth"), adapted 1:1 from the teacher's
// UserRepository.
type OperatorStore interface {
	FindOrCreate(ctx context.Context, email string) (*domain.Operator, error)
	FindByID(ctx context.Context, id string) (*domain.Operator, error)
	CreateMagicToken(ctx context.Context, operatorID, tokenHash string, expiresAt time.Time) error
	// ClaimMagicToken atomically marks the token used and returns it, or
	// domain.ErrTokenInvalid if it's missing, expired, or already used.
	ClaimMagicToken(ctx context.Context, tokenHash string) (*domain.MagicToken, error)
	// SetRole changes an operator's role, idempotently.
	SetRole(ctx context.Context, operatorID string, role domain.OperatorRole) error
}
