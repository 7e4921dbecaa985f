package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/store"
	"github.com/obango/obango/internal/uniq"
)

// JobStore is the pgx-backed implementation of store.JobStore.
type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `id, state, queue, worker, attempt, max_attempts, priority,
	args, meta, tags, errors, attempted_by,
	inserted_at, scheduled_at, attempted_at, completed_at, discarded_at, cancelled_at`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var argsRaw, metaRaw, errorsRaw []byte

	err := row.Scan(
		&j.ID, &j.State, &j.Queue, &j.Worker, &j.Attempt, &j.MaxAttempts, &j.Priority,
		&argsRaw, &metaRaw, &j.Tags, &errorsRaw, &j.AttemptedBy,
		&j.InsertedAt, &j.ScheduledAt, &j.AttemptedAt, &j.CompletedAt, &j.DiscardedAt, &j.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(argsRaw, &j.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal(metaRaw, &j.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	if err := json.Unmarshal(errorsRaw, &j.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	if bmp, ok := j.Meta["uniq_bmp"]; ok {
		if key, ok := j.Meta["uniq_key"].(string); ok {
			if n, ok := bmp.(float64); ok && uniq.InGroup(uint8(n), j.State) {
				j.UniqKey = key
			}
		}
	}
	return &j, nil
}

const insertJobQuery = `
	INSERT INTO obango_jobs (
		worker, queue, max_attempts, priority, args, meta, tags, state, scheduled_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (uniq_key) WHERE uniq_key IS NOT NULL DO NOTHING
	RETURNING ` + jobColumns

// Insert implements the unique-insert protocol of spec §4.1.
func (s *JobStore) Insert(ctx context.Context, spec *domain.Spec) (*domain.InsertResult, error) {
	return insertOne(ctx, s.pool, spec)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertOne(ctx context.Context, q querier, spec *domain.Spec) (*domain.InsertResult, error) {
	if spec.Worker == "" || spec.Queue == "" {
		return nil, fmt.Errorf("%w: worker and queue are required", domain.ErrInvalidJobSpec)
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	meta := make(map[string]any, len(spec.Meta)+2)
	for k, v := range spec.Meta {
		meta[k] = v
	}

	var uniqKey string
	if spec.Unique != nil {
		now := time.Now().UTC()
		var bucket int64
		if spec.Unique.Period > 0 {
			bucket = now.Unix() / spec.Unique.Period
		}
		uniqKey = uniq.Fingerprint(spec.Unique, spec.Worker, spec.Queue, spec.Args, spec.Meta, bucket)
		meta["uniq_key"] = uniqKey
		meta["uniq_bmp"] = int(uniq.EncodeGroup(spec.Unique.States))
	}

	now := time.Now().UTC()
	state := domain.Available
	scheduledAt := now
	if !spec.ScheduledAt.IsZero() && spec.ScheduledAt.After(now) {
		state = domain.Scheduled
		scheduledAt = spec.ScheduledAt
	}

	argsJSON, err := json.Marshal(emptyMapIfNil(spec.Args))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal args: %v", domain.ErrInvalidJobSpec, err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal meta: %v", domain.ErrInvalidJobSpec, err)
	}

	row := q.QueryRow(ctx, insertJobQuery,
		spec.Worker, spec.Queue, maxAttempts, spec.Priority,
		argsJSON, metaJSON, spec.Tags, state, scheduledAt,
	)
	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		conflicted := errors.Is(err, domain.ErrJobNotFound) || (errors.As(err, &pgErr) && pgErr.Code == "23505")
		if conflicted && uniqKey != "" {
			existing, ferr := fetchByUniqKey(ctx, q, uniqKey)
			if ferr != nil {
				return nil, ferr
			}
			return &domain.InsertResult{Job: existing, Conflicted: true}, nil
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &domain.InsertResult{Job: job, Conflicted: false}, nil
}

func emptyMapIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func fetchByUniqKey(ctx context.Context, q querier, key string) (*domain.Job, error) {
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM obango_jobs WHERE uniq_key = $1`, key)
	return scanJob(row)
}

// InsertAll runs Insert for every spec inside one transaction, each with
// its own conflict outcome — a uniqueness collision on one spec never
// rolls back the others.
func (s *JobStore) InsertAll(ctx context.Context, specs []*domain.Spec) ([]*domain.InsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := make([]*domain.InsertResult, len(specs))
	for i, spec := range specs {
		res, err := insertOne(ctx, tx, spec)
		if err != nil {
			return nil, fmt.Errorf("insert spec %d: %w", i, err)
		}
		results[i] = res
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return results, nil
}

func (s *JobStore) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM obango_jobs WHERE id = $1`, id)
	return scanJob(row)
}

const fetchQuery = `
	WITH candidates AS (
		SELECT id FROM obango_jobs
		WHERE state = 'available' AND queue = $1
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	UPDATE obango_jobs j
	SET state = 'executing',
	    attempt = attempt + 1,
	    attempted_at = now(),
	    attempted_by = attempted_by || $3::text
	FROM candidates c
	WHERE j.id = c.id
	RETURNING ` + jobColumns

// Fetch claims up to limit available rows for (node, queue). Postgres
// doesn't guarantee RETURNING preserves the CTE's ORDER BY, so the result
// is re-sorted by (priority, scheduled_at, id) before returning — the
// dispatch order the producer promises (spec §5).
func (s *JobStore) Fetch(ctx context.Context, node, queue string, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, fetchQuery, queue, limit, node)
	if err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetched jobs: %w", err)
	}

	sort.Slice(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	return jobs, nil
}

// AckBatch flushes a batch of already-decided outcomes in up to four
// statements (one per transition kind present), each reacquiring a row
// lock via its own UPDATE ... WHERE state = 'executing'. A row lifeline
// already rescued back to available is simply absent from a statement's
// RETURNING set, so the caller's result for it comes back Applied=false
// (§4.3's "silently ignored").
func (s *JobStore) AckBatch(ctx context.Context, outcomes []store.AckOutcome) ([]store.AckResult, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	applied := make(map[int64]bool, len(outcomes))

	var completed, cancelled []int64
	var discarded, retried []store.AckOutcome
	for _, o := range outcomes {
		switch o.Transition {
		case domain.Completed:
			completed = append(completed, o.JobID)
		case domain.Cancelled:
			cancelled = append(cancelled, o.JobID)
		case domain.Discarded:
			discarded = append(discarded, o)
		case domain.Retryable:
			retried = append(retried, o)
		default:
			return nil, fmt.Errorf("ack batch: unsupported transition %q", o.Transition)
		}
	}

	if ids, err := ackSimple(ctx, tx, completed, `
		UPDATE obango_jobs SET state = 'completed', completed_at = now()
		WHERE id = ANY($1::bigint[]) AND state = 'executing' RETURNING id`); err != nil {
		return nil, err
	} else {
		markApplied(applied, ids)
	}

	if ids, err := ackSimple(ctx, tx, cancelled, `
		UPDATE obango_jobs SET state = 'cancelled', cancelled_at = now()
		WHERE id = ANY($1::bigint[]) AND state = 'executing' RETURNING id`); err != nil {
		return nil, err
	} else {
		markApplied(applied, ids)
	}

	if ids, err := ackWithError(ctx, tx, discarded, `
		UPDATE obango_jobs AS j
		SET state = 'discarded', discarded_at = now(),
		    errors = errors || jsonb_build_array(u.err::jsonb)
		FROM unnest($1::bigint[], $2::jsonb[]) AS u(id, err)
		WHERE j.id = u.id AND j.state = 'executing'
		RETURNING j.id`); err != nil {
		return nil, err
	} else {
		markApplied(applied, ids)
	}

	if ids, err := ackRetry(ctx, tx, retried); err != nil {
		return nil, err
	} else {
		markApplied(applied, ids)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ack batch: %w", err)
	}

	results := make([]store.AckResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = store.AckResult{JobID: o.JobID, Applied: applied[o.JobID]}
	}
	return results, nil
}

func markApplied(applied map[int64]bool, ids []int64) {
	for _, id := range ids {
		applied[id] = true
	}
}

func ackSimple(ctx context.Context, tx pgx.Tx, ids []int64, query string) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("ack batch: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func ackWithError(ctx context.Context, tx pgx.Tx, outcomes []store.AckOutcome, query string) ([]int64, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(outcomes))
	errs := make([][]byte, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.JobID
		raw, err := json.Marshal(o.Err)
		if err != nil {
			return nil, fmt.Errorf("marshal ack error: %w", err)
		}
		errs[i] = raw
	}
	rows, err := tx.Query(ctx, query, ids, errs)
	if err != nil {
		return nil, fmt.Errorf("ack batch: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func ackRetry(ctx context.Context, tx pgx.Tx, outcomes []store.AckOutcome) ([]int64, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(outcomes))
	errs := make([][]byte, len(outcomes))
	nextAt := make([]time.Time, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.JobID
		raw, err := json.Marshal(o.Err)
		if err != nil {
			return nil, fmt.Errorf("marshal ack error: %w", err)
		}
		errs[i] = raw
		nextAt[i] = o.NextScheduledAt
	}
	rows, err := tx.Query(ctx, `
		UPDATE obango_jobs AS j
		SET state = 'retryable',
		    scheduled_at = u.next_at,
		    errors = errors || jsonb_build_array(u.err::jsonb)
		FROM unnest($1::bigint[], $2::jsonb[], $3::timestamptz[]) AS u(id, err, next_at)
		WHERE j.id = u.id AND j.state = 'executing'
		RETURNING j.id`, ids, errs, nextAt)
	if err != nil {
		return nil, fmt.Errorf("ack retry batch: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ack id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StageDue promotes scheduled/retryable rows whose scheduled_at has
// passed, per §4.5 Staging.
func (s *JobStore) StageDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE obango_jobs
		SET state = 'available'
		WHERE id IN (
			SELECT id FROM obango_jobs
			WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= $1
			ORDER BY scheduled_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING queue`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("stage due jobs: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var queues []string
	for rows.Next() {
		var queue string
		if err := rows.Scan(&queue); err != nil {
			return nil, fmt.Errorf("scan staged queue: %w", err)
		}
		if !seen[queue] {
			seen[queue] = true
			queues = append(queues, queue)
		}
	}
	return queues, rows.Err()
}

// PruneTerminal deletes up to limit terminal-state rows older than
// olderThan, in small batches to keep any one transaction's lock window
// short (§4.6).
func (s *JobStore) PruneTerminal(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	const batchSize = 1000
	total := 0
	for total < limit {
		n := min(batchSize, limit-total)
		tag, err := s.pool.Exec(ctx, `
		DELETE FROM obango_jobs
		WHERE id IN (
			SELECT id FROM obango_jobs
			WHERE state IN ('completed', 'discarded', 'cancelled')
			  AND coalesce(completed_at, discarded_at, cancelled_at) < $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, olderThan, n)
		if err != nil {
			return total, fmt.Errorf("prune terminal jobs: %w", err)
		}
		deleted := int(tag.RowsAffected())
		total += deleted
		if deleted < n {
			break
		}
	}
	return total, nil
}

// RescueOrphans moves executing rows whose owning producer (the tail of
// attempted_by) has no recent heartbeat back to available, without
// touching attempt (§4.7).
func (s *JobStore) RescueOrphans(ctx context.Context, staleBefore time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE obango_jobs j
		SET state = 'available'
		WHERE j.id IN (
			SELECT id FROM obango_jobs
			WHERE state = 'executing'
			  AND NOT EXISTS (
			      SELECT 1 FROM obango_producers p
			      WHERE p.node = attempted_by[array_length(attempted_by, 1)]
			        AND p.updated_at > $1
			  )
			ORDER BY attempted_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, staleBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("rescue orphaned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// notifyChannel derives the LISTEN/NOTIFY channel for a queue. Postgres
// channel identifiers fold to lowercase unless quoted; queue names are
// expected to already be lowercase so this is a plain prefix.
func notifyChannel(queue string) string {
	return "obango_queue_" + queue
}

func (s *JobStore) Notify(ctx context.Context, queue string) error {
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, '')`, notifyChannel(queue)); err != nil {
		return fmt.Errorf("notify queue %s: %w", queue, err)
	}
	return nil
}

// Listen holds a dedicated connection LISTENing on queue's channel until
// ctx is cancelled. Acquiring a connection outside the pool's normal
// round-trip usage is unavoidable here: LISTEN is stateful per-connection,
// so it can't share the pool's general-purpose connections.
func (s *JobStore) Listen(ctx context.Context, queue string, onNotify func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	channel := notifyChannel(queue)
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		onNotify()
	}
}

func (s *JobStore) QueueCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue, count(*) FROM obango_jobs WHERE state = 'available' GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var queue string
		var count int
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		counts[queue] = count
	}
	return counts, rows.Err()
}

var _ store.JobStore = (*JobStore)(nil)
