package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/store"
)

type ProducerStore struct {
	pool *pgxpool.Pool
}

func NewProducerStore(pool *pgxpool.Pool) *ProducerStore {
	return &ProducerStore{pool: pool}
}

// Heartbeat upserts p's row. The lifeline plugin (§4.7) treats a node as
// gone once its newest heartbeat across all its queues is stale, so this
// is called on a fixed interval for as long as a producer runs.
func (s *ProducerStore) Heartbeat(ctx context.Context, p *domain.Producer) error {
	metaJSON, err := json.Marshal(emptyMapIfNil(p.Meta))
	if err != nil {
		return fmt.Errorf("marshal producer meta: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO obango_producers (uuid, node, queue, meta, started_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (uuid) DO UPDATE SET
			node       = EXCLUDED.node,
			queue      = EXCLUDED.queue,
			meta       = EXCLUDED.meta,
			updated_at = now()`,
		p.UUID, p.Node, p.Queue, metaJSON)
	if err != nil {
		return fmt.Errorf("heartbeat producer: %w", err)
	}
	return nil
}

func (s *ProducerStore) Delete(ctx context.Context, uuid string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM obango_producers WHERE uuid = $1`, uuid); err != nil {
		return fmt.Errorf("delete producer: %w", err)
	}
	return nil
}

var _ store.ProducerStore = (*ProducerStore)(nil)
