package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/store"
)

// leaderName is the sole row obango_leaders ever holds.
const leaderName = "obango"

type LeaderStore struct {
	pool *pgxpool.Pool
}

func NewLeaderStore(pool *pgxpool.Pool) *LeaderStore {
	return &LeaderStore{pool: pool}
}

const claimOrRenewQuery = `
	INSERT INTO obango_leaders (name, node, elected_at, expires_at)
	VALUES ($1, $2, now(), now() + $3)
	ON CONFLICT (name) DO UPDATE SET
		node       = EXCLUDED.node,
		elected_at = CASE WHEN obango_leaders.node = EXCLUDED.node
		             THEN obango_leaders.elected_at ELSE now() END,
		expires_at = EXCLUDED.expires_at
	WHERE obango_leaders.expires_at < now() OR obango_leaders.node = EXCLUDED.node
	RETURNING node, expires_at`

// ClaimOrRenew implements §4.4's election step: a node can only take the
// lease when it already holds it (renewal) or the prior lease has
// expired. A losing node gets zero rows back, not an error.
func (s *LeaderStore) ClaimOrRenew(ctx context.Context, node string, lease time.Duration) (bool, time.Time, error) {
	var gotNode string
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, claimOrRenewQuery, leaderName, node, lease).Scan(&gotNode, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("claim or renew leader lease: %w", err)
	}
	return gotNode == node, expiresAt, nil
}

func (s *LeaderStore) Current(ctx context.Context) (*domain.Leader, error) {
	var l domain.Leader
	err := s.pool.QueryRow(ctx, `
		SELECT name, node, elected_at, expires_at FROM obango_leaders WHERE name = $1`, leaderName,
	).Scan(&l.Name, &l.Node, &l.ElectedAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("current leader: %w", err)
	}
	return &l, nil
}

var _ store.LeaderStore = (*LeaderStore)(nil)
