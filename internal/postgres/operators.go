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

type OperatorStore struct {
	pool *pgxpool.Pool
}

func NewOperatorStore(pool *pgxpool.Pool) *OperatorStore {
	return &OperatorStore{pool: pool}
}

func scanOperator(row pgx.Row) (*domain.Operator, error) {
	var o domain.Operator
	err := row.Scan(&o.ID, &o.Email, &o.Role, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOperatorNotFound
		}
		return nil, fmt.Errorf("scan operator: %w", err)
	}
	return &o, nil
}

func (s *OperatorStore) FindOrCreate(ctx context.Context, email string) (*domain.Operator, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO obango_operators (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, role, created_at, updated_at`, email)
	return scanOperator(row)
}

func (s *OperatorStore) FindByID(ctx context.Context, id string) (*domain.Operator, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, role, created_at, updated_at FROM obango_operators WHERE id = $1`, id)
	return scanOperator(row)
}

func (s *OperatorStore) SetRole(ctx context.Context, operatorID string, role domain.OperatorRole) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE obango_operators SET role = $2, updated_at = now() WHERE id = $1`, operatorID, role)
	if err != nil {
		return fmt.Errorf("set operator role: %w", err)
	}
	return nil
}

func (s *OperatorStore) CreateMagicToken(ctx context.Context, operatorID, tokenHash string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO obango_magic_tokens (operator_id, token_hash, expires_at)
		VALUES ($1, $2, $3)`, operatorID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("create magic token: %w", err)
	}
	return nil
}

// ClaimMagicToken atomically marks the token used, failing if it's missing,
// expired, or already claimed — a second verify of the same raw token
// always fails even under a race.
func (s *OperatorStore) ClaimMagicToken(ctx context.Context, tokenHash string) (*domain.MagicToken, error) {
	var mt domain.MagicToken
	err := s.pool.QueryRow(ctx, `
		UPDATE obango_magic_tokens
		SET used_at = now()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING id, operator_id, token_hash, expires_at, used_at, created_at`, tokenHash,
	).Scan(&mt.ID, &mt.OperatorID, &mt.TokenHash, &mt.ExpiresAt, &mt.UsedAt, &mt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTokenInvalid
		}
		return nil, fmt.Errorf("claim magic token: %w", err)
	}
	return &mt, nil
}

var _ store.OperatorStore = (*OperatorStore)(nil)
