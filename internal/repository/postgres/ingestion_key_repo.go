package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Watchtower/internal/domain"
)

type IngestionKeyRepo struct {
	pool *pgxpool.Pool
}

func NewIngestionKeyRepo(pool *pgxpool.Pool) *IngestionKeyRepo {
	return &IngestionKeyRepo{pool: pool}
}

func (r *IngestionKeyRepo) Create(ctx context.Context, k *domain.LogIngestionKey) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO log_ingestion_keys (key_id, secret, is_active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, k.KeyID, k.Secret, k.IsActive).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert ingestion key: %w", err)
	}
	return nil
}

func (r *IngestionKeyRepo) GetActive(ctx context.Context, keyID string) (*domain.LogIngestionKey, error) {
	k := &domain.LogIngestionKey{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, key_id, secret, is_active, created_at, last_used_at
		FROM log_ingestion_keys WHERE key_id = $1 AND is_active
	`, keyID).Scan(&k.ID, &k.KeyID, &k.Secret, &k.IsActive, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return nil, notFound(err, "get ingestion key")
	}
	return k, nil
}

func (r *IngestionKeyRepo) Touch(ctx context.Context, keyID string) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE log_ingestion_keys SET last_used_at = NOW() WHERE key_id = $1`, keyID); err != nil {
		return fmt.Errorf("touch ingestion key: %w", err)
	}
	return nil
}

func (r *IngestionKeyRepo) Deactivate(ctx context.Context, keyID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE log_ingestion_keys SET is_active = FALSE WHERE key_id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("deactivate ingestion key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
