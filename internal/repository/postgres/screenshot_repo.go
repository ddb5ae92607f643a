package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Watchtower/internal/domain"
)

const screenshotColumns = `id, device_id, user_id, user_name, user_role, blob_key, thumb_key,
	width, height, size_bytes, sha256, taken_at, created_at`

type ScreenshotRepo struct {
	pool *pgxpool.Pool
}

func NewScreenshotRepo(pool *pgxpool.Pool) *ScreenshotRepo {
	return &ScreenshotRepo{pool: pool}
}

func scanScreenshot(row pgx.Row) (*domain.Screenshot, error) {
	s := &domain.Screenshot{}
	err := row.Scan(&s.ID, &s.DeviceID, &s.UserID, &s.UserName, &s.UserRole, &s.BlobKey, &s.ThumbKey,
		&s.Width, &s.Height, &s.SizeBytes, &s.SHA256, &s.TakenAt, &s.CreatedAt)
	return s, err
}

func (r *ScreenshotRepo) queryScreenshots(ctx context.Context, query string, args ...any) ([]*domain.Screenshot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query screenshots: %w", err)
	}
	defer rows.Close()

	shots := []*domain.Screenshot{}
	for rows.Next() {
		s, err := scanScreenshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		shots = append(shots, s)
	}
	return shots, rows.Err()
}

func (r *ScreenshotRepo) Create(ctx context.Context, s *domain.Screenshot) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO screenshots (device_id, user_id, user_name, user_role, blob_key, thumb_key,
		                         width, height, size_bytes, sha256, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, s.DeviceID, s.UserID, s.UserName, s.UserRole, s.BlobKey, s.ThumbKey,
		s.Width, s.Height, s.SizeBytes, s.SHA256, s.TakenAt).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert screenshot: %w", err)
	}
	return nil
}

func (r *ScreenshotRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Screenshot, error) {
	s, err := scanScreenshot(r.pool.QueryRow(ctx, `SELECT `+screenshotColumns+` FROM screenshots WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get screenshot")
	}
	return s, nil
}

func (r *ScreenshotRepo) GetBySHA256(ctx context.Context, sum string) (*domain.Screenshot, error) {
	s, err := scanScreenshot(r.pool.QueryRow(ctx, `SELECT `+screenshotColumns+` FROM screenshots WHERE sha256 = $1`, sum))
	if err != nil {
		return nil, notFound(err, "get screenshot by sha256")
	}
	return s, nil
}

func (r *ScreenshotRepo) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*domain.Screenshot, error) {
	return r.queryScreenshots(ctx, `
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE device_id = $1 ORDER BY taken_at DESC LIMIT $2
	`, deviceID, limit)
}

func (r *ScreenshotRepo) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Screenshot, error) {
	return r.queryScreenshots(ctx, `
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE taken_at < $1 ORDER BY taken_at LIMIT $2
	`, cutoff, limit)
}

func (r *ScreenshotRepo) ListMissingThumbnails(ctx context.Context, limit int) ([]*domain.Screenshot, error) {
	return r.queryScreenshots(ctx, `
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE thumb_key = '' ORDER BY created_at LIMIT $1
	`, limit)
}

func (r *ScreenshotRepo) SetThumbKey(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE screenshots SET thumb_key = $1 WHERE id = $2`, key, id)
	if err != nil {
		return fmt.Errorf("set thumb key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ScreenshotRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM screenshots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete screenshot: %w", err)
	}
	return nil
}
