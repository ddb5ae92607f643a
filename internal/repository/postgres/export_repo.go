package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Watchtower/internal/domain"
)

type ExportRepo struct {
	pool *pgxpool.Pool
}

func NewExportRepo(pool *pgxpool.Pool) *ExportRepo {
	return &ExportRepo{pool: pool}
}

func (r *ExportRepo) Create(ctx context.Context, j *domain.ExportJob) error {
	filtersJSON, err := json.Marshal(j.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	if j.Fields == nil {
		j.Fields = []string{}
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO export_jobs (format, filters, fields, compress, status, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, j.Format, filtersJSON, j.Fields, j.Compress, domain.JobPending, j.RequestedBy).
		Scan(&j.ID, &j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	j.Status = domain.JobPending
	return nil
}

func (r *ExportRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ExportJob, error) {
	j := &domain.ExportJob{}
	var filtersJSON []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, format, filters, fields, compress, status, total_events, file_path, error,
		       requested_by, created_at, started_at, finished_at
		FROM export_jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.Format, &filtersJSON, &j.Fields, &j.Compress, &j.Status, &j.TotalEvents,
		&j.FilePath, &j.Error, &j.RequestedBy, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, notFound(err, "get export job")
	}
	if err := json.Unmarshal(filtersJSON, &j.Filters); err != nil {
		return nil, fmt.Errorf("unmarshal filters: %w", err)
	}
	return j, nil
}

func (r *ExportRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE export_jobs SET status = $1, started_at = NOW()
		WHERE id = $2 AND status = $3
	`, domain.JobRunning, id, domain.JobPending)
	if err != nil {
		return fmt.Errorf("start export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrTerminalJob
	}
	return nil
}

func (r *ExportRepo) Complete(ctx context.Context, id uuid.UUID, filePath string, total int) error {
	return r.finish(ctx, id, domain.JobCompleted, filePath, total, "")
}

func (r *ExportRepo) Fail(ctx context.Context, id uuid.UUID, errText string) error {
	return r.finish(ctx, id, domain.JobFailed, "", 0, errText)
}

func (r *ExportRepo) finish(ctx context.Context, id uuid.UUID, status domain.JobStatus, filePath string, total int, errText string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $1, file_path = $2, total_events = $3, error = $4, finished_at = NOW()
		WHERE id = $5 AND status IN ($6, $7)
	`, status, filePath, total, errText, id, domain.JobPending, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("finish export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTerminalJob
	}
	return nil
}
