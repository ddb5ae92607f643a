package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Watchtower/internal/domain"
)

const (
	policyColumns = `id, name, role_filter, target_type_filter, keep_days, action,
		drop_fields, mask_fields, enabled, created_at`
	anonJobColumns = `id, policy_id, status, total_events, affected_events, error,
		requested_by, created_at, started_at, finished_at`
)

type RetentionRepo struct {
	pool *pgxpool.Pool
}

func NewRetentionRepo(pool *pgxpool.Pool) *RetentionRepo {
	return &RetentionRepo{pool: pool}
}

func scanPolicy(row pgx.Row) (*domain.RetentionPolicy, error) {
	p := &domain.RetentionPolicy{}
	var maskJSON []byte
	if err := row.Scan(&p.ID, &p.Name, &p.RoleFilter, &p.TargetTypeFilter, &p.KeepDays, &p.Action,
		&p.DropFields, &maskJSON, &p.Enabled, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(maskJSON, &p.MaskFields); err != nil {
		return nil, fmt.Errorf("unmarshal mask fields: %w", err)
	}
	if p.DropFields == nil {
		p.DropFields = []string{}
	}
	return p, nil
}

func scanAnonJob(row pgx.Row) (*domain.AnonymizationJob, error) {
	j := &domain.AnonymizationJob{}
	err := row.Scan(&j.ID, &j.PolicyID, &j.Status, &j.TotalEvents, &j.AffectedEvents, &j.Error,
		&j.RequestedBy, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	return j, err
}

func (r *RetentionRepo) CreatePolicy(ctx context.Context, p *domain.RetentionPolicy) error {
	if p.MaskFields == nil {
		p.MaskFields = map[string]string{}
	}
	if p.DropFields == nil {
		p.DropFields = []string{}
	}
	maskJSON, err := json.Marshal(p.MaskFields)
	if err != nil {
		return fmt.Errorf("marshal mask fields: %w", err)
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO retention_policies (name, role_filter, target_type_filter, keep_days, action,
		                                drop_fields, mask_fields, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, p.Name, p.RoleFilter, p.TargetTypeFilter, p.KeepDays, p.Action, p.DropFields, maskJSON, p.Enabled).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert retention policy: %w", err)
	}
	return nil
}

func (r *RetentionRepo) GetPolicy(ctx context.Context, id uuid.UUID) (*domain.RetentionPolicy, error) {
	p, err := scanPolicy(r.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM retention_policies WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get retention policy")
	}
	return p, nil
}

func (r *RetentionRepo) ListPolicies(ctx context.Context, enabledOnly bool) ([]*domain.RetentionPolicy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+policyColumns+` FROM retention_policies
		WHERE enabled OR NOT $1
		ORDER BY created_at
	`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	defer rows.Close()

	policies := []*domain.RetentionPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (r *RetentionRepo) CreateJob(ctx context.Context, j *domain.AnonymizationJob) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO anonymization_jobs (policy_id, status, requested_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, j.PolicyID, domain.JobPending, j.RequestedBy).Scan(&j.ID, &j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert anonymization job: %w", err)
	}
	j.Status = domain.JobPending
	return nil
}

func (r *RetentionRepo) GetJob(ctx context.Context, id uuid.UUID) (*domain.AnonymizationJob, error) {
	j, err := scanAnonJob(r.pool.QueryRow(ctx, `SELECT `+anonJobColumns+` FROM anonymization_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get anonymization job")
	}
	return j, nil
}

func (r *RetentionRepo) MarkJobRunning(ctx context.Context, id uuid.UUID, total int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE anonymization_jobs
		SET status = $1, total_events = $2, started_at = NOW()
		WHERE id = $3 AND status = $4
	`, domain.JobRunning, total, id, domain.JobPending)
	if err != nil {
		return fmt.Errorf("start anonymization job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetJob(ctx, id); err != nil {
			return err
		}
		return domain.ErrTerminalJob
	}
	return nil
}

func (r *RetentionRepo) UpdateJobProgress(ctx context.Context, id uuid.UUID, affected int) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE anonymization_jobs SET affected_events = $1 WHERE id = $2 AND status = $3
	`, affected, id, domain.JobRunning); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (r *RetentionRepo) FinishJob(ctx context.Context, id uuid.UUID, status domain.JobStatus, affected int, errText string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE anonymization_jobs
		SET status = $1, affected_events = $2, error = $3, finished_at = NOW()
		WHERE id = $4 AND status IN ($5, $6)
	`, status, affected, errText, id, domain.JobPending, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("finish anonymization job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTerminalJob
	}
	return nil
}

func retentionWhere(c domain.RetentionCriteria) *whereBuilder {
	w := &whereBuilder{}
	w.and("timestamp <= " + w.arg(c.Before))
	if c.Role != "" {
		w.and("actor_role = " + w.arg(c.Role))
	}
	if c.TargetType != "" {
		w.and("target_type = " + w.arg(c.TargetType))
	}
	return w
}

func (r *RetentionRepo) CountMatching(ctx context.Context, c domain.RetentionCriteria) (int, error) {
	w := retentionWhere(c)
	var n int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM activity_events "+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count retention matches: %w", err)
	}
	return n, nil
}

func (r *RetentionRepo) PurgeMatching(ctx context.Context, c domain.RetentionCriteria) (int, error) {
	w := retentionWhere(c)
	tag, err := r.pool.Exec(ctx, "DELETE FROM activity_events "+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AnonymizeBatch locks up to limit matching rows past the keyset position, rewrites
// their context and commits, keeping each lock window short.
func (r *RetentionRepo) AnonymizeBatch(ctx context.Context, c domain.RetentionCriteria, after uuid.UUID, limit int, rewrite func(*domain.EventContext)) (int, uuid.UUID, error) {
	var (
		n    int
		last uuid.UUID
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		w := retentionWhere(c)
		if after != uuid.Nil {
			w.and("id > " + w.arg(after))
		}
		rows, err := tx.Query(ctx, fmt.Sprintf(
			`SELECT id, context FROM activity_events %s ORDER BY id LIMIT %s FOR UPDATE`,
			w.String(), w.arg(limit)), w.args...)
		if err != nil {
			return fmt.Errorf("select batch: %w", err)
		}

		type row struct {
			id  uuid.UUID
			ctx domain.EventContext
		}
		var batch []row
		for rows.Next() {
			var rw row
			var raw []byte
			if err := rows.Scan(&rw.id, &raw); err != nil {
				rows.Close()
				return fmt.Errorf("scan batch: %w", err)
			}
			if err := json.Unmarshal(raw, &rw.ctx); err != nil {
				rows.Close()
				return fmt.Errorf("unmarshal context %s: %w", rw.id, err)
			}
			batch = append(batch, rw)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		updates := &pgx.Batch{}
		for _, rw := range batch {
			rewrite(&rw.ctx)
			raw, err := json.Marshal(rw.ctx)
			if err != nil {
				return fmt.Errorf("marshal context %s: %w", rw.id, err)
			}
			updates.Queue(`UPDATE activity_events SET context = $1 WHERE id = $2`, raw, rw.id)
		}
		if err := tx.SendBatch(ctx, updates).Close(); err != nil {
			return fmt.Errorf("update batch: %w", err)
		}
		n, last = len(batch), batch[len(batch)-1].id
		return nil
	})
	if err != nil {
		return 0, uuid.Nil, err
	}
	return n, last, nil
}
