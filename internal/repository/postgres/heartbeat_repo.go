package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Watchtower/internal/domain"
)

type HeartbeatRepo struct {
	pool *pgxpool.Pool
}

func NewHeartbeatRepo(pool *pgxpool.Pool) *HeartbeatRepo {
	return &HeartbeatRepo{pool: pool}
}

func (r *HeartbeatRepo) Create(ctx context.Context, hb *domain.Heartbeat) error {
	if hb.TopApplications == nil {
		hb.TopApplications = map[string]int{}
	}
	appsJSON, err := json.Marshal(hb.TopApplications)
	if err != nil {
		return fmt.Errorf("marshal top applications: %w", err)
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO heartbeats (device_id, user_id, user_name, user_role, cpu_percent, mem_percent,
		                        active_window, is_locked, ip, keystroke_count, mouse_click_count,
		                        keystroke_rate, click_rate, productivity_score, idle_alert,
		                        session_duration_minutes, top_applications)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at
	`, hb.DeviceID, hb.UserID, hb.UserName, hb.UserRole, hb.CPUPercent, hb.MemPercent,
		hb.ActiveWindow, hb.IsLocked, hb.IP, hb.KeystrokeCount, hb.MouseClickCount,
		hb.KeystrokeRate, hb.ClickRate, hb.ProductivityScore, hb.IdleAlert,
		hb.SessionDurationMinutes, appsJSON).Scan(&hb.ID, &hb.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

func (r *HeartbeatRepo) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*domain.Heartbeat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, user_id, user_name, user_role, cpu_percent, mem_percent, active_window,
		       is_locked, ip, keystroke_count, mouse_click_count, keystroke_rate, click_rate,
		       productivity_score, idle_alert, session_duration_minutes, top_applications, created_at
		FROM heartbeats WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	beats := []*domain.Heartbeat{}
	for rows.Next() {
		hb := &domain.Heartbeat{}
		var appsJSON []byte
		if err := rows.Scan(&hb.ID, &hb.DeviceID, &hb.UserID, &hb.UserName, &hb.UserRole,
			&hb.CPUPercent, &hb.MemPercent, &hb.ActiveWindow, &hb.IsLocked, &hb.IP,
			&hb.KeystrokeCount, &hb.MouseClickCount, &hb.KeystrokeRate, &hb.ClickRate,
			&hb.ProductivityScore, &hb.IdleAlert, &hb.SessionDurationMinutes, &appsJSON, &hb.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		if err := json.Unmarshal(appsJSON, &hb.TopApplications); err != nil {
			hb.TopApplications = map[string]int{}
		}
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}

func (r *HeartbeatRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM heartbeats WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete heartbeats: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *HeartbeatRepo) CreateIdleAlert(ctx context.Context, a *domain.IdleAlert) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO idle_alerts (device_id, user_id, user_name, user_role, idle_seconds, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, a.DeviceID, a.UserID, a.UserName, a.UserRole, a.IdleSeconds, a.StartedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert idle alert: %w", err)
	}
	return nil
}

func (r *HeartbeatRepo) ResolveIdleAlerts(ctx context.Context, deviceID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE idle_alerts SET resolved_at = $1 WHERE device_id = $2 AND resolved_at IS NULL
	`, at, deviceID)
	if err != nil {
		return 0, fmt.Errorf("resolve idle alerts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *HeartbeatRepo) ListIdleAlerts(ctx context.Context, deviceID uuid.UUID, openOnly bool, limit int) ([]*domain.IdleAlert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, user_id, user_name, user_role, idle_seconds, started_at, resolved_at
		FROM idle_alerts
		WHERE device_id = $1 AND (resolved_at IS NULL OR NOT $2)
		ORDER BY started_at DESC
		LIMIT $3
	`, deviceID, openOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list idle alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*domain.IdleAlert{}
	for rows.Next() {
		a := &domain.IdleAlert{}
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.UserID, &a.UserName, &a.UserRole,
			&a.IdleSeconds, &a.StartedAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan idle alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
