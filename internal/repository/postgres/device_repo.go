package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Watchtower/internal/domain"
)

const deviceColumns = `d.id, d.org_id, d.hostname, d.os, d.agent_version, d.ip, d.reverse_dns, d.status,
	d.current_user_id, d.screenshot_interval_sec, d.heartbeat_interval_sec, d.screenshots_enabled,
	d.activity_tracking_enabled, d.idle_threshold_sec, d.last_heartbeat, d.is_active,
	d.created_at, d.updated_at`

type DeviceRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceRepo(pool *pgxpool.Pool) *DeviceRepo {
	return &DeviceRepo{pool: pool}
}

func deviceDest(d *domain.Device) []any {
	return []any{
		&d.ID, &d.OrgID, &d.Hostname, &d.OS, &d.AgentVersion, &d.IP, &d.ReverseDNS, &d.Status,
		&d.CurrentUserID, &d.ScreenshotIntervalSec, &d.HeartbeatIntervalSec, &d.ScreenshotsEnabled,
		&d.ActivityTrackingEnabled, &d.IdleThresholdSec, &d.LastHeartbeat, &d.IsActive,
		&d.CreatedAt, &d.UpdatedAt,
	}
}

// Enroll upserts on (current_user_id, hostname) so re-enrolling from the same host reuses
// the device. The old token is deleted before the new one is inserted inside the same
// transaction; device_tokens is keyed by device_id so two live tokens cannot coexist.
func (r *DeviceRepo) Enroll(ctx context.Context, d *domain.Device, tokenHash string, expiresAt time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO devices AS d (org_id, hostname, os, agent_version, ip, reverse_dns, status,
			                          current_user_id, screenshot_interval_sec, heartbeat_interval_sec,
			                          screenshots_enabled, activity_tracking_enabled, idle_threshold_sec,
			                          is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE)
			ON CONFLICT (current_user_id, hostname) DO UPDATE
			SET os = EXCLUDED.os,
			    agent_version = EXCLUDED.agent_version,
			    ip = EXCLUDED.ip,
			    reverse_dns = EXCLUDED.reverse_dns,
			    org_id = EXCLUDED.org_id,
			    is_active = TRUE,
			    updated_at = NOW()
			RETURNING `+deviceColumns,
			d.OrgID, d.Hostname, d.OS, d.AgentVersion, d.IP, d.ReverseDNS, domain.DeviceOffline,
			d.CurrentUserID, d.ScreenshotIntervalSec, d.HeartbeatIntervalSec, d.ScreenshotsEnabled,
			d.ActivityTrackingEnabled, d.IdleThresholdSec,
		).Scan(deviceDest(d)...)
		if err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM device_tokens WHERE device_id = $1`, d.ID); err != nil {
			return fmt.Errorf("revoke device token: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_tokens (device_id, token_hash, expires_at) VALUES ($1, $2, $3)
		`, d.ID, tokenHash, expiresAt); err != nil {
			return fmt.Errorf("insert device token: %w", err)
		}

		if d.CurrentUserID != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO device_user_binds (device_id, user_id)
				SELECT $1::uuid, $2::uuid
				WHERE $2::uuid IS DISTINCT FROM (
					SELECT user_id FROM device_user_binds
					WHERE device_id = $1::uuid
					ORDER BY bound_at DESC
					LIMIT 1
				)
			`, d.ID, *d.CurrentUserID); err != nil {
				return fmt.Errorf("record device binding: %w", err)
			}
		}
		return nil
	})
}

func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	d := &domain.Device{}
	err := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices d WHERE d.id = $1`, id).
		Scan(deviceDest(d)...)
	if err != nil {
		return nil, notFound(err, "get device")
	}
	return d, nil
}

func (r *DeviceRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Device, *domain.DeviceToken, error) {
	d := &domain.Device{}
	t := &domain.DeviceToken{TokenHash: tokenHash}
	dest := append(deviceDest(d), &t.DeviceID, &t.ExpiresAt, &t.CreatedAt)
	err := r.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`, t.device_id, t.expires_at, t.created_at
		FROM device_tokens t
		JOIN devices d ON d.id = t.device_id
		WHERE t.token_hash = $1
	`, tokenHash).Scan(dest...)
	if err != nil {
		return nil, nil, notFound(err, "get device by token")
	}
	return d, t, nil
}

func (r *DeviceRepo) DeleteToken(ctx context.Context, tokenHash string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM device_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete device token: %w", err)
	}
	return nil
}

func (r *DeviceRepo) List(ctx context.Context, f domain.DeviceFilter) ([]*domain.Device, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	argIdx := 1

	if !f.IncludeInactive {
		where += " AND d.is_active"
	}
	if f.OrgID != nil {
		where += fmt.Sprintf(" AND d.org_id = $%d", argIdx)
		args = append(args, *f.OrgID)
		argIdx++
	}
	if f.Status != nil {
		where += fmt.Sprintf(" AND d.status = $%d", argIdx)
		args = append(args, *f.Status)
		argIdx++
	}
	if f.UserID != nil {
		where += fmt.Sprintf(" AND d.current_user_id = $%d", argIdx)
		args = append(args, *f.UserID)
		argIdx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM devices d "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM devices d %s
		ORDER BY d.last_heartbeat DESC NULLS LAST, d.created_at DESC
		LIMIT $%d OFFSET $%d
	`, deviceColumns, where, argIdx, argIdx+1)
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []*domain.Device{}
	for rows.Next() {
		d := &domain.Device{}
		if err := rows.Scan(deviceDest(d)...); err != nil {
			return nil, 0, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, total, rows.Err()
}

func (r *DeviceRepo) UpdateConfig(ctx context.Context, id uuid.UUID, upd domain.DeviceConfigUpdate) (*domain.Device, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	argIdx := 1
	set := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}

	if upd.ScreenshotIntervalSec != nil {
		set("screenshot_interval_sec", *upd.ScreenshotIntervalSec)
	}
	if upd.HeartbeatIntervalSec != nil {
		set("heartbeat_interval_sec", *upd.HeartbeatIntervalSec)
	}
	if upd.ScreenshotsEnabled != nil {
		set("screenshots_enabled", *upd.ScreenshotsEnabled)
	}
	if upd.ActivityTrackingEnabled != nil {
		set("activity_tracking_enabled", *upd.ActivityTrackingEnabled)
	}
	if upd.IdleThresholdSec != nil {
		set("idle_threshold_sec", *upd.IdleThresholdSec)
	}
	if upd.Paused != nil {
		if *upd.Paused {
			sets = append(sets, fmt.Sprintf("status = '%s'", domain.DevicePaused))
		} else {
			sets = append(sets, fmt.Sprintf("status = CASE WHEN status = '%s' THEN '%s' ELSE status END",
				domain.DevicePaused, domain.DeviceOffline))
		}
	}

	d := &domain.Device{}
	query := fmt.Sprintf(`UPDATE devices d SET %s WHERE d.id = $%d RETURNING %s`,
		strings.Join(sets, ", "), argIdx, deviceColumns)
	args = append(args, id)
	if err := r.pool.QueryRow(ctx, query, args...).Scan(deviceDest(d)...); err != nil {
		return nil, notFound(err, "update device config")
	}
	return d, nil
}

// Deactivate soft-deletes the device and revokes its token.
func (r *DeviceRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE devices SET is_active = FALSE, status = $1, updated_at = NOW() WHERE id = $2
		`, domain.DeviceOffline, id)
		if err != nil {
			return fmt.Errorf("deactivate device: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM device_tokens WHERE device_id = $1`, id); err != nil {
			return fmt.Errorf("revoke device token: %w", err)
		}
		return nil
	})
}

func (r *DeviceRepo) TouchHeartbeat(ctx context.Context, id uuid.UUID, status domain.DeviceStatus, ip string, at time.Time) (domain.DeviceStatus, error) {
	var applied domain.DeviceStatus
	err := r.pool.QueryRow(ctx, `
		UPDATE devices
		SET last_heartbeat = $1,
		    ip = COALESCE(NULLIF($2, ''), ip),
		    status = CASE WHEN status = $3 THEN status ELSE $4 END,
		    updated_at = NOW()
		WHERE id = $5
		RETURNING status
	`, at, ip, domain.DevicePaused, status, id).Scan(&applied)
	if err != nil {
		return "", notFound(err, "touch device heartbeat")
	}
	return applied, nil
}

func (r *DeviceRepo) MarkStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE devices SET status = $1, updated_at = NOW()
		WHERE status IN ($2, $3) AND (last_heartbeat IS NULL OR last_heartbeat < $4)
		RETURNING id
	`, domain.DeviceOffline, domain.DeviceOnline, domain.DeviceIdle, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale devices: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale device: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *DeviceRepo) CountByStatus(ctx context.Context) (map[domain.DeviceStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM devices WHERE is_active GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DeviceStatus]int)
	for rows.Next() {
		var status domain.DeviceStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *DeviceRepo) ListBindings(ctx context.Context, deviceID uuid.UUID) ([]*domain.DeviceUserBind, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, user_id, bound_at FROM device_user_binds
		WHERE device_id = $1 ORDER BY bound_at DESC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list device bindings: %w", err)
	}
	defer rows.Close()

	binds := []*domain.DeviceUserBind{}
	for rows.Next() {
		b := &domain.DeviceUserBind{}
		if err := rows.Scan(&b.ID, &b.DeviceID, &b.UserID, &b.BoundAt); err != nil {
			return nil, fmt.Errorf("scan device binding: %w", err)
		}
		binds = append(binds, b)
	}
	return binds, rows.Err()
}
