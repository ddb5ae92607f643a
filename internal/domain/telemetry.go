package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserSnapshot records who owned a device when telemetry arrived.
type UserSnapshot struct {
	UserID   *uuid.UUID `json:"user_id"`
	UserName string     `json:"user_name"`
	UserRole string     `json:"user_role"`
}

type Heartbeat struct {
	ID       uuid.UUID `json:"id"`
	DeviceID uuid.UUID `json:"device_id"`
	UserSnapshot
	CPUPercent             float64        `json:"cpu_percent"`
	MemPercent             float64        `json:"mem_percent"`
	ActiveWindow           string         `json:"active_window"`
	IsLocked               bool           `json:"is_locked"`
	IP                     string         `json:"ip"`
	KeystrokeCount         int            `json:"keystroke_count"`
	MouseClickCount        int            `json:"mouse_click_count"`
	KeystrokeRate          float64        `json:"keystroke_rate_per_minute"`
	ClickRate              float64        `json:"click_rate_per_minute"`
	ProductivityScore      float64        `json:"productivity_score"`
	IdleAlert              bool           `json:"idle_alert"`
	SessionDurationMinutes float64        `json:"session_duration_minutes"`
	TopApplications        map[string]int `json:"top_applications"`
	CreatedAt              time.Time      `json:"created_at"`
}

type Screenshot struct {
	ID       uuid.UUID `json:"id"`
	DeviceID uuid.UUID `json:"device_id"`
	UserSnapshot
	BlobKey   string    `json:"blob_key"`
	ThumbKey  string    `json:"thumb_key"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	TakenAt   time.Time `json:"taken_at"`
	CreatedAt time.Time `json:"created_at"`
}

type IdleAlert struct {
	ID       uuid.UUID `json:"id"`
	DeviceID uuid.UUID `json:"device_id"`
	UserSnapshot
	IdleSeconds int        `json:"idle_seconds"`
	StartedAt   time.Time  `json:"started_at"`
	ResolvedAt  *time.Time `json:"resolved_at"`
}

type HeartbeatRepository interface {
	Create(ctx context.Context, hb *Heartbeat) error
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*Heartbeat, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateIdleAlert(ctx context.Context, a *IdleAlert) error
	// ResolveIdleAlerts closes every open alert for the device.
	ResolveIdleAlerts(ctx context.Context, deviceID uuid.UUID, at time.Time) (int, error)
	ListIdleAlerts(ctx context.Context, deviceID uuid.UUID, openOnly bool, limit int) ([]*IdleAlert, error)
}

type ScreenshotRepository interface {
	// Create returns ErrConflict when a screenshot with the same SHA256 exists.
	Create(ctx context.Context, s *Screenshot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Screenshot, error)
	GetBySHA256(ctx context.Context, sum string) (*Screenshot, error)
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*Screenshot, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Screenshot, error)
	ListMissingThumbnails(ctx context.Context, limit int) ([]*Screenshot, error)
	SetThumbKey(ctx context.Context, id uuid.UUID, key string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
