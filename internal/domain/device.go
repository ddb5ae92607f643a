package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "ONLINE"
	DeviceOffline DeviceStatus = "OFFLINE"
	DeviceIdle    DeviceStatus = "IDLE"
	DevicePaused  DeviceStatus = "PAUSED"
)

func ParseDeviceStatus(s string) (DeviceStatus, bool) {
	switch st := DeviceStatus(s); st {
	case DeviceOnline, DeviceOffline, DeviceIdle, DevicePaused:
		return st, true
	}
	return "", false
}

// Device is a monitored workstation. It is keyed by (current user, hostname) and never hard-deleted.
type Device struct {
	ID                      uuid.UUID    `json:"id"`
	OrgID                   string       `json:"org_id"`
	Hostname                string       `json:"hostname"`
	OS                      string       `json:"os"`
	AgentVersion            string       `json:"agent_version"`
	IP                      string       `json:"ip"`
	ReverseDNS              string       `json:"reverse_dns,omitempty"`
	Status                  DeviceStatus `json:"status"`
	CurrentUserID           *uuid.UUID   `json:"current_user_id"`
	ScreenshotIntervalSec   int          `json:"screenshot_interval_sec"`
	HeartbeatIntervalSec    int          `json:"heartbeat_interval_sec"`
	ScreenshotsEnabled      bool         `json:"screenshots_enabled"`
	ActivityTrackingEnabled bool         `json:"activity_tracking_enabled"`
	IdleThresholdSec        int          `json:"idle_threshold_sec"`
	LastHeartbeat           *time.Time   `json:"last_heartbeat"`
	IsActive                bool         `json:"is_active"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// DefaultDeviceConfig is applied to devices created by enrollment.
func DefaultDeviceConfig(d *Device) {
	d.ScreenshotIntervalSec = 300
	d.HeartbeatIntervalSec = 60
	d.ScreenshotsEnabled = true
	d.ActivityTrackingEnabled = true
	d.IdleThresholdSec = 300
}

type DeviceToken struct {
	DeviceID  uuid.UUID `json:"device_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *DeviceToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// DeviceUserBind is one entry of a device's ownership history.
type DeviceUserBind struct {
	ID       uuid.UUID `json:"id"`
	DeviceID uuid.UUID `json:"device_id"`
	UserID   uuid.UUID `json:"user_id"`
	BoundAt  time.Time `json:"bound_at"`
}

type DeviceFilter struct {
	OrgID           *string
	Status          *DeviceStatus
	UserID          *uuid.UUID
	IncludeInactive bool
	Page            int
	PerPage         int
}

// DeviceConfigUpdate carries an admin patch. Nil fields are left unchanged.
type DeviceConfigUpdate struct {
	ScreenshotIntervalSec   *int  `json:"screenshot_interval_sec"`
	HeartbeatIntervalSec    *int  `json:"heartbeat_interval_sec"`
	ScreenshotsEnabled      *bool `json:"screenshots_enabled"`
	ActivityTrackingEnabled *bool `json:"activity_tracking_enabled"`
	IdleThresholdSec        *int  `json:"idle_threshold_sec"`
	Paused                  *bool `json:"paused"`
}

type DeviceRepository interface {
	// Enroll finds or creates the device for (CurrentUserID, Hostname), replaces any token it
	// holds with tokenHash and appends a bind record when the owner changed. One transaction.
	Enroll(ctx context.Context, d *Device, tokenHash string, expiresAt time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Device, *DeviceToken, error)
	DeleteToken(ctx context.Context, tokenHash string) error
	List(ctx context.Context, filter DeviceFilter) ([]*Device, int, error)
	UpdateConfig(ctx context.Context, id uuid.UUID, upd DeviceConfigUpdate) (*Device, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	// TouchHeartbeat stamps last_heartbeat and ip and sets status unless the device is PAUSED.
	TouchHeartbeat(ctx context.Context, id uuid.UUID, status DeviceStatus, ip string, at time.Time) (DeviceStatus, error)
	// MarkStale flips ONLINE/IDLE devices last seen before cutoff to OFFLINE.
	MarkStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	CountByStatus(ctx context.Context) (map[DeviceStatus]int, error)
	ListBindings(ctx context.Context, deviceID uuid.UUID) ([]*DeviceUserBind, error)
}
