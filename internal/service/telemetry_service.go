package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/domain"
)

const (
	defaultTelemetryLimit = 100
	maxTelemetryLimit     = 1000
)

type HeartbeatInput struct {
	CPUPercent             float64        `json:"cpu_percent"`
	MemPercent             float64        `json:"mem_percent"`
	ActiveWindow           string         `json:"active_window"`
	IsLocked               bool           `json:"is_locked"`
	IP                     string         `json:"ip"`
	KeystrokeCount         int            `json:"keystroke_count"`
	MouseClickCount        int            `json:"mouse_click_count"`
	KeystrokeRate          *float64       `json:"keystroke_rate_per_minute"`
	ClickRate              *float64       `json:"click_rate_per_minute"`
	ProductivityScore      *float64       `json:"productivity_score"`
	ActiveMinutes          *float64       `json:"active_minutes"`
	IdleSeconds            *float64       `json:"idle_seconds"`
	SessionDurationMinutes float64        `json:"session_duration_minutes"`
	TopApplications        map[string]int `json:"top_applications"`
	IdleAlert              bool           `json:"idle_alert"`
}

type HeartbeatResult struct {
	HeartbeatID       uuid.UUID           `json:"heartbeat_id"`
	Status            domain.DeviceStatus `json:"status"`
	ProductivityScore float64             `json:"productivity_score"`
	IdleAlertID       *uuid.UUID          `json:"idle_alert_id,omitempty"`
}

type TelemetryService struct {
	devices    domain.DeviceRepository
	heartbeats domain.HeartbeatRepository
	users      domain.UserRepository
	notifier   Notifier
	weights    ProductivityWeights
	log        *slog.Logger
	now        func() time.Time
}

func NewTelemetryService(devices domain.DeviceRepository, heartbeats domain.HeartbeatRepository, users domain.UserRepository,
	notifier Notifier, weights ProductivityWeights, log *slog.Logger) *TelemetryService {
	return &TelemetryService{
		devices:    devices,
		heartbeats: heartbeats,
		users:      users,
		notifier:   notifier,
		weights:    weights,
		log:        log,
		now:        time.Now,
	}
}

// RecordHeartbeat stores the heartbeat and updates the device. Live fan-out never fails it.
func (s *TelemetryService) RecordHeartbeat(ctx context.Context, d *domain.Device, in HeartbeatInput) (*HeartbeatResult, error) {
	if in.SessionDurationMinutes < 0 {
		return nil, domain.Invalid("session_duration_minutes", "must not be negative")
	}
	if in.KeystrokeCount < 0 || in.MouseClickCount < 0 {
		return nil, domain.Invalid("keystroke_count", "counts must not be negative")
	}
	now := s.now().UTC()
	snap := userSnapshot(ctx, s.users, d, s.log)

	hb := &domain.Heartbeat{
		DeviceID:               d.ID,
		UserSnapshot:           snap,
		CPUPercent:             clamp(in.CPUPercent, 0, 100),
		MemPercent:             clamp(in.MemPercent, 0, 100),
		ActiveWindow:           strings.TrimSpace(in.ActiveWindow),
		IsLocked:               in.IsLocked,
		IP:                     strings.TrimSpace(in.IP),
		KeystrokeCount:         in.KeystrokeCount,
		MouseClickCount:        in.MouseClickCount,
		IdleAlert:              in.IdleAlert,
		SessionDurationMinutes: in.SessionDurationMinutes,
		TopApplications:        in.TopApplications,
	}
	if hb.TopApplications == nil {
		hb.TopApplications = map[string]int{}
	}
	sample := ActivitySample{
		SessionMinutes: in.SessionDurationMinutes,
		ActiveMinutes:  in.ActiveMinutes,
		IdleSeconds:    in.IdleSeconds,
		KeystrokeCount: in.KeystrokeCount,
		ClickCount:     in.MouseClickCount,
		KeystrokeRate:  in.KeystrokeRate,
		ClickRate:      in.ClickRate,
		ClientScore:    in.ProductivityScore,
	}
	hb.KeystrokeRate, hb.ClickRate, _ = s.weights.rates(sample)
	hb.KeystrokeRate = round2(hb.KeystrokeRate)
	hb.ClickRate = round2(hb.ClickRate)
	hb.ProductivityScore = s.weights.Score(sample)

	if err := s.heartbeats.Create(ctx, hb); err != nil {
		return nil, fmt.Errorf("store heartbeat: %w", err)
	}

	status := domain.DeviceOnline
	if in.IsLocked {
		status = domain.DeviceIdle
	}
	ip := hb.IP
	if ip == "" {
		ip = d.IP
	}
	effective, err := s.devices.TouchHeartbeat(ctx, d.ID, status, ip, now)
	if err != nil {
		return nil, fmt.Errorf("update device status: %w", err)
	}

	res := &HeartbeatResult{HeartbeatID: hb.ID, Status: effective, ProductivityScore: hb.ProductivityScore}

	switch {
	case in.IdleAlert:
		alert, err := s.openIdleAlert(ctx, d.ID, snap, in.IdleSeconds, now)
		if err != nil {
			return nil, err
		}
		if alert != nil {
			res.IdleAlertID = &alert.ID
			notify(s.notifier, s.log, ChannelIdleAlerts, alert)
		}
	case !in.IsLocked:
		if n, err := s.heartbeats.ResolveIdleAlerts(ctx, d.ID, now); err != nil {
			s.log.Warn("resolve idle alerts", "device_id", d.ID, "err", err)
		} else if n > 0 {
			s.log.Debug("idle alerts resolved", "device_id", d.ID, "count", n)
		}
	}

	notify(s.notifier, s.log, ChannelHeartbeats, liveHeartbeat{Heartbeat: hb, Status: effective})
	return res, nil
}

type liveHeartbeat struct {
	*domain.Heartbeat
	Status domain.DeviceStatus `json:"status"`
}

// openIdleAlert creates an alert unless one is already open for the device.
func (s *TelemetryService) openIdleAlert(ctx context.Context, deviceID uuid.UUID, snap domain.UserSnapshot, idleSeconds *float64, now time.Time) (*domain.IdleAlert, error) {
	open, err := s.heartbeats.ListIdleAlerts(ctx, deviceID, true, 1)
	if err != nil {
		return nil, fmt.Errorf("list open idle alerts: %w", err)
	}
	if len(open) > 0 {
		return nil, nil
	}
	secs := 0
	if idleSeconds != nil && *idleSeconds > 0 {
		secs = int(*idleSeconds)
	}
	alert := &domain.IdleAlert{
		DeviceID:     deviceID,
		UserSnapshot: snap,
		IdleSeconds:  secs,
		StartedAt:    now.Add(-time.Duration(secs) * time.Second),
	}
	if err := s.heartbeats.CreateIdleAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("create idle alert: %w", err)
	}
	s.log.Info("idle alert opened", "device_id", deviceID, "idle_seconds", secs)
	return alert, nil
}

func (s *TelemetryService) ListHeartbeats(ctx context.Context, deviceID uuid.UUID, limit int) ([]*domain.Heartbeat, error) {
	return s.heartbeats.ListByDevice(ctx, deviceID, telemetryLimit(limit))
}

func (s *TelemetryService) ListIdleAlerts(ctx context.Context, deviceID uuid.UUID, openOnly bool, limit int) ([]*domain.IdleAlert, error) {
	return s.heartbeats.ListIdleAlerts(ctx, deviceID, openOnly, telemetryLimit(limit))
}

func telemetryLimit(limit int) int {
	if limit <= 0 {
		return defaultTelemetryLimit
	}
	if limit > maxTelemetryLimit {
		return maxTelemetryLimit
	}
	return limit
}

// userSnapshot captures the device's owner at the time telemetry arrives. A missing user
// yields an empty snapshot rather than an error.
func userSnapshot(ctx context.Context, users domain.UserRepository, d *domain.Device, log *slog.Logger) domain.UserSnapshot {
	if d.CurrentUserID == nil {
		return domain.UserSnapshot{}
	}
	u, err := users.GetByID(ctx, *d.CurrentUserID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("load device user", "device_id", d.ID, "err", err)
		}
		id := *d.CurrentUserID
		return domain.UserSnapshot{UserID: &id}
	}
	return u.Snapshot()
}
