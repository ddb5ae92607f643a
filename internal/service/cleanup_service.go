package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/storage"
)

const sweepBatchSize = 100

type CleanupConfig struct {
	OfflineAfter      time.Duration
	RetentionDays     int
	SweepInterval     time.Duration
	RetentionInterval time.Duration
}

// PolicyRunner queues every enabled activity-log retention policy.
type PolicyRunner interface {
	RunAll(ctx context.Context) (int, error)
}

type CleanupService struct {
	devices     domain.DeviceRepository
	heartbeats  domain.HeartbeatRepository
	screenshots domain.ScreenshotRepository
	shots       *ScreenshotService
	policies    PolicyRunner
	store       storage.BlobStore
	notifier    Notifier
	cfg         CleanupConfig
	log         *slog.Logger
	now         func() time.Time
}

func NewCleanupService(
	devices domain.DeviceRepository,
	heartbeats domain.HeartbeatRepository,
	screenshots domain.ScreenshotRepository,
	shots *ScreenshotService,
	policies PolicyRunner,
	store storage.BlobStore,
	notifier Notifier,
	cfg CleanupConfig,
	log *slog.Logger,
) *CleanupService {
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	return &CleanupService{
		devices:     devices,
		heartbeats:  heartbeats,
		screenshots: screenshots,
		shots:       shots,
		policies:    policies,
		store:       store,
		notifier:    notifier,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// StartScheduler runs the staleness sweep every SweepInterval and the retention sweep,
// thumbnail backfill and retention policies every RetentionInterval. Call in a goroutine.
func (s *CleanupService) StartScheduler(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	retention := time.NewTicker(s.cfg.RetentionInterval)
	defer retention.Stop()

	s.log.Info("cleanup scheduler started", "sweep_interval", s.cfg.SweepInterval, "retention_interval", s.cfg.RetentionInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("cleanup scheduler stopped")
			return
		case <-sweep.C:
			s.SweepStaleDevices(ctx)
		case <-retention.C:
			s.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance performs every hourly task once.
func (s *CleanupService) RunMaintenance(ctx context.Context) {
	s.SweepRetention(ctx)
	if s.shots != nil {
		n, err := s.shots.BackfillThumbnails(ctx)
		if err != nil {
			s.log.Warn("thumbnail backfill failed", "err", err)
		} else if n > 0 {
			s.log.Info("thumbnails backfilled", "count", n)
		}
	}
	if s.policies != nil {
		if n, err := s.policies.RunAll(ctx); err != nil {
			s.log.Warn("retention policies not queued", "err", err)
		} else if n > 0 {
			s.log.Info("retention policies queued", "count", n)
		}
	}
}

// SweepStaleDevices marks devices without a recent heartbeat OFFLINE. It is the only path
// to OFFLINE.
func (s *CleanupService) SweepStaleDevices(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.OfflineAfter)
	ids, err := s.devices.MarkStale(ctx, cutoff)
	if err != nil {
		s.log.Warn("stale sweep failed", "err", err)
		return 0
	}
	if len(ids) > 0 {
		s.log.Info("devices marked offline", "count", len(ids))
		notify(s.notifier, s.log, ChannelDevices, map[string]any{
			"status":     domain.DeviceOffline,
			"device_ids": ids,
		})
	}
	return len(ids)
}

// SweepRetention deletes screenshots (blob, thumbnail, row) and heartbeats older than
// RetentionDays. A failed blob delete is logged and does not stop the batch.
func (s *CleanupService) SweepRetention(ctx context.Context) (screenshots, heartbeats int) {
	if s.cfg.RetentionDays <= 0 {
		return 0, 0
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	for ctx.Err() == nil {
		batch, err := s.screenshots.ListOlderThan(ctx, cutoff, sweepBatchSize)
		if err != nil {
			s.log.Warn("retention: list screenshots", "err", err)
			break
		}
		deleted := 0
		for _, shot := range batch {
			for _, key := range []string{shot.BlobKey, shot.ThumbKey} {
				if key == "" {
					continue
				}
				if err := s.store.Delete(ctx, key); err != nil {
					s.log.Warn("retention: delete blob", "screenshot_id", shot.ID, "key", key, "err", err)
				}
			}
			if err := s.screenshots.Delete(ctx, shot.ID); err != nil {
				s.log.Warn("retention: delete screenshot row", "screenshot_id", shot.ID, "err", err)
				continue
			}
			deleted++
		}
		screenshots += deleted
		if len(batch) < sweepBatchSize || deleted == 0 {
			break
		}
	}

	n, err := s.heartbeats.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("retention: delete heartbeats", "err", err)
	}
	heartbeats = n

	s.log.Info("retention sweep completed", "screenshots", screenshots, "heartbeats", heartbeats, "cutoff", cutoff)
	return screenshots, heartbeats
}
