package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/config"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/eventbus"
	"github.com/CaioWing/Watchtower/internal/repository/postgres"
	"github.com/CaioWing/Watchtower/internal/service"
	"github.com/CaioWing/Watchtower/internal/storage"
	"github.com/CaioWing/Watchtower/internal/storage/local"
	"github.com/CaioWing/Watchtower/internal/storage/s3"
)

type jobQueue = service.JobQueue

type services struct {
	users       domain.UserRepository
	jwt         *auth.JWTManager
	events      *service.EventService
	retention   *service.RetentionService
	exports     *service.ExportService
	devices     *service.DeviceService
	telemetry   *service.TelemetryService
	screenshots *service.ScreenshotService
	cleanup     *service.CleanupService
}

func buildServices(pool *pgxpool.Pool, store storage.BlobStore, queue jobQueue, notifier service.Notifier,
	cfg *config.Config, log *slog.Logger) *services {
	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	deviceRepo := postgres.NewDeviceRepo(pool)
	heartbeatRepo := postgres.NewHeartbeatRepo(pool)
	screenshotRepo := postgres.NewScreenshotRepo(pool)

	// Services
	events := service.NewEventService(eventRepo, postgres.NewIngestionKeyRepo(pool), cfg.Ingest.BatchCap, log)
	retention := service.NewRetentionService(postgres.NewRetentionRepo(pool), queue, log)
	exports := service.NewExportService(postgres.NewExportRepo(pool), eventRepo, store,
		auth.NewURLSigner(cfg.Auth.ExportURLSecret, cfg.Auth.ExportURLTTL), queue, log)

	devices := service.NewDeviceService(deviceRepo, userRepo, service.DeviceServiceConfig{
		Signer:   auth.NewEnrollmentSigner(cfg.Auth.EnrollmentSecret, cfg.Auth.EnrollmentTTL),
		Resolver: net.DefaultResolver,
		Activity: events,
		Notifier: notifier,
		TokenTTL: cfg.Auth.DeviceTokenTTL,
	}, log)

	mon := cfg.Monitoring
	telemetry := service.NewTelemetryService(deviceRepo, heartbeatRepo, userRepo, notifier, service.ProductivityWeights{
		Active:       mon.WeightActive,
		Keystroke:    mon.WeightKeystroke,
		Click:        mon.WeightClick,
		KeystrokeRef: mon.KeystrokeRef,
		ClickRef:     mon.ClickRef,
	}, log)

	shots := service.NewScreenshotService(screenshotRepo, userRepo, store,
		service.NewThumbnailer(mon.ThumbWidth, mon.ThumbHeight), events, notifier, log)

	cleanup := service.NewCleanupService(deviceRepo, heartbeatRepo, screenshotRepo, shots, retention, store, notifier,
		service.CleanupConfig{
			OfflineAfter:      mon.OfflineAfter,
			RetentionDays:     mon.RetentionDays,
			SweepInterval:     mon.SweepInterval,
			RetentionInterval: mon.RetentionInterval,
		}, log)

	return &services{
		users:       userRepo,
		jwt:         auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry),
		events:      events,
		retention:   retention,
		exports:     exports,
		devices:     devices,
		telemetry:   telemetry,
		screenshots: shots,
		cleanup:     cleanup,
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, error) {
	switch cfg.Driver {
	case "s3":
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
	case "local", "":
		return local.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newNotifier picks the live fan-out path. It returns a nil interface when nothing listens.
func newNotifier(rdb *redis.Client, hub *eventbus.Hub, log *slog.Logger) service.Notifier {
	switch {
	case rdb != nil:
		return eventbus.NewRedisBus(rdb, hub, log)
	case hub != nil:
		return hub
	default:
		return nil
	}
}
