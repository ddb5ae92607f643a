package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/CaioWing/Watchtower/internal/api"
	"github.com/CaioWing/Watchtower/internal/api/middleware"
	"github.com/CaioWing/Watchtower/internal/config"
	"github.com/CaioWing/Watchtower/internal/eventbus"
	"github.com/CaioWing/Watchtower/internal/ratelimit"
	"github.com/CaioWing/Watchtower/internal/repository/postgres"
	"github.com/CaioWing/Watchtower/internal/worker"
)

const (
	modeAPI    = "api"
	modeWorker = "worker"
	modeAll    = "all"
)

type options struct {
	mode        string
	envFile     string
	migrateOnly bool
}

func main() {
	var opts options
	pflag.StringVar(&opts.mode, "mode", modeAll, "what to run: api, worker or all")
	pflag.StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file loaded before the environment")
	pflag.BoolVar(&opts.migrateOnly, "migrate-only", false, "apply database migrations and exit")
	pflag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(log, opts); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, opts options) error {
	switch opts.mode {
	case modeAPI, modeWorker, modeAll:
	default:
		return fmt.Errorf("unknown --mode %q", opts.mode)
	}

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("starting Watchtower",
		"mode", opts.mode,
		"listen", cfg.ListenAddr(),
		"db_host", cfg.DB.Host,
		"storage", cfg.Storage.Driver,
		"redis", cfg.Redis.Enabled(),
	)

	log.Info("running database migrations")
	if err := postgres.RunMigrations(cfg.DB.DSN()); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations completed")
	if opts.migrateOnly {
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	log.Info("database connected")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "err", err)
		}
	}

	runAPI := opts.mode == modeAPI || opts.mode == modeAll
	runWorker := opts.mode == modeWorker || opts.mode == modeAll

	// Live fan-out: a hub in API processes, relayed through Redis when available.
	var hub *eventbus.Hub
	if runAPI {
		hub = eventbus.NewHub(30*time.Second, log)
		defer hub.Close()
	}
	notifier := newNotifier(rdb, hub, log)
	if rdb != nil && hub != nil {
		go func() {
			if err := eventbus.NewRedisBus(rdb, hub, log).Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("live relay stopped", "err", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	jobMetrics := worker.NewJobMetrics(registry)

	var (
		queue    jobQueue
		inline   *worker.InlineQueue
		redisOpt asynq.RedisClientOpt
	)
	if cfg.Redis.Enabled() {
		redisOpt = asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		client := worker.NewClient(redisOpt)
		defer client.Close()
		queue = client
	} else {
		inline = worker.NewInlineQueue(ctx)
		queue = inline
		log.Info("redis not configured, running jobs in-process")
	}

	app := buildServices(pool, store, queue, notifier, cfg, log)
	defer drainActivity(app, log)

	exportJobs := worker.NewJobHandler("export", app.exports, jobMetrics, log)
	retentionJobs := worker.NewJobHandler("retention", app.retention, jobMetrics, log)
	if inline != nil {
		inline.SetHandlers(exportJobs, retentionJobs)
		defer inline.Wait()
	}

	if err := bootstrapAdmin(ctx, app.users, cfg.Bootstrap, log); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	errCh := make(chan error, 2)

	if runWorker {
		if cfg.Redis.Enabled() {
			srv := worker.NewServer(redisOpt, cfg.Ingest.WorkerConcurrency, exportJobs, retentionJobs, log)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			defer srv.Shutdown()
		}
		go app.cleanup.StartScheduler(ctx)
	}

	var httpSrv *http.Server
	if runAPI {
		var ingestLimiter middleware.Limiter = middleware.NewRateLimiter(float64(cfg.Ingest.RateLimit)/60, cfg.Ingest.RateLimit)
		if rdb != nil {
			ingestLimiter = ratelimit.NewRedisLimiter(rdb, cfg.Ingest.RateLimit, time.Minute, log)
		}

		router := api.NewRouter(api.RouterDeps{
			EventSvc:       app.events,
			RetentionSvc:   app.retention,
			ExportSvc:      app.exports,
			DeviceSvc:      app.devices,
			TelemetrySvc:   app.telemetry,
			ScreenshotSvc:  app.screenshots,
			Users:          app.users,
			JWTManager:     app.jwt,
			Metrics:        middleware.NewMetrics(registry),
			IngestLimiter:  ingestLimiter,
			Live:           eventbus.NewHandler(hub, allowOrigins(cfg.CORSOrigins())),
			CORSOrigins:    cfg.CORSOrigins(),
			Logger:         log,
			TrustedProxies: cfg.Server.TrustedProxies,
		})

		httpSrv = &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			log.Info("server listening", "addr", cfg.ListenAddr())
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	if httpSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("server stopped")
	}
	return nil
}

func drainActivity(app *services, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.events.Drain(ctx)
	log.Info("activity events flushed")
}

// allowOrigins accepts same-origin handshakes and the configured CORS origins.
func allowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin] || allowed["*"]
	}
}
