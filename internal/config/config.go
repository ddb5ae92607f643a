package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Auth       AuthConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Monitoring MonitoringConfig
	Ingest     IngestConfig
	Bootstrap  BootstrapConfig
	CORS       CORSConfig
}

type ServerConfig struct {
	Host string
	Port string
	// TrustedProxies are the peers whose X-Forwarded-Proto header is believed.
	TrustedProxies []netip.Prefix
}

type DBConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret        string
	JWTExpiry        time.Duration
	EnrollmentSecret string
	EnrollmentTTL    time.Duration
	DeviceTokenTTL   time.Duration
	ExportURLSecret  string
	ExportURLTTL     time.Duration
}

type StorageConfig struct {
	Driver      string
	Path        string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

// RedisConfig enables the job queue, shared rate limits and the live relay. An empty Addr
// keeps everything in-process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type MonitoringConfig struct {
	OfflineAfter      time.Duration
	SweepInterval     time.Duration
	RetentionDays     int
	RetentionInterval time.Duration
	ThumbWidth        int
	ThumbHeight       int
	WeightActive      float64
	WeightKeystroke   float64
	WeightClick       float64
	KeystrokeRef      float64
	ClickRef          float64
}

type IngestConfig struct {
	BatchCap          int
	RateLimit         int
	WorkerConcurrency int
}

// BootstrapConfig seeds the first administrator when the users table is empty.
type BootstrapConfig struct {
	AdminEmail    string
	AdminPassword string
	AdminTenant   string
}

type CORSConfig struct {
	AllowedOrigins string
}

// Load reads the process environment. When envFile is non-empty it is loaded first;
// variables already set in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	p := &parser{}
	cfg := &Config{
		Server: ServerConfig{
			Host:           envOrDefault("WATCHTOWER_HOST", "0.0.0.0"),
			Port:           envOrDefault("WATCHTOWER_PORT", "8080"),
			TrustedProxies: p.prefixes("WATCHTOWER_TRUSTED_PROXIES"),
		},
		DB: DBConfig{
			Host:     envOrDefault("WATCHTOWER_DB_HOST", "localhost"),
			Port:     envOrDefault("WATCHTOWER_DB_PORT", "5432"),
			Name:     envOrDefault("WATCHTOWER_DB_NAME", "watchtower"),
			User:     envOrDefault("WATCHTOWER_DB_USER", "watchtower"),
			Password: envOrDefault("WATCHTOWER_DB_PASSWORD", "watchtower"),
			SSLMode:  envOrDefault("WATCHTOWER_DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret:        envOrDefault("WATCHTOWER_JWT_SECRET", "change-me-in-production"),
			JWTExpiry:        p.duration("WATCHTOWER_JWT_EXPIRY", "24h"),
			EnrollmentSecret: envOrDefault("WATCHTOWER_ENROLLMENT_SECRET", ""),
			EnrollmentTTL:    p.duration("WATCHTOWER_ENROLLMENT_TTL", "15m"),
			DeviceTokenTTL:   p.duration("WATCHTOWER_DEVICE_TOKEN_TTL", "336h"),
			ExportURLSecret:  envOrDefault("WATCHTOWER_EXPORT_URL_SECRET", ""),
			ExportURLTTL:     p.duration("WATCHTOWER_EXPORT_URL_TTL", "5m"),
		},
		Storage: StorageConfig{
			Driver:      envOrDefault("WATCHTOWER_STORAGE_DRIVER", "local"),
			Path:        envOrDefault("WATCHTOWER_STORAGE_PATH", "/data/watchtower"),
			S3Endpoint:  envOrDefault("WATCHTOWER_S3_ENDPOINT", ""),
			S3Bucket:    envOrDefault("WATCHTOWER_S3_BUCKET", "watchtower"),
			S3AccessKey: envOrDefault("WATCHTOWER_S3_ACCESS_KEY", ""),
			S3SecretKey: envOrDefault("WATCHTOWER_S3_SECRET_KEY", ""),
			S3UseSSL:    p.boolean("WATCHTOWER_S3_USE_SSL", "true"),
		},
		Redis: RedisConfig{
			Addr:     envOrDefault("WATCHTOWER_REDIS_ADDR", ""),
			Password: envOrDefault("WATCHTOWER_REDIS_PASSWORD", ""),
			DB:       p.integer("WATCHTOWER_REDIS_DB", "0"),
		},
		Monitoring: MonitoringConfig{
			OfflineAfter:      p.duration("WATCHTOWER_OFFLINE_AFTER", "5m"),
			SweepInterval:     p.duration("WATCHTOWER_SWEEP_INTERVAL", "1m"),
			RetentionDays:     p.integer("WATCHTOWER_MONITORING_RETENTION_DAYS", "90"),
			RetentionInterval: p.duration("WATCHTOWER_RETENTION_INTERVAL", "1h"),
			ThumbWidth:        p.integer("WATCHTOWER_THUMB_WIDTH", "300"),
			ThumbHeight:       p.integer("WATCHTOWER_THUMB_HEIGHT", "200"),
			WeightActive:      p.float("WATCHTOWER_WEIGHT_ACTIVE", "0.5"),
			WeightKeystroke:   p.float("WATCHTOWER_WEIGHT_KEYSTROKE", "0.3"),
			WeightClick:       p.float("WATCHTOWER_WEIGHT_CLICK", "0.2"),
			KeystrokeRef:      p.float("WATCHTOWER_KEYSTROKE_REF_PER_MIN", "60"),
			ClickRef:          p.float("WATCHTOWER_CLICK_REF_PER_MIN", "20"),
		},
		Ingest: IngestConfig{
			BatchCap:          p.integer("WATCHTOWER_INGEST_BATCH_CAP", "100"),
			RateLimit:         p.integer("WATCHTOWER_INGEST_RATE_LIMIT", "600"),
			WorkerConcurrency: p.integer("WATCHTOWER_WORKER_CONCURRENCY", "4"),
		},
		Bootstrap: BootstrapConfig{
			AdminEmail:    envOrDefault("WATCHTOWER_ADMIN_EMAIL", ""),
			AdminPassword: envOrDefault("WATCHTOWER_ADMIN_PASSWORD", ""),
			AdminTenant:   envOrDefault("WATCHTOWER_ADMIN_TENANT", "default"),
		},
		CORS: CORSConfig{
			AllowedOrigins: envOrDefault("WATCHTOWER_CORS_ORIGINS", "http://localhost:3000"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	// Secrets fall back to the JWT secret with a purpose suffix so each signer keys differently.
	if cfg.Auth.EnrollmentSecret == "" {
		cfg.Auth.EnrollmentSecret = cfg.Auth.JWTSecret + ":enrollment"
	}
	if cfg.Auth.ExportURLSecret == "" {
		cfg.Auth.ExportURLSecret = cfg.Auth.JWTSecret + ":export"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3Endpoint == "" {
			return errors.New("WATCHTOWER_S3_ENDPOINT is required for the s3 storage driver")
		}
	default:
		return fmt.Errorf("unknown WATCHTOWER_STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Ingest.BatchCap <= 0 {
		return errors.New("WATCHTOWER_INGEST_BATCH_CAP must be positive")
	}
	if c.Monitoring.ThumbWidth <= 0 || c.Monitoring.ThumbHeight <= 0 {
		return errors.New("thumbnail bounds must be positive")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// CORSOrigins splits the comma separated origin list.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORS.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) integer(key, fallback string) int {
	n, err := strconv.Atoi(envOrDefault(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func (p *parser) float(key, fallback string) float64 {
	f, err := strconv.ParseFloat(envOrDefault(key, fallback), 64)
	if err != nil {
		p.fail(key, err)
	}
	return f
}

func (p *parser) boolean(key, fallback string) bool {
	b, err := strconv.ParseBool(envOrDefault(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return b
}

// prefixes parses a comma separated list of CIDRs or bare addresses.
func (p *parser) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, item := range strings.Split(envOrDefault(key, ""), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.Contains(item, "/") {
			addr, err := netip.ParseAddr(item)
			if err != nil {
				p.fail(key, err)
				continue
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			p.fail(key, err)
			continue
		}
		out = append(out, prefix.Masked())
	}
	return out
}
