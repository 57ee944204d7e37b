// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"aegisflux/backend/fleetwatch/internal/model"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every setting read from the environment
type Config struct {
	HTTPAddr string
	LogLevel string

	StoreDriver  string
	SQLitePath   string
	PGHost       string
	PGPort       string
	PGUser       string
	PGPass       string
	PGDB         string
	StoreTimeout time.Duration

	NATSURL   string // empty disables NATS
	NATSQueue string

	RequestTimeout     time.Duration
	ReconcileInterval  time.Duration
	RetentionDays      int
	BlocklistCacheSize int

	PolicyFile         string
	BandwidthMB        int64
	CPUPercent         float64
	ConnectionCount    int
	BlockedKeywordList []string
}

// loader collects parse failures so every bad variable is reported at once
type loader struct {
	errs []error
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return defaultValue
	}
	return n
}

func (l *loader) getEnvFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a number", key, raw))
		return defaultValue
	}
	return f
}

func (l *loader) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return defaultValue
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads the environment and validates the result
func Load() (*Config, error) {
	l := &loader{}
	cfg := &Config{
		HTTPAddr: getEnv("FLEET_HTTP_ADDR", ":8088"),
		LogLevel: strings.ToLower(getEnv("FLEET_LOG_LEVEL", "info")),

		StoreDriver:  strings.ToLower(getEnv("FLEET_STORE_DRIVER", DriverSQLite)),
		SQLitePath:   getEnv("FLEET_SQLITE_PATH", "./data/fleetwatch.db"),
		PGHost:       getEnv("PG_HOST", "localhost"),
		PGPort:       getEnv("PG_PORT", "5432"),
		PGUser:       getEnv("PG_USER", "postgres"),
		PGPass:       getEnv("PG_PASS", "password"),
		PGDB:         getEnv("PG_DB", "fleetwatch"),
		StoreTimeout: l.getEnvDuration("FLEET_STORE_TIMEOUT", 5*time.Second),

		NATSURL:   os.Getenv("FLEET_NATS_URL"),
		NATSQueue: getEnv("FLEET_NATS_QUEUE", "fleetwatch"),

		RequestTimeout:     l.getEnvDuration("FLEET_REQUEST_TIMEOUT", 10*time.Second),
		ReconcileInterval:  l.getEnvDuration("FLEET_RECONCILE_INTERVAL", 5*time.Minute),
		RetentionDays:      l.getEnvInt("FLEET_RETENTION_DAYS", 30),
		BlocklistCacheSize: l.getEnvInt("FLEET_BLOCKLIST_CACHE_SIZE", 1024),

		PolicyFile:         os.Getenv("FLEET_POLICY_FILE"),
		BandwidthMB:        int64(l.getEnvInt("BANDWIDTH_THRESHOLD_MB", 500)),
		CPUPercent:         l.getEnvFloat("CPU_THRESHOLD_PERCENT", 90),
		ConnectionCount:    l.getEnvInt("CONNECTIONS_THRESHOLD", 100),
		BlockedKeywordList: splitList(getEnv("BLOCKED_KEYWORDS", "torrent,proxy,nmap,wireshark,metasploit")),
	}

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("FLEET_SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.PGHost == "" || c.PGDB == "" {
			errs = append(errs, errors.New("PG_HOST and PG_DB are required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("FLEET_STORE_DRIVER: unknown driver %q", c.StoreDriver))
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("FLEET_STORE_TIMEOUT must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("FLEET_REQUEST_TIMEOUT must be positive"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("FLEET_RECONCILE_INTERVAL must not be negative"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("FLEET_RETENTION_DAYS must not be negative"))
	}
	if c.BlocklistCacheSize <= 0 {
		errs = append(errs, errors.New("FLEET_BLOCKLIST_CACHE_SIZE must be positive"))
	}
	if err := c.thresholds().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("BANDWIDTH_THRESHOLD_MB, CPU_THRESHOLD_PERCENT, CONNECTIONS_THRESHOLD: %w", err))
	}
	return errors.Join(errs...)
}

// Retention is the activity retention window; zero disables pruning
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) thresholds() model.Thresholds {
	return model.Thresholds{
		BandwidthBytes:  c.BandwidthMB * 1024 * 1024,
		CPUPercent:      c.CPUPercent,
		ConnectionCount: c.ConnectionCount,
	}
}

// DefaultPolicy is the seed used when nothing has been persisted and no policy file is set
func (c *Config) DefaultPolicy() *model.Policy {
	return &model.Policy{
		BlockedDomains:  model.NewStringSet(),
		AllowedDomains:  model.NewStringSet(),
		BlockedKeywords: model.NewStringSet(c.BlockedKeywordList...),
		Thresholds:      c.thresholds(),
	}
}

// ParseLevel maps FLEET_LOG_LEVEL to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("FLEET_LOG_LEVEL: unknown level %q", s)
}
