package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	LogLevel    string
	LogSQL      bool

	// DB
	DBDriver    string // sqlite or postgres
	DatabaseURL string

	// HTTP
	Addr string
	// AdminSigningKey is a base64 Ed25519 private key. Empty disables admin auth.
	AdminSigningKey string

	// Key lifecycle
	PreKeyBatchSize      int
	PreKeyMinCount       int
	SignedPreKeyInterval time.Duration
	SignedPreKeyGrace    time.Duration
	MaintenanceInterval  time.Duration
	StaleDeviceRetention time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; variables already set in
// the environment win.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	return Config{
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogSQL:      getbool("LOG_SQL", false),

		DBDriver:    getenv("DB_DRIVER", "sqlite"),
		DatabaseURL: getenv("DATABASE_URL", "omemo.db"),

		Addr:            getenv("ADDR", ":8085"),
		AdminSigningKey: os.Getenv("ADMIN_SIGNING_KEY"),

		PreKeyBatchSize:      getint("PREKEY_BATCH_SIZE", 100),
		PreKeyMinCount:       getint("PREKEY_MIN_COUNT", 25),
		SignedPreKeyInterval: getdur("SIGNED_PREKEY_INTERVAL", 7*24*time.Hour),
		SignedPreKeyGrace:    getdur("SIGNED_PREKEY_GRACE", 48*time.Hour),
		MaintenanceInterval:  getdur("MAINTENANCE_INTERVAL", time.Hour),
		StaleDeviceRetention: getdur("STALE_DEVICE_RETENTION", 0),
	}
}

// Validate rejects settings the store cannot run with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.PreKeyBatchSize <= 0 || c.PreKeyBatchSize > 0xFFFFFF {
		return fmt.Errorf("config: PREKEY_BATCH_SIZE out of range: %d", c.PreKeyBatchSize)
	}
	if c.PreKeyMinCount < 0 || c.PreKeyMinCount > c.PreKeyBatchSize {
		return fmt.Errorf("config: PREKEY_MIN_COUNT must be between 0 and PREKEY_BATCH_SIZE, got %d", c.PreKeyMinCount)
	}
	if c.SignedPreKeyInterval <= 0 {
		return errors.New("config: SIGNED_PREKEY_INTERVAL must be positive")
	}
	if c.SignedPreKeyGrace < 0 || c.StaleDeviceRetention < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer, using default", "key", k, "value", v, "default", def)
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", k, "value", v, "default", def)
	}
	return def
}
