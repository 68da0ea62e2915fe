// ./internal/config/config.go

package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"memory-docs/internal/globalconst"
)

// Config holds application-wide configuration.
type Config struct {
	DataDir         string
	Backend         string
	BackupDir       string
	FetchLimit      int
	FetchQueueRatio int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	AutoIndex       bool
	LiveDebounce    time.Duration
	LogLevel        string
}

// NewDefaultConfig creates a Config struct with sensible default values.
func NewDefaultConfig() Config {
	return Config{
		DataDir:         "data",
		Backend:         "pebble",
		BackupDir:       globalconst.BackupsDirName,
		FetchLimit:      100,
		FetchQueueRatio: 0,
		ReadTimeout:     0,
		WriteTimeout:    0,
		AutoIndex:       true,
		LiveDebounce:    25 * time.Millisecond,
		LogLevel:        "info",
	}
}

// LoadConfig loads configuration with a clear precedence: Environment > .env file > Defaults.
// A missing .env file is not an error.
func LoadConfig(envFiles ...string) Config {
	cfg := NewDefaultConfig()
	slog.Info("Loading configuration...")
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	applyEnvConfig(&cfg)
	return cfg
}

// SlogLevel maps the configured level name onto a slog.Level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyEnvConfig overrides config values from environment variables.
func applyEnvConfig(cfg *Config) {
	if dirEnv := os.Getenv("MEMORYDOCS_DATA_DIR"); dirEnv != "" {
		cfg.DataDir = dirEnv
		slog.Info("Overriding DataDir from environment", "value", dirEnv)
	}

	if backupEnv := os.Getenv("MEMORYDOCS_BACKUP_DIR"); backupEnv != "" {
		cfg.BackupDir = backupEnv
		slog.Info("Overriding BackupDir from environment", "value", backupEnv)
	}

	if backendEnv := os.Getenv("MEMORYDOCS_BACKEND"); backendEnv != "" {
		switch backendEnv {
		case "memory", "pebble", "sqlite":
			cfg.Backend = backendEnv
			slog.Info("Overriding Backend from environment", "value", backendEnv)
		default:
			slog.Warn("Invalid MEMORYDOCS_BACKEND env var, using default", "value", backendEnv)
		}
	}

	if fetchEnv := os.Getenv("MEMORYDOCS_FETCH_LIMIT"); fetchEnv != "" {
		if i, err := strconv.Atoi(fetchEnv); err == nil && i >= 0 {
			cfg.FetchLimit = i
			slog.Info("Overriding FetchLimit from environment", "value", i)
		} else {
			slog.Warn("Invalid MEMORYDOCS_FETCH_LIMIT env var, using default", "value", fetchEnv)
		}
	}

	if ratioEnv := os.Getenv("MEMORYDOCS_FETCH_QUEUE_RATIO"); ratioEnv != "" {
		if i, err := strconv.Atoi(ratioEnv); err == nil && i >= 0 {
			cfg.FetchQueueRatio = i
			slog.Info("Overriding FetchQueueRatio from environment", "value", i)
		} else {
			slog.Warn("Invalid MEMORYDOCS_FETCH_QUEUE_RATIO env var, using default", "value", ratioEnv)
		}
	}

	if autoEnv := os.Getenv("MEMORYDOCS_AUTO_INDEX"); autoEnv != "" {
		if b, err := strconv.ParseBool(autoEnv); err == nil {
			cfg.AutoIndex = b
			slog.Info("Overriding AutoIndex from environment", "value", b)
		} else {
			slog.Warn("Invalid MEMORYDOCS_AUTO_INDEX env var, using default", "value", autoEnv)
		}
	}

	if levelEnv := os.Getenv("MEMORYDOCS_LOG_LEVEL"); levelEnv != "" {
		cfg.LogLevel = levelEnv
	}

	overrideDuration("MEMORYDOCS_READ_TIMEOUT", &cfg.ReadTimeout)
	overrideDuration("MEMORYDOCS_WRITE_TIMEOUT", &cfg.WriteTimeout)
	overrideDuration("MEMORYDOCS_LIVE_DEBOUNCE", &cfg.LiveDebounce)
}

func overrideDuration(envKey string, target *time.Duration) {
	envVal := os.Getenv(envKey)
	if envVal != "" {
		if d, err := time.ParseDuration(envVal); err == nil {
			*target = d
			slog.Info("Overriding duration from environment", "key", envKey, "value", envVal)
		} else {
			slog.Warn("Invalid duration format in env var, using default", "key", envKey, "value", envVal)
		}
	}
}
