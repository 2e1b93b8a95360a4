package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store driver names.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

const (
	defaultListenAddr      = ":8080"
	defaultDriver          = DriverSQLite
	defaultSQLitePath      = "mini-agent.db"
	defaultCheckpointEvery = 5
	defaultMaxSteps        = 50
	defaultStepLimit       = 200
	defaultRetentionAge    = 30 * 24 * time.Hour

	envListenAddr      = "MINI_AGENT_LISTEN_ADDR"
	envStoreDriver     = "MINI_AGENT_STORE_DRIVER"
	envSQLitePath      = "MINI_AGENT_SQLITE_PATH"
	envMySQLDSN        = "MINI_AGENT_MYSQL_DSN"
	envRedisAddr       = "MINI_AGENT_REDIS_ADDR"
	envRedisPassword   = "MINI_AGENT_REDIS_PASSWORD"
	envRedisDB         = "MINI_AGENT_REDIS_DB"
	envLogLevel        = "MINI_AGENT_LOG_LEVEL"
	envCheckpointEvery = "MINI_AGENT_CHECKPOINT_INTERVAL"
	envDefaultMaxSteps = "MINI_AGENT_DEFAULT_MAX_STEPS"
	envMaxStepLimit    = "MINI_AGENT_MAX_STEP_LIMIT"
	envRetentionAge    = "MINI_AGENT_RETENTION_AGE"
)

// Config holds application configuration. Values come from defaults, then
// an optional YAML file, then environment variables, in that order.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	StoreDriver   string `yaml:"store_driver"`
	SQLitePath    string `yaml:"sqlite_path"`
	MySQLDSN      string `yaml:"mysql_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	LogLevel slog.Level `yaml:"-"`
	// LogLevelName is the textual form used in the YAML file.
	LogLevelName string `yaml:"log_level"`

	CheckpointInterval int `yaml:"checkpoint_interval"`
	DefaultMaxSteps    int `yaml:"default_max_steps"`
	MaxStepLimit       int `yaml:"max_step_limit"`

	RetentionAge time.Duration `yaml:"-"`
	// RetentionAgeName is the textual duration form used in the YAML file.
	RetentionAgeName string `yaml:"retention_age"`
}

// Load reads configuration from an optional YAML file and environment
// variables. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		StoreDriver:        defaultDriver,
		SQLitePath:         defaultSQLitePath,
		LogLevel:           slog.LevelInfo,
		CheckpointInterval: defaultCheckpointEvery,
		DefaultMaxSteps:    defaultMaxSteps,
		MaxStepLimit:       defaultStepLimit,
		RetentionAge:       defaultRetentionAge,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		if cfg.LogLevelName != "" {
			cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
		}
		if cfg.RetentionAgeName != "" {
			d, err := time.ParseDuration(cfg.RetentionAgeName)
			if err != nil {
				return Config{}, fmt.Errorf("parse retention_age: %w", err)
			}
			cfg.RetentionAge = d
		}
	}

	applyEnv(&cfg)

	if !validDriver(cfg.StoreDriver) {
		return Config{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envStoreDriver); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv(envSQLitePath); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv(envMySQLDSN); v != "" {
		cfg.MySQLDSN = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(envRedisPassword); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv(envRedisDB); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCheckpointEvery); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CheckpointInterval = n
		}
	}
	if v := os.Getenv(envDefaultMaxSteps); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultMaxSteps = n
		}
	}
	if v := os.Getenv(envMaxStepLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxStepLimit = n
		}
	}
	if v := os.Getenv(envRetentionAge); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RetentionAge = d
		}
	}
}

func validDriver(driver string) bool {
	switch driver {
	case DriverMemory, DriverSQLite, DriverMySQL, DriverRedis:
		return true
	}
	return false
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
