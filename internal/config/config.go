// Package config loads the engine's runtime configuration from environment
// variables, with an optional YAML overlay file for values that are
// inconvenient to set as env vars (e.g. long lists).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's full runtime configuration.
type Config struct {
	// HTTP
	Port string `yaml:"port"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	// Environment collaborator (spec §6): the Provisioner/Coordinator/
	// Broker's view of filesystem layout and timing defaults.
	ScriptsDir         string        `yaml:"scripts_dir"`
	MaxExecutionTime   time.Duration `yaml:"-"`
	InstallTimeout     time.Duration `yaml:"-"`
	StreamIdleTimeout  time.Duration `yaml:"-"`
	MaxExecutionTimeS  int           `yaml:"max_execution_time"`
	InstallTimeoutS    int           `yaml:"install_timeout"`
	StreamIdleTimeoutS int           `yaml:"stream_idle_timeout"`

	// Execution Store (Postgres)
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_ssl_mode"`

	// Distributed lock / cache (optional)
	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`

	// Lifecycle event bus (optional)
	NATSURL string `yaml:"nats_url"`
}

// Load builds a Config from environment variables, then applies a YAML
// overlay from configPath if configPath is non-empty. Env vars set the
// defaults the teacher's cmd/main.go always read first; the overlay exists
// for values operators would rather keep in a file under version control.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Port: getEnv("API_PORT", "8000"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnv("LOG_PRETTY", "false") == "true",

		ScriptsDir:         getEnv("SCRIPTS_DIR", "./data/scripts"),
		MaxExecutionTimeS:  getEnvInt("MAX_EXECUTION_TIME", 300),
		InstallTimeoutS:    getEnvInt("INSTALL_TIMEOUT", 30),
		StreamIdleTimeoutS: getEnvInt("STREAM_IDLE_TIMEOUT", 10),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "engine"),
		DBPassword: getEnv("DB_PASSWORD", "engine"),
		DBName:     getEnv("DB_NAME", "engine"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		RedisEnabled:  getEnv("REDIS_ENABLED", "false") == "true",
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		NATSURL: os.Getenv("NATS_URL"),
	}

	if configPath != "" {
		if err := applyOverlay(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config overlay %s: %w", configPath, err)
		}
	}

	cfg.MaxExecutionTime = time.Duration(cfg.MaxExecutionTimeS) * time.Second
	cfg.InstallTimeout = time.Duration(cfg.InstallTimeoutS) * time.Second
	cfg.StreamIdleTimeout = time.Duration(cfg.StreamIdleTimeoutS) * time.Second

	return cfg, nil
}

// applyOverlay unmarshals configPath onto cfg. Only fields present in the
// file are touched; zero-value YAML fields do not clobber env-derived ones
// because we unmarshal into a copy and merge non-zero string/int/bool
// fields by hand, the same selective-override style the teacher's
// getEnv(key, default) pattern expresses for a single source.
func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}

	if overlay.Port != "" {
		cfg.Port = overlay.Port
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if overlay.LogPretty {
		cfg.LogPretty = true
	}
	if overlay.ScriptsDir != "" {
		cfg.ScriptsDir = overlay.ScriptsDir
	}
	if overlay.MaxExecutionTimeS != 0 {
		cfg.MaxExecutionTimeS = overlay.MaxExecutionTimeS
	}
	if overlay.InstallTimeoutS != 0 {
		cfg.InstallTimeoutS = overlay.InstallTimeoutS
	}
	if overlay.StreamIdleTimeoutS != 0 {
		cfg.StreamIdleTimeoutS = overlay.StreamIdleTimeoutS
	}
	if overlay.DBHost != "" {
		cfg.DBHost = overlay.DBHost
	}
	if overlay.DBPort != "" {
		cfg.DBPort = overlay.DBPort
	}
	if overlay.DBUser != "" {
		cfg.DBUser = overlay.DBUser
	}
	if overlay.DBPassword != "" {
		cfg.DBPassword = overlay.DBPassword
	}
	if overlay.DBName != "" {
		cfg.DBName = overlay.DBName
	}
	if overlay.DBSSLMode != "" {
		cfg.DBSSLMode = overlay.DBSSLMode
	}
	if overlay.RedisEnabled {
		cfg.RedisEnabled = true
	}
	if overlay.RedisHost != "" {
		cfg.RedisHost = overlay.RedisHost
	}
	if overlay.RedisPort != "" {
		cfg.RedisPort = overlay.RedisPort
	}
	if overlay.RedisPassword != "" {
		cfg.RedisPassword = overlay.RedisPassword
	}
	if overlay.NATSURL != "" {
		cfg.NATSURL = overlay.NATSURL
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
