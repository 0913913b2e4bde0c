package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	CORS      CORSConfig      `yaml:"cors"`
	Auth      AuthConfig      `yaml:"auth"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Retention RetentionConfig `yaml:"retention"`
	Rollup    RollupConfig    `yaml:"rollup"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// AuthConfig holds authentication configuration for the query surface.
// Mode is "apikey", "jwt", or "none" (ingestion-only deployments behind a
// trusted network boundary).
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	JWTSecret string `yaml:"jwt_secret"`
}

// RecorderConfig tunes the buffered write path. AddTrace/AddEvent enqueue
// into a bounded buffer flushed every FlushInterval or when BatchSize rows
// accumulate; a failed batch is retried RetryLimit times with RetryBackoff
// between attempts before being dropped and counted.
type RecorderConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetryLimit    int           `yaml:"retry_limit"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// RetentionConfig controls how long raw trace data is kept and how often the
// sweeper drops expired partitions.
type RetentionConfig struct {
	Horizon       time.Duration `yaml:"horizon"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RollupConfig controls background aggregate refresh.
type RollupConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// JobsConfig sizes the async replay and report workers.
type JobsConfig struct {
	ReplayWorkers int    `yaml:"replay_workers"`
	ReportWorkers int    `yaml:"report_workers"`
	ReportDir     string `yaml:"report_dir"`
	QueueSize     int    `yaml:"queue_size"`
}

// Load loads configuration from environment variables. If FLOWTRACE_CONFIG
// points at a YAML file, its values override the environment defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "flowtrace"),
			Password:        getEnv("DB_PASSWORD", "flowtrace"),
			Name:            getEnv("DB_NAME", "flowtrace"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8082"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Auth: AuthConfig{
			Mode:      getEnv("AUTH_MODE", "apikey"),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Recorder: RecorderConfig{
			BufferSize:    getEnvInt("RECORDER_BUFFER_SIZE", 4096),
			BatchSize:     getEnvInt("RECORDER_BATCH_SIZE", 256),
			FlushInterval: getEnvDuration("RECORDER_FLUSH_INTERVAL", 500*time.Millisecond),
			RetryLimit:    getEnvInt("RECORDER_RETRY_LIMIT", 3),
			RetryBackoff:  getEnvDuration("RECORDER_RETRY_BACKOFF", 250*time.Millisecond),
		},
		Retention: RetentionConfig{
			Horizon:       getEnvDuration("RETENTION_HORIZON", 30*24*time.Hour),
			SweepInterval: getEnvDuration("RETENTION_SWEEP_INTERVAL", 1*time.Hour),
		},
		Rollup: RollupConfig{
			RefreshInterval: getEnvDuration("ROLLUP_REFRESH_INTERVAL", 60*time.Second),
		},
		Jobs: JobsConfig{
			ReplayWorkers: getEnvInt("REPLAY_WORKERS", 2),
			ReportWorkers: getEnvInt("REPORT_WORKERS", 2),
			ReportDir:     getEnv("REPORT_DIR", os.TempDir()),
			QueueSize:     getEnvInt("JOB_QUEUE_SIZE", 64),
		},
	}

	if path := os.Getenv("FLOWTRACE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.Mode == "jwt" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_MODE=jwt")
	}
	if c.Recorder.BatchSize <= 0 || c.Recorder.BufferSize < c.Recorder.BatchSize {
		return fmt.Errorf("recorder buffer size must be >= batch size (> 0)")
	}
	if c.Retention.Horizon < time.Hour {
		return fmt.Errorf("retention horizon must be at least one hour")
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := []string{}
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
