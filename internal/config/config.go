// Package config provides configuration management for the heartbeat ingest service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultImportCutoff is the earliest instant an import walks back to
var DefaultImportCutoff = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Import      ImportConfig
	Leaderboard LeaderboardConfig
	Queue       QueueConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration tooling
func (c PostgresConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ImportConfig holds configuration for the heartbeat importer
type ImportConfig struct {
	Endpoint          string
	Cutoff            time.Time
	BatchSize         int
	Workers           int
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	// BreakerMaxFailures consecutive upstream outages stop further requests for BreakerCooldown
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
	// PickupTimeout frees a user whose queued import task was never claimed
	PickupTimeout time.Duration
}

// LeaderboardConfig holds configuration for leaderboard regeneration
type LeaderboardConfig struct {
	Workers         int
	DailyRetention  time.Duration
	WeeklyRetention time.Duration
	IdleTimeout     time.Duration
	RunOnStartup    bool
}

// QueueConfig holds configuration for the durable work queue
type QueueConfig struct {
	KeyPrefix   string
	PollTimeout time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RateLimitRPS:    getEnvAsFloat("SERVER_RATE_LIMIT_RPS", 20),
			RateLimitBurst:  getEnvAsInt("SERVER_RATE_LIMIT_BURST", 40),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "heartbeats"),
				User:           getEnv("POSTGRES_USER", "heartbeats"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Import: ImportConfig{
			Endpoint:          getEnv("IMPORT_ENDPOINT", "https://hackatime.hackclub.com/api/v1/my/heartbeats"),
			Cutoff:            getEnvAsDate("IMPORT_CUTOFF", DefaultImportCutoff),
			BatchSize:         getEnvAsInt("IMPORT_BATCH_SIZE", 1000),
			Workers:           getEnvAsInt("IMPORT_WORKERS", 2),
			RequestsPerSecond: getEnvAsFloat("IMPORT_REQUESTS_PER_SECOND", 5),
			HTTPTimeout:       getEnvAsDuration("IMPORT_HTTP_TIMEOUT", 2*time.Minute),

			BreakerMaxFailures: getEnvAsInt("IMPORT_BREAKER_MAX_FAILURES", 5),
			BreakerCooldown:    getEnvAsDuration("IMPORT_BREAKER_COOLDOWN", 30*time.Second),
			PickupTimeout:      getEnvAsDuration("IMPORT_PICKUP_TIMEOUT", 30*time.Minute),
		},
		Leaderboard: LeaderboardConfig{
			Workers:         getEnvAsInt("LEADERBOARD_WORKERS", 2),
			DailyRetention:  getEnvAsDuration("LEADERBOARD_DAILY_RETENTION", 30*24*time.Hour),
			WeeklyRetention: getEnvAsDuration("LEADERBOARD_WEEKLY_RETENTION", 12*7*24*time.Hour),
			IdleTimeout:     getEnvAsDuration("LEADERBOARD_IDLE_TIMEOUT", 120*time.Second),
			RunOnStartup:    getEnvAsBool("LEADERBOARD_RUN_ON_STARTUP", true),
		},
		Queue: QueueConfig{
			KeyPrefix:   getEnv("QUEUE_KEY_PREFIX", "heartbeat-ingest:queue"),
			PollTimeout: getEnvAsDuration("QUEUE_POLL_TIMEOUT", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDate gets an environment variable as a YYYY-MM-DD date (UTC midnight)
func getEnvAsDate(key string, defaultValue time.Time) time.Time {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseInLocation(time.DateOnly, valueStr, time.UTC)
	if err != nil {
		return defaultValue
	}
	return value
}
