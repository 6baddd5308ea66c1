// Package database provides the PostgreSQL connection pool and embedded
// schema migrations shared by every NoETL component (event log, job queue,
// execution/runtime/credential/catalog tables).
package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database connection parameters (spec §6.7 NOETL_POSTGRES_*).
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads database configuration from NOETL_POSTGRES_*
// environment variables with validated, production-ready defaults.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("NOETL_POSTGRES_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NOETL_POSTGRES_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("NOETL_POSTGRES_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("NOETL_POSTGRES_MAX_IDLE_CONNS", "10"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("NOETL_POSTGRES_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NOETL_POSTGRES_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("NOETL_POSTGRES_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NOETL_POSTGRES_CONN_MAX_IDLE_TIME: %w", err)
	}

	cfg := Config{
		Host:            getEnvOrDefault("NOETL_POSTGRES_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("NOETL_POSTGRES_USER", "noetl"),
		Password:        os.Getenv("NOETL_POSTGRES_PASSWORD"),
		Database:        getEnvOrDefault("NOETL_POSTGRES_DB", "noetl"),
		SSLMode:         getEnvOrDefault("NOETL_POSTGRES_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("NOETL_POSTGRES_PASSWORD is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("NOETL_POSTGRES_MAX_IDLE_CONNS (%d) cannot exceed NOETL_POSTGRES_MAX_OPEN_CONNS (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("NOETL_POSTGRES_MAX_OPEN_CONNS must be at least 1")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("NOETL_POSTGRES_MAX_IDLE_CONNS cannot be negative")
	}
	return nil
}

// DSN builds a libpq-style connection string for the migrate driver and for
// pgxpool.ParseConfig.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
