package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the taskrelay server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Webhook  WebhookConfig
	Tasks    TaskConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WebhookConfig controls outbound dispatch to the agent worker and
// authentication of its inbound status callbacks. URL may be empty, in which
// case dispatch fails with a not-configured error; Secret signs both directions.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type TaskConfig struct {
	Retention      time.Duration
	ReapInterval   time.Duration
	RequestsPerMin int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("TASKRELAY_PORT", 8080),
			Env:  envString("TASKRELAY_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Webhook: WebhookConfig{
			URL:     os.Getenv("AGENT_WEBHOOK_URL"),
			Secret:  os.Getenv("AGENT_WEBHOOK_SECRET"),
			Timeout: envDuration("AGENT_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Tasks: TaskConfig{
			Retention:      envDuration("TASK_RETENTION", 7*24*time.Hour),
			ReapInterval:   envDuration("TASK_REAP_INTERVAL", time.Hour),
			RequestsPerMin: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("AGENT_WEBHOOK_SECRET is required")
	}

	if c.Webhook.URL != "" &&
		!strings.HasPrefix(c.Webhook.URL, "http://") && !strings.HasPrefix(c.Webhook.URL, "https://") {
		return fmt.Errorf("AGENT_WEBHOOK_URL must start with http:// or https://, got %q", c.Webhook.URL)
	}

	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("AGENT_WEBHOOK_TIMEOUT must be positive")
	}

	if c.Tasks.Retention <= 0 {
		return fmt.Errorf("TASK_RETENTION must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
