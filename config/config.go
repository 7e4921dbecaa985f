package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// QueueConfig is one entry of the QUEUES env var: a queue name paired with
// the max number of jobs a producer will run concurrently for it.
type QueueConfig struct {
	Name  string
	Limit int
}

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	NodeID   string `env:"NODE_ID"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	Queues      string `env:"QUEUES" envDefault:"default:10" validate:"required"`

	SchedulerTimezone          string `env:"SCHEDULER_TIMEZONE" envDefault:"UTC"`
	SchedulerStagingIntervalMs int    `env:"SCHEDULER_STAGING_INTERVAL_MS" envDefault:"1000" validate:"min=50"`

	PrunerMaxAgeSec     int `env:"PRUNER_MAX_AGE_SEC" envDefault:"86400" validate:"min=1"`
	PrunerLimit         int `env:"PRUNER_LIMIT" envDefault:"10000" validate:"min=1"`
	PrunerIntervalSec   int `env:"PRUNER_INTERVAL_SEC" envDefault:"60" validate:"min=1"`
	LifelineIntervalSec int `env:"LIFELINE_INTERVAL_SEC" envDefault:"60" validate:"min=1"`
	LeaderLeaseSec      int `env:"LEADER_LEASE_SEC" envDefault:"30" validate:"min=1"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	AdminPort   string `env:"ADMIN_PORT" envDefault:"8080"`

	AdminJWTSecret string `env:"ADMIN_JWT_SECRET,required" validate:"required,min=16"`
	MagicLinkBase  string `env:"MAGIC_LINK_BASE_URL" envDefault:"http://localhost:8080"`

	// AdminEmails bootstraps the operator role: any email in this list is
	// promoted to domain.RoleAdmin the first time it requests a magic link
	// (and kept there on every request thereafter), everyone else starts and stays
	// domain.RoleViewer until an admin changes it directly in the database.
	AdminEmails []string `env:"ADMIN_EMAILS" envSeparator:","`

	AlertResendAPIKey string `env:"ALERT_RESEND_API_KEY"`
	AlertResendFrom   string `env:"ALERT_RESEND_FROM"`
	AlertTo           string `env:"ALERT_TO"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.NodeID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if _, err := cfg.ParseQueues(); err != nil {
		return nil, fmt.Errorf("invalid QUEUES: %w", err)
	}

	return cfg, nil
}

// ParseQueues splits QUEUES ("default:10,mailers:5") into per-queue configs.
func (c *Config) ParseQueues() ([]QueueConfig, error) {
	parts := strings.Split(c.Queues, ",")
	out := make([]QueueConfig, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		nameAndLimit := strings.SplitN(p, ":", 2)
		name := strings.TrimSpace(nameAndLimit[0])
		if name == "" {
			return nil, fmt.Errorf("empty queue name in %q", p)
		}
		limit := 10
		if len(nameAndLimit) == 2 {
			parsed, err := strconv.Atoi(strings.TrimSpace(nameAndLimit[1]))
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("invalid limit for queue %q: %q", name, nameAndLimit[1])
			}
			limit = parsed
		}
		out = append(out, QueueConfig{Name: name, Limit: limit})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no queues configured")
	}
	return out, nil
}

func (c *Config) SchedulerStagingInterval() time.Duration {
	return time.Duration(c.SchedulerStagingIntervalMs) * time.Millisecond
}

func (c *Config) PrunerMaxAge() time.Duration {
	return time.Duration(c.PrunerMaxAgeSec) * time.Second
}

func (c *Config) PrunerInterval() time.Duration {
	return time.Duration(c.PrunerIntervalSec) * time.Second
}

func (c *Config) LifelineInterval() time.Duration {
	return time.Duration(c.LifelineIntervalSec) * time.Second
}

func (c *Config) LeaderLease() time.Duration {
	return time.Duration(c.LeaderLeaseSec) * time.Second
}

// SlogLevel converts LOG_LEVEL to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
