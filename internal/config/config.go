// Package config provides configuration loading for heuristd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/heuristd/internal/heuristics"
)

// Config is the complete heuristd configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Store      StoreConfig       `koanf:"store"`
	Logging    LoggingConfig     `koanf:"logging"`
	Heuristics heuristics.Params `koanf:"heuristics"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	// Host is the bind address. Defaults to localhost only.
	Host string `koanf:"host"`

	// Port is the HTTP listen port.
	Port int `koanf:"port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig controls the SQLite persistence layer.
type StoreConfig struct {
	// Path is the database file location.
	Path string `koanf:"path"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}

	p := c.Heuristics
	if p.Confidence.MinConfidence < 0 || p.Confidence.MaxConfidence > 1 ||
		p.Confidence.MinConfidence >= p.Confidence.MaxConfidence {
		return fmt.Errorf("confidence bounds must satisfy 0 <= min < max <= 1")
	}
	if p.Confidence.ContradictionPenalty <= p.Confidence.FailurePenalty {
		return fmt.Errorf("contradiction penalty must exceed failure penalty")
	}
	if p.Capacity.DefaultHardLimit < p.Capacity.DefaultSoftLimit {
		return fmt.Errorf("hard limit must be >= soft limit")
	}
	if p.Capacity.MaxOverflowDays <= p.Capacity.GracePeriodDays {
		return fmt.Errorf("max overflow days must exceed grace period")
	}
	if p.RateLimit.MaxUpdatesPerDay < 1 {
		return fmt.Errorf("max updates per day must be at least 1")
	}
	if p.Novelty.RefinementThreshold >= p.Novelty.NovelThreshold {
		return fmt.Errorf("refinement threshold must be below novel threshold")
	}
	if p.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance interval must be positive")
	}
	return nil
}
