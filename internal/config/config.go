// Package config loads the service configuration from YAML with sane
// defaults, so the binary runs with an empty or missing file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Listen      string `yaml:"listen"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	History   HistoryConfig   `yaml:"history"`
}

// SchedulerConfig controls the price-fetch loop.
type SchedulerConfig struct {
	PollIntervalSec  float64 `yaml:"poll_interval"`  // minimum delay between cycles
	Workers          int     `yaml:"workers"`        // bounded pool size
	TokenDeadlineSec int     `yaml:"token_deadline"` // per-token fetch deadline
}

// ProxyConfig controls the proxy pool and its health prober.
type ProxyConfig struct {
	FailThreshold    int    `yaml:"fail_threshold"`
	ProbeIntervalSec int    `yaml:"probe_interval"`
	ProbeDelaySec    int    `yaml:"probe_delay"`
	CheckURL         string `yaml:"check_url"`
}

// HistoryConfig controls the buffered history writer.
type HistoryConfig struct {
	RetentionHours   int `yaml:"retention_hours"`
	FlushIntervalSec int `yaml:"flush_interval"`
}

// Load reads path (optional) and applies defaults plus the DATABASE_URL
// environment override.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyDefaults()

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 50
	}
	if c.Scheduler.TokenDeadlineSec <= 0 {
		c.Scheduler.TokenDeadlineSec = 15
	}
	if c.Scheduler.PollIntervalSec < 0 {
		c.Scheduler.PollIntervalSec = 0
	}
	if c.Proxy.FailThreshold <= 0 {
		c.Proxy.FailThreshold = 5
	}
	if c.Proxy.ProbeIntervalSec <= 0 {
		c.Proxy.ProbeIntervalSec = 300
	}
	if c.Proxy.ProbeDelaySec <= 0 {
		c.Proxy.ProbeDelaySec = 60
	}
	if c.Proxy.CheckURL == "" {
		c.Proxy.CheckURL = "https://api.ipify.org?format=json"
	}
	if c.History.RetentionHours <= 0 {
		c.History.RetentionHours = 48
	}
	if c.History.FlushIntervalSec <= 0 {
		c.History.FlushIntervalSec = 5
	}
}

// PollInterval returns the scheduler minimum cycle delay.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSec * float64(time.Second))
}

// TokenDeadline returns the per-token fetch deadline.
func (c *Config) TokenDeadline() time.Duration {
	return time.Duration(c.Scheduler.TokenDeadlineSec) * time.Second
}

// ProbeInterval returns the proxy health-probe period.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Proxy.ProbeIntervalSec) * time.Second
}

// ProbeDelay returns the delay before the first proxy probe.
func (c *Config) ProbeDelay() time.Duration {
	return time.Duration(c.Proxy.ProbeDelaySec) * time.Second
}

// Retention returns the history retention horizon.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.History.RetentionHours) * time.Hour
}

// FlushInterval returns the history flush period.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.History.FlushIntervalSec) * time.Second
}
