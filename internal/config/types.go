// Package config loads the daemon configuration from a JSON or YAML file and
// republishes it on change. All durations are Go duration strings (e.g.
// "30s", "15m").
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Store     StoreConfig     `json:"store"`
	Database  DatabaseConfig  `json:"database"`
	Health    HealthConfig    `json:"health,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID / ThreadID name the announcement channel (and optional topic).
	ChatID     int64 `json:"chat_id"`
	ThreadID   int   `json:"thread_id,omitempty"`
	RatePerSec int   `json:"rate_per_sec,omitempty"`
	// Timeout bounds a single API call. Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"` // trace|debug|info|warn|error; default info
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type SchedulerConfig struct {
	// PollInterval between reconcile passes. Default "1m".
	PollInterval string `json:"poll_interval,omitempty"`
	// Grace is how long after its scheduled moment a reminder may still fire
	// (catch-up after downtime). Default "15m".
	Grace string `json:"grace,omitempty"`
	// Timezone resolves calendar-day reminder windows. IANA name; default UTC.
	Timezone string `json:"timezone,omitempty"`
}

type StoreConfig struct {
	// Path of the JSON state file. Default "./muster_state.json".
	Path string `json:"path,omitempty"`
	// LockTimeout bounds waiting for the cross-process lock. Default "5s".
	LockTimeout string `json:"lock_timeout,omitempty"`
}

type DatabaseConfig struct {
	// Path of the sqlite database file. Default "./muster.db".
	Path string `json:"path,omitempty"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8814"
}

type JanitorConfig struct {
	// Spec is a cron expression (or descriptor like "@daily") for the cleanup
	// run. Default "@daily".
	Spec string `json:"spec,omitempty"`
	// Retention is how long finished bookkeeping is kept. Default "720h".
	Retention string `json:"retention,omitempty"`
}

// Validate checks cross-field consistency and that every duration and
// timezone parses. Called before a config is committed or published.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return errors.New("telegram.chat_id is required")
	}
	if c.Telegram.RatePerSec < 0 {
		return errors.New("telegram.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("telegram.timeout", c.Telegram.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.grace", c.Scheduler.Grace); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("store.lock_timeout", c.Store.LockTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("janitor.retention", c.Janitor.Retention); err != nil {
		return err
	}
	if c.Health.Enabled && strings.TrimSpace(c.Health.Addr) == "" {
		c.Health.Addr = "127.0.0.1:8814"
	}
	return nil
}

// PollInterval returns the parsed poll interval with its default applied.
func (c *Config) PollInterval() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.poll_interval", c.Scheduler.PollInterval, time.Minute)
	if err != nil {
		return time.Minute
	}
	return d
}

// Grace returns the parsed grace window with its default applied.
func (c *Config) Grace() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.grace", c.Scheduler.Grace, 15*time.Minute)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// Location returns the configured timezone, or UTC.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
