package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	PollState PollStateConfig `json:"poll_state,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// PollTimeoutDuration parses telegram.poll_timeout. Zero means the
// transport's built-in long-poll default.
func (t TelegramConfig) PollTimeoutDuration() (time.Duration, error) {
	return fieldDuration("telegram.poll_timeout", t.PollTimeout)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the relational backend holding channels,
// subscriptions, permissions and parameters.
//
// Drivers:
//   - "sqlite": Path points at the database file.
//   - "postgres": DSN is a pgx connection string.
//   - "memory": volatile, for development only.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BusyTimeoutDuration parses storage.busy_timeout. Zero skips the sqlite
// busy_timeout pragma.
func (s StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	return fieldDuration("storage.busy_timeout", s.BusyTimeout)
}

// PollStateConfig controls where per-channel poll snapshots are kept.
// If Path is empty, snapshots live in memory and every restart re-baselines.
type PollStateConfig struct {
	Path string `json:"path,omitempty"`
}

// DispatchConfig controls the notification pipeline.
// All durations are Go duration strings.
type DispatchConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9180"
}

// Validate checks structural requirements that do not need IO.
// Runtime validators (e.g. storage connectivity) are installed by the app.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := c.Telegram.PollTimeoutDuration(); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := c.Storage.BusyTimeoutDuration(); err != nil {
		return err
	}

	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if c.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = "127.0.0.1:9180"
	}
	return nil
}

func fieldDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}
