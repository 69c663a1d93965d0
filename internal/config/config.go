package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.lifetrack/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// Duration is a time.Duration written as "15s" or "1h" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// SyncSettings bounds periodic and per-cycle work.
type SyncSettings struct {
	Interval        Duration `toml:"interval"`
	RequestTimeout  Duration `toml:"request_timeout"`
	OutboxBatch     int      `toml:"outbox_batch"`
	FriendLimit     int      `toml:"friend_limit"`
	PageSize        int      `toml:"page_size"`
	PullConcurrency int      `toml:"pull_concurrency"`
}

// RetrySettings is the outbox backoff.
type RetrySettings struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// RemoteSettings limits outgoing relay traffic. RateLimit <= 0 disables it.
type RemoteSettings struct {
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
}

// TracingSettings controls span export.
type TracingSettings struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// Settings is one profile's settings.toml.
type Settings struct {
	ViewerUserID string          `toml:"viewer_user_id"`
	Mode         string          `toml:"mode"`
	ServerURL    string          `toml:"server_url"`
	Sync         SyncSettings    `toml:"sync"`
	Retry        RetrySettings   `toml:"retry"`
	Remote       RemoteSettings  `toml:"remote"`
	Tracing      TracingSettings `toml:"tracing"`
}

// DefaultSettings returns the settings used for keys absent from the file.
func DefaultSettings() Settings {
	return Settings{
		Mode: "local",
		Sync: SyncSettings{
			Interval:        Duration{time.Minute},
			RequestTimeout:  Duration{10 * time.Second},
			OutboxBatch:     50,
			FriendLimit:     50,
			PageSize:        200,
			PullConcurrency: 4,
		},
		Retry: RetrySettings{
			BaseDelay:   Duration{15 * time.Second},
			MaxDelay:    Duration{time.Hour},
			MaxAttempts: 6,
		},
		Remote:  RemoteSettings{RateLimit: 5, Burst: 10},
		Tracing: TracingSettings{SampleRate: 1},
	}
}

// LoadSettings reads settings over the defaults. A missing file yields the
// defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &s, nil
		}
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}
	return &s, nil
}

// SaveSettings writes s to path with owner-only permissions.
func SaveSettings(path string, s *Settings) error {
	return writeTOML(path, s)
}

// Validate rejects values no component can work with. An unknown mode is
// allowed here; it resolves to an unreachable endpoint.
func (s *Settings) Validate() error {
	switch {
	case s.Sync.Interval.Duration < 0:
		return errors.New("sync.interval must not be negative")
	case s.Sync.PullConcurrency < 0, s.Sync.OutboxBatch < 0, s.Sync.FriendLimit < 0, s.Sync.PageSize < 0:
		return errors.New("sync limits must not be negative")
	case s.Retry.MaxAttempts < 0:
		return errors.New("retry.max_attempts must not be negative")
	case s.Retry.MaxDelay.Duration > 0 && s.Retry.MaxDelay.Duration < s.Retry.BaseDelay.Duration:
		return errors.New("retry.max_delay must be at least retry.base_delay")
	case s.Tracing.SampleRate < 0 || s.Tracing.SampleRate > 1:
		return errors.New("tracing.sample_rate must be within [0, 1]")
	}
	return nil
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
