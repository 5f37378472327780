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

// Config represents the global ~/.sms/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	LogLevel       string `toml:"log_level"`

	// ExternalDB is the platform message database to reconcile against.
	// Empty runs the daemon against an in-memory store.
	ExternalDB  string `toml:"external_db"`
	ExternalRPS int    `toml:"external_rps"`

	UseRecycleBin     bool `toml:"use_recycle_bin"`
	MessagesLimit     int  `toml:"messages_limit"`
	PrefetchThreshold int  `toml:"prefetch_threshold"`
	MaxJumpIterations int  `toml:"max_jump_iterations"`

	UnreadAtTop bool `toml:"unread_at_top"`
	GroupsFirst bool `toml:"groups_first"`

	ScheduleMinBufferSeconds int `toml:"schedule_min_buffer_seconds"`
	BulkChunkSize            int `toml:"bulk_chunk_size"`
	BulkWorkers              int `toml:"bulk_workers"`

	// SendChannels lists the subscription ids the platform can send on.
	SendChannels   []int          `toml:"send_channels"`
	DefaultChannel int            `toml:"default_channel"`
	PinnedChannels map[string]int `toml:"pinned_channels"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession:           "main",
		LogLevel:                 "info",
		ExternalRPS:              200,
		UseRecycleBin:            true,
		MessagesLimit:            50,
		PrefetchThreshold:        15,
		MaxJumpIterations:        64,
		ScheduleMinBufferSeconds: 60,
		BulkChunkSize:            30,
		BulkWorkers:              4,
		DefaultChannel:           -1,
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ExternalRPS < 0:
		return errors.New("external_rps must not be negative")
	case c.MessagesLimit <= 0:
		return errors.New("messages_limit must be positive")
	case c.PrefetchThreshold < 0:
		return errors.New("prefetch_threshold must not be negative")
	case c.MaxJumpIterations <= 0:
		return errors.New("max_jump_iterations must be positive")
	case c.ScheduleMinBufferSeconds < 0:
		return errors.New("schedule_min_buffer_seconds must not be negative")
	case c.BulkChunkSize <= 0:
		return errors.New("bulk_chunk_size must be positive")
	case c.BulkWorkers <= 0:
		return errors.New("bulk_workers must be positive")
	}
	return nil
}

// ScheduleMinBuffer returns the minimum lead time of a scheduled send.
func (c *Config) ScheduleMinBuffer() time.Duration {
	return time.Duration(c.ScheduleMinBufferSeconds) * time.Second
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
