package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Relay    RelayConfig    `json:"relay"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// ScratchChatID is a private chat the bot uses as a staging area when a
	// message has to be pulled before it can be republished. Optional; when
	// zero, the fetch-based strategies are unavailable.
	ScratchChatID int64 `json:"scratch_chat_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RelayConfig tunes the relay pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_range: 50
//   - progress_every: 10
//   - max_media_bytes: 2 GiB
//   - standard_interval: "2s"
//   - privileged_interval: "500ms"
//   - backoff_cap: "300s"
//   - cache_ttl: "1h"
//   - downloads_dir: os temp dir
type RelayConfig struct {
	MaxRange      int   `json:"max_range,omitempty"`
	ProgressEvery int   `json:"progress_every,omitempty"`
	MaxMediaBytes int64 `json:"max_media_bytes,omitempty"`

	// CallTimeout bounds a single strategy attempt. "0s" disables it.
	CallTimeout string `json:"call_timeout,omitempty"`

	StandardInterval   string `json:"standard_interval,omitempty"`
	PrivilegedInterval string `json:"privileged_interval,omitempty"`
	BackoffCap         string `json:"backoff_cap,omitempty"`

	CacheTTL     string `json:"cache_ttl,omitempty"`
	DownloadsDir string `json:"downloads_dir,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls the background retention job.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron expression; default "17 3 * * *".
	Schedule string `json:"schedule,omitempty"`

	// Retention is how long outcome records are kept; default "720h".
	Retention string `json:"retention,omitempty"`

	// DownloadMaxAge prunes leftover files in the downloads dir; default "24h".
	DownloadMaxAge string `json:"download_max_age,omitempty"`
}

// Validate checks the fields that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	for _, path := range []struct{ name, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"relay.call_timeout", c.Relay.CallTimeout},
		{"relay.standard_interval", c.Relay.StandardInterval},
		{"relay.privileged_interval", c.Relay.PrivilegedInterval},
		{"relay.backoff_cap", c.Relay.BackoffCap},
		{"relay.cache_ttl", c.Relay.CacheTTL},
	} {
		if _, err := ParseDurationField(path.name, path.raw); err != nil {
			return err
		}
	}
	if c.Relay.MaxRange < 0 {
		return fmt.Errorf("relay.max_range must be >= 0")
	}
	if c.Relay.MaxMediaBytes < 0 {
		return fmt.Errorf("relay.max_media_bytes must be >= 0")
	}
	if c.Maintenance != nil {
		for _, path := range []struct{ name, raw string }{
			{"maintenance.retention", c.Maintenance.Retention},
			{"maintenance.download_max_age", c.Maintenance.DownloadMaxAge},
		} {
			if _, err := ParseDurationField(path.name, path.raw); err != nil {
				return err
			}
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
