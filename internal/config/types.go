package config

// Config is the engine's on-disk configuration. All durations are Go
// duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Redis     *RedisConfig    `json:"redis,omitempty"`
	Executor  ExecutorConfig  `json:"executor"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Conflicts ConflictsConfig `json:"conflicts,omitempty"`
	Platforms PlatformsConfig `json:"platforms,omitempty"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
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

// StorageConfig points at the sqlite schedules database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RedisConfig enables shared publish-volume counters. When the section
// is omitted, counters stay in process memory.
type RedisConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Prefix  string `json:"prefix,omitempty"`
}

// ExecutorConfig controls the due-work scan loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: "1m"
//   - project_batch: 10
//   - item_batch: 20
//   - item_workers: 5
//   - publish_timeout: "1m"
//   - counter_ttl: "2h"
type ExecutorConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	Interval       string `json:"interval,omitempty"`
	ProjectBatch   int    `json:"project_batch,omitempty"`
	ItemBatch      int    `json:"item_batch,omitempty"`
	ItemWorkers    int    `json:"item_workers,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	CounterTTL     string `json:"counter_ttl,omitempty"`
}

// RetryConfig tunes the failed-publish backoff schedule.
type RetryConfig struct {
	Base     string  `json:"base,omitempty"`
	MaxDelay string  `json:"max_delay,omitempty"`
	Jitter   float64 `json:"jitter,omitempty"`
}

// ConflictsConfig overrides the built-in scheduling ceilings.
type ConflictsConfig struct {
	// ResourceCeiling caps schedules per project in a five-minute
	// window. Zero keeps the default.
	ResourceCeiling int `json:"resource_ceiling,omitempty"`
	// PlatformHourly overrides per-platform-type hourly publish
	// ceilings, e.g. {"twitter": 10}.
	PlatformHourly map[string]int `json:"platform_hourly,omitempty"`
}

// PlatformsConfig shapes outbound publish traffic and declares which
// platforms each project has connected. An absent project means all
// platforms are treated as connected.
type PlatformsConfig struct {
	RatePerSec  float64             `json:"rate_per_sec,omitempty"`
	Burst       int                 `json:"burst,omitempty"`
	Connections map[string][]string `json:"connections,omitempty"`
}

// NotifyConfig controls operator alerts for dead-lettered and partially
// published schedules.
type NotifyConfig struct {
	Enabled     bool   `json:"enabled"`
	DedupWindow string `json:"dedup_window,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Buffer      int    `json:"buffer,omitempty"`

	Telegram *NotifyTelegram `json:"telegram,omitempty"`
}

type NotifyTelegram struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}
