package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks field ranges and duration syntax. It runs before a
// reloaded config is committed, so a bad edit never reaches services.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	durations := map[string]string{
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"executor.interval":        c.Executor.Interval,
		"executor.publish_timeout": c.Executor.PublishTimeout,
		"executor.counter_ttl":     c.Executor.CounterTTL,
		"retry.base":               c.Retry.Base,
		"retry.max_delay":          c.Retry.MaxDelay,
	}
	if c.Notify != nil {
		durations["notify.dedup_window"] = c.Notify.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter %v out of range 0..1", c.Retry.Jitter)
	}
	for batch, v := range map[string]int{
		"executor.project_batch": c.Executor.ProjectBatch,
		"executor.item_batch":    c.Executor.ItemBatch,
		"executor.item_workers":  c.Executor.ItemWorkers,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", batch)
		}
	}
	for ptype, n := range c.Conflicts.PlatformHourly {
		if n < 1 {
			return fmt.Errorf("conflicts.platform_hourly[%s] must be >= 1", ptype)
		}
	}

	if c.Redis != nil && c.Redis.Enabled && strings.TrimSpace(c.Redis.URL) == "" {
		return errors.New("redis.url is required when redis is enabled")
	}
	if c.Notify != nil && c.Notify.Enabled && c.Notify.Telegram != nil {
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" {
			return errors.New("notify.telegram.token is required")
		}
		if c.Notify.Telegram.ChatID == 0 {
			return errors.New("notify.telegram.chat_id is required")
		}
	}
	return nil
}
