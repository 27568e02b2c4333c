package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "pubsched/pkg/logx"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging. Secrets (tokens, URLs with
// credentials) are reported as set/unset, never by value.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}

	oldRedis, newRedis := orZero(oldCfg.Redis), orZero(newCfg.Redis)
	if oldRedis.Enabled != newRedis.Enabled ||
		(strings.TrimSpace(oldRedis.URL) != "") != (strings.TrimSpace(newRedis.URL) != "") ||
		oldRedis.Prefix != newRedis.Prefix {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.Bool("redis.enabled", newRedis.Enabled),
			logx.Bool("redis.url_set", strings.TrimSpace(newRedis.URL) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) ||
		oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.interval", newCfg.Executor.Interval),
			logx.Int("executor.item_workers", newCfg.Executor.ItemWorkers),
			logx.Int("executor.project_batch", newCfg.Executor.ProjectBatch),
		)
	}

	if oldCfg.Conflicts.ResourceCeiling != newCfg.Conflicts.ResourceCeiling ||
		!reflect.DeepEqual(oldCfg.Conflicts.PlatformHourly, newCfg.Conflicts.PlatformHourly) {
		changed = append(changed, "conflicts")
		attrs = append(attrs,
			logx.Int("conflicts.resource_ceiling", newCfg.Conflicts.ResourceCeiling),
			logx.Int("conflicts.platform_overrides", len(newCfg.Conflicts.PlatformHourly)),
		)
	}

	if oldCfg.Platforms.RatePerSec != newCfg.Platforms.RatePerSec ||
		oldCfg.Platforms.Burst != newCfg.Platforms.Burst ||
		!reflect.DeepEqual(oldCfg.Platforms.Connections, newCfg.Platforms.Connections) {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Int("platforms.projects_with_connections", len(newCfg.Platforms.Connections)))
	}

	oldNotify, newNotify := orZeroNotify(oldCfg.Notify), orZeroNotify(newCfg.Notify)
	if oldNotify.Enabled != newNotify.Enabled ||
		oldNotify.DedupWindow != newNotify.DedupWindow ||
		oldNotify.RatePerSec != newNotify.RatePerSec ||
		oldNotify.Buffer != newNotify.Buffer ||
		telegramChanged(oldNotify.Telegram, newNotify.Telegram) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newNotify.Enabled),
			logx.Bool("notify.telegram_set", newNotify.Telegram != nil))
	}

	return changed, attrs
}

func orZero(c *RedisConfig) RedisConfig {
	if c == nil {
		return RedisConfig{}
	}
	return *c
}

func orZeroNotify(c *NotifyConfig) NotifyConfig {
	if c == nil {
		return NotifyConfig{}
	}
	return *c
}

func telegramChanged(a, b *NotifyTelegram) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	// Never compare tokens by value in logs; a token swap still counts
	// as a change.
	return a.ChatID != b.ChatID || a.ThreadID != b.ThreadID || a.Token != b.Token
}
