package config

import (
	"sort"
	"strings"

	logx "threadcast/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"storage":  true,
	"objects":  true,
	"platform": true,
	"api":      true,
	"telegram": true,
}

// SummarizeConfigChange lists the changed top-level sections and returns log
// fields describing the new values. Secrets (tokens, keys, the dispatch
// secret) only ever appear as "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", isSet(newCfg.Telegram.Token)),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Int("telegram.thread_id", newCfg.Telegram.ThreadID),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Objects != newCfg.Objects {
		changed = append(changed, "objects")
		attrs = append(attrs,
			logx.String("objects.bucket", strings.TrimSpace(newCfg.Objects.Bucket)),
			logx.String("objects.endpoint", strings.TrimSpace(newCfg.Objects.Endpoint)),
			logx.Bool("objects.access_key_set", isSet(newCfg.Objects.AccessKey)),
			logx.Bool("objects.secret_key_set", isSet(newCfg.Objects.SecretKey)),
		)
	}

	if oldCfg.Platform != newCfg.Platform {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.api", newCfg.Platform.API),
			logx.Bool("platform.consumer_key_set", isSet(newCfg.Platform.ConsumerKey)),
			logx.Bool("platform.consumer_secret_set", isSet(newCfg.Platform.ConsumerSecret)),
			logx.String("platform.timeout", strings.TrimSpace(newCfg.Platform.Timeout)),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.segment_delay", strings.TrimSpace(newCfg.Broadcast.SegmentDelay)),
			logx.String("broadcast.account_delay", strings.TrimSpace(newCfg.Broadcast.AccountDelay)),
		)
	}

	if !sameDispatch(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.String("dispatch.retry_mode", newCfg.Dispatch.RetryMode),
			logx.Bool("dispatch.inline_on_create", BoolOr(newCfg.Dispatch.InlineOnCreate, true)),
			logx.Bool("dispatch.inline_on_retry", BoolOr(newCfg.Dispatch.InlineOnRetry, true)),
		)
	}

	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.schedule", strings.TrimSpace(newCfg.Trigger.Schedule)),
			logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.Bool("alerts.notify_failures", newCfg.Alerts.NotifyFailures),
			logx.Int("alerts.queue_size", newCfg.Alerts.QueueSize),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.dispatch_secret_set", isSet(newCfg.API.DispatchSecret)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired returns the changed sections that are not hot-reloaded.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func sameDispatch(a, b DispatchConfig) bool {
	return a.BatchSize == b.BatchSize &&
		a.RetryMode == b.RetryMode &&
		strings.TrimSpace(a.StaleClaimAfter) == strings.TrimSpace(b.StaleClaimAfter) &&
		BoolOr(a.InlineOnCreate, true) == BoolOr(b.InlineOnCreate, true) &&
		BoolOr(a.InlineOnRetry, true) == BoolOr(b.InlineOnRetry, true)
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
