package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks what can be checked without touching the network or the
// database. Cross-package checks (schedule syntax) belong to the caller's
// validator hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	durations := [][2]string{
		{"telegram.timeout", cfg.Telegram.Timeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"objects.fetch_timeout", cfg.Objects.FetchTimeout},
		{"platform.timeout", cfg.Platform.Timeout},
		{"broadcast.segment_delay", cfg.Broadcast.SegmentDelay},
		{"broadcast.account_delay", cfg.Broadcast.AccountDelay},
		{"dispatch.stale_claim_after", cfg.Dispatch.StaleClaimAfter},
		{"trigger.timeout", cfg.Trigger.Timeout},
		{"alerts.retry_base", cfg.Alerts.RetryBase},
		{"alerts.retry_max_delay", cfg.Alerts.RetryMaxDelay},
		{"alerts.dedup_window", cfg.Alerts.DedupWindow},
		{"api.read_timeout", cfg.API.ReadTimeout},
		{"api.write_timeout", cfg.API.WriteTimeout},
		{"api.idle_timeout", cfg.API.IdleTimeout},
	}
	for _, kv := range durations {
		_, err := ParseDurationField(kv[0], kv[1])
		add(err)
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}
	if strings.TrimSpace(cfg.Platform.ConsumerKey) == "" || strings.TrimSpace(cfg.Platform.ConsumerSecret) == "" {
		add(errors.New("platform.consumer_key and platform.consumer_secret are required"))
	}
	switch cfg.Platform.API {
	case "", "v2", "v1.1":
	default:
		add(fmt.Errorf("platform.api: unknown %q (want v2 or v1.1)", cfg.Platform.API))
	}
	if cfg.Platform.RatePerSec < 0 || cfg.Platform.Burst < 0 {
		add(errors.New("platform.rate_per_sec and platform.burst must be >= 0"))
	}
	if cfg.Objects.MaxBytes < 0 {
		add(errors.New("objects.max_bytes must be >= 0"))
	}

	if cfg.Dispatch.BatchSize < 0 {
		add(errors.New("dispatch.batch_size must be >= 0"))
	}
	switch cfg.Dispatch.RetryMode {
	case "", "resend", "skip_succeeded":
	default:
		add(fmt.Errorf("dispatch.retry_mode: unknown %q (want resend or skip_succeeded)", cfg.Dispatch.RetryMode))
	}

	if cfg.Trigger.Enabled && strings.TrimSpace(cfg.Trigger.Schedule) == "" {
		add(errors.New("trigger.schedule is required when trigger.enabled"))
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err))
		}
	}

	if cfg.Alerts.Enabled || cfg.Logging.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
			add(errors.New("telegram.token and telegram.chat_id are required when alerts or telegram logging are enabled"))
		}
	}
	if cfg.Alerts.QueueSize < 0 || cfg.Alerts.RetryMax < 0 || cfg.Alerts.RatePerSec < 0 {
		add(errors.New("alerts.queue_size, alerts.retry_max and alerts.rate_per_sec must be >= 0"))
	}

	if strings.TrimSpace(cfg.API.Addr) != "" && strings.TrimSpace(cfg.API.DispatchSecret) == "" {
		add(errors.New("api.dispatch_secret is required when api.addr is set"))
	}
	if cfg.API.MaxUploadBytes < 0 {
		add(errors.New("api.max_upload_bytes must be >= 0"))
	}
	return errors.Join(errs...)
}
