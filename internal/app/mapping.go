package app

import (
	"strings"
	"time"

	"threadcast/internal/alert"
	"threadcast/internal/api"
	"threadcast/internal/broadcast"
	"threadcast/internal/config"
	"threadcast/internal/dispatch"
	"threadcast/internal/media"
	"threadcast/internal/platform/x"
	"threadcast/internal/storage"
	"threadcast/internal/trigger"
	logx "threadcast/pkg/logx"
)

const (
	defaultSegmentDelay    = 1 * time.Second
	defaultAccountDelay    = 3 * time.Second
	defaultStaleClaimAfter = 15 * time.Minute
	defaultTriggerTimeout  = 10 * time.Minute
)

// durationOr uses def only when raw is empty, so "0s" can switch a pause off.
func durationOr(key, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return config.ParseDurationField(key, raw)
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapObjects(cfg *config.Config) (media.S3Config, time.Duration, error) {
	fetch, err := config.ParseDurationOrDefault("objects.fetch_timeout", cfg.Objects.FetchTimeout, 30*time.Second)
	if err != nil {
		return media.S3Config{}, 0, err
	}
	o := cfg.Objects
	return media.S3Config{
		Bucket:        strings.TrimSpace(o.Bucket),
		Prefix:        strings.TrimSpace(o.Prefix),
		Region:        strings.TrimSpace(o.Region),
		Endpoint:      strings.TrimSpace(o.Endpoint),
		AccessKey:     strings.TrimSpace(o.AccessKey),
		SecretKey:     strings.TrimSpace(o.SecretKey),
		PublicBaseURL: strings.TrimSpace(o.PublicBaseURL),
	}, fetch, nil
}

func mapPlatform(cfg *config.Config) (x.Config, error) {
	timeout, err := config.ParseDurationOrDefault("platform.timeout", cfg.Platform.Timeout, 30*time.Second)
	if err != nil {
		return x.Config{}, err
	}
	p := cfg.Platform
	return x.Config{
		ConsumerKey:    strings.TrimSpace(p.ConsumerKey),
		ConsumerSecret: strings.TrimSpace(p.ConsumerSecret),
		API:            strings.TrimSpace(p.API),
		APIBaseURL:     strings.TrimSpace(p.APIBaseURL),
		UploadBaseURL:  strings.TrimSpace(p.UploadBaseURL),
		Timeout:        timeout,
		RatePerSec:     p.RatePerSec,
		Burst:          p.Burst,
	}, nil
}

func mapBroadcast(cfg *config.Config) (broadcast.Config, error) {
	seg, err := durationOr("broadcast.segment_delay", cfg.Broadcast.SegmentDelay, defaultSegmentDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	acc, err := durationOr("broadcast.account_delay", cfg.Broadcast.AccountDelay, defaultAccountDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{SegmentDelay: seg, AccountDelay: acc}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	stale, err := durationOr("dispatch.stale_claim_after", cfg.Dispatch.StaleClaimAfter, defaultStaleClaimAfter)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		BatchSize:       cfg.Dispatch.BatchSize,
		RetryMode:       dispatch.RetryMode(strings.TrimSpace(cfg.Dispatch.RetryMode)),
		InlineOnCreate:  config.BoolOr(cfg.Dispatch.InlineOnCreate, true),
		InlineOnRetry:   config.BoolOr(cfg.Dispatch.InlineOnRetry, true),
		StaleClaimAfter: stale,
	}, nil
}

func mapTrigger(cfg *config.Config) (trigger.Config, error) {
	timeout, err := durationOr("trigger.timeout", cfg.Trigger.Timeout, defaultTriggerTimeout)
	if err != nil {
		return trigger.Config{}, err
	}
	t := trigger.Config{
		Enabled:  cfg.Trigger.Enabled,
		Schedule: strings.TrimSpace(cfg.Trigger.Schedule),
		Timezone: strings.TrimSpace(cfg.Trigger.Timezone),
		Timeout:  timeout,
	}
	if t.Enabled {
		if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
			return trigger.Config{}, err
		}
	}
	return t, nil
}

func mapAlerts(cfg *config.Config) (alert.Config, error) {
	a := cfg.Alerts
	base, err := config.ParseDurationField("alerts.retry_base", a.RetryBase)
	if err != nil {
		return alert.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("alerts.retry_max_delay", a.RetryMaxDelay)
	if err != nil {
		return alert.Config{}, err
	}
	dedup, err := durationOr("alerts.dedup_window", a.DedupWindow, time.Minute)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:        a.Enabled || cfg.Logging.Telegram.Enabled,
		NotifyFailures: a.Enabled && a.NotifyFailures,
		QueueSize:      a.QueueSize,
		RatePerSec:     a.RatePerSec,
		RetryMax:       a.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		DedupWindow:    dedup,
	}, nil
}

func mapTelegram(cfg *config.Config) (alert.TelegramConfig, error) {
	timeout, err := config.ParseDurationField("telegram.timeout", cfg.Telegram.Timeout)
	if err != nil {
		return alert.TelegramConfig{}, err
	}
	return alert.TelegramConfig{
		Token:    strings.TrimSpace(cfg.Telegram.Token),
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Telegram.ThreadID,
		APIURL:   strings.TrimSpace(cfg.Telegram.APIURL),
		Timeout:  timeout,
	}, nil
}

func mapAPI(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	read, err := config.ParseDurationField("api.read_timeout", a.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", a.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("api.idle_timeout", a.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:           strings.TrimSpace(a.Addr),
		DispatchSecret: strings.TrimSpace(a.DispatchSecret),
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
		MaxUploadBytes: a.MaxUploadBytes,
		Pprof:          a.Pprof,
	}, nil
}

// validateRuntime runs every mapping so a reload that config.Validate
// accepts but a component would reject is refused as a whole.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, _, err := mapObjects(cfg); err != nil {
		return err
	}
	if _, err := mapPlatform(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcast(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapTrigger(cfg); err != nil {
		return err
	}
	if _, err := mapAlerts(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	_, err := mapAPI(cfg)
	return err
}
