package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("750ms", "2s", "15m"); empty means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Objects   ObjectsConfig   `json:"objects"`
	Platform  PlatformConfig  `json:"platform"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Trigger   TriggerConfig   `json:"trigger"`
	Alerts    AlertsConfig    `json:"alerts"`
	API       APIConfig       `json:"api"`
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

// LoggingTelegram forwards log lines at or above MinLevel to the alert chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator chat used for alerts and the log sink.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id"`
	APIURL   string `json:"api_url"`
	Timeout  string `json:"timeout"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// ObjectsConfig selects where media blobs live. With no bucket, media URLs
// are fetched over plain HTTP and uploads are refused.
type ObjectsConfig struct {
	Bucket        string `json:"bucket"`
	Prefix        string `json:"prefix"`
	Region        string `json:"region"`
	Endpoint      string `json:"endpoint"`
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	PublicBaseURL string `json:"public_base_url"`
	FetchTimeout  string `json:"fetch_timeout"`
	MaxBytes      int64  `json:"max_bytes"`
}

type PlatformConfig struct {
	ConsumerKey    string  `json:"consumer_key"`
	ConsumerSecret string  `json:"consumer_secret"`
	API            string  `json:"api"`
	APIBaseURL     string  `json:"api_base_url"`
	UploadBaseURL  string  `json:"upload_base_url"`
	Timeout        string  `json:"timeout"`
	RatePerSec     float64 `json:"rate_per_sec"`
	Burst          int     `json:"burst"`
}

type BroadcastConfig struct {
	SegmentDelay string `json:"segment_delay"`
	AccountDelay string `json:"account_delay"`
}

type DispatchConfig struct {
	BatchSize int    `json:"batch_size"`
	RetryMode string `json:"retry_mode"`
	// Nil means enabled.
	InlineOnCreate  *bool  `json:"inline_on_create,omitempty"`
	InlineOnRetry   *bool  `json:"inline_on_retry,omitempty"`
	StaleClaimAfter string `json:"stale_claim_after"`
}

type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Timeout  string `json:"timeout"`
}

type AlertsConfig struct {
	Enabled        bool    `json:"enabled"`
	NotifyFailures bool    `json:"notify_failures"`
	QueueSize      int     `json:"queue_size"`
	RatePerSec     float64 `json:"rate_per_sec"`
	RetryMax       int     `json:"retry_max"`
	RetryBase      string  `json:"retry_base"`
	RetryMaxDelay  string  `json:"retry_max_delay"`
	DedupWindow    string  `json:"dedup_window"`
}

type APIConfig struct {
	Addr           string `json:"addr"`
	DispatchSecret string `json:"dispatch_secret"`
	ReadTimeout    string `json:"read_timeout"`
	WriteTimeout   string `json:"write_timeout"`
	IdleTimeout    string `json:"idle_timeout"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
	Pprof          bool   `json:"pprof"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
