package config

// Config is the raw on-disk configuration. Components never read it directly;
// internal/app maps it into immutable per-component configs at construction.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
	HTTP    HTTPConfig    `json:"http"`

	Provider   ProviderConfig   `json:"provider"`
	Identities []IdentityConfig `json:"identities"`
	Templates  []TemplateConfig `json:"templates"`

	Cycle   CycleConfig   `json:"cycle"`
	Rate    RateConfig    `json:"rate"`
	Pools   PoolsConfig   `json:"pools"`
	Retry   RetryConfig   `json:"retry"`
	Ingest  IngestConfig  `json:"ingest"`
	Quality QualityConfig `json:"quality"`
	SLA     SLAConfig     `json:"sla"`
	Alerts  *AlertsConfig `json:"alerts,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Redis   *RedisConfig   `json:"redis,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the public API server (SLA query, admin ops, webhook).
//
// AdminToken is optional; when set, admin routes require "Authorization: Bearer <token>".
// It may be supplied through DELIVERYD_ADMIN_TOKEN instead (never log it).
type HTTPConfig struct {
	Addr         string `json:"addr"`
	AdminToken   string `json:"admin_token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// ProviderConfig describes the chat-messaging provider send API.
//
// AccessToken and AppSecret are secrets; prefer DELIVERYD_PROVIDER_TOKEN and
// DELIVERYD_APP_SECRET (a .env file next to the binary is loaded at startup).
type ProviderConfig struct {
	BaseURL     string `json:"base_url"`
	APIVersion  string `json:"api_version,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	AppSecret   string `json:"app_secret,omitempty"`
	VerifyToken string `json:"verify_token,omitempty"`
	// Timeout bounds every send call (Go duration string). Default "10s".
	Timeout string `json:"timeout,omitempty"`
	// CountryCode is prefixed to recipient numbers stored without one. Default "91".
	CountryCode string `json:"country_code,omitempty"`
}

type IdentityConfig struct {
	ID            string `json:"id"`
	PhoneNumberID string `json:"phone_number_id"`
	Role          string `json:"role"` // "primary" | "backup"
	Priority      int    `json:"priority"`
	DailyLimit    int64  `json:"daily_limit"`
	PerSecond     int    `json:"per_second"`
	Disabled      bool   `json:"disabled,omitempty"`
}

type TemplateConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Language string `json:"language"`
	Status   string `json:"status"` // APPROVED | PENDING | REJECTED | PAUSED
	Priority int    `json:"priority"`
}

// CycleConfig controls the daily delivery run.
//
// Defaults:
//   - timezone: "Asia/Kolkata"
//   - schedule: "daily:06:00" (also "every:<dur>" or a cron expression)
//   - window: "5m" (cutoff = start + window)
//   - batch_size: 50
//   - batch_delay: "500ms"
//   - watchdog_interval: "30s"
type CycleConfig struct {
	Timezone         string `json:"timezone,omitempty"`
	Schedule         string `json:"schedule,omitempty"`
	Window           string `json:"window,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	BatchDelay       string `json:"batch_delay,omitempty"`
	WatchdogInterval string `json:"watchdog_interval,omitempty"`
	WatchdogMultiple int    `json:"watchdog_multiple,omitempty"`
	// Category and Language name the default content stream used by the
	// scheduled trigger when no content is pushed through the API.
	Category string `json:"category,omitempty"`
	Language string `json:"language,omitempty"`
}

type RateConfig struct {
	GlobalPerSecond int `json:"global_per_second"`
	// CircuitFailures opens an identity's transport circuit after N consecutive
	// transient failures. 0 disables the breaker.
	CircuitFailures int    `json:"circuit_failures,omitempty"`
	CircuitCooldown string `json:"circuit_cooldown,omitempty"`
	// RatingScale scales each identity's per_second by its quality rating
	// (HIGH, MEDIUM, LOW, FLAGGED). 0 pauses the identity.
	RatingScale map[string]float64 `json:"rating_scale,omitempty"`
}

type PoolsConfig struct {
	Bulk  PoolConfig `json:"bulk"`
	Batch PoolConfig `json:"batch"`
	Retry PoolConfig `json:"retry"`
}

// PoolConfig sizes one dispatch pool. RatePerSec throttles how fast workers
// may pick up tasks (0 = unlimited).
type PoolConfig struct {
	Workers    int `json:"workers"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type RetryConfig struct {
	MaxRetries int     `json:"max_retries"`
	BaseDelay  string  `json:"base_delay"`
	Multiplier float64 `json:"multiplier"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	Jitter     string  `json:"jitter,omitempty"`
	// TierOverrides maps subscriber tier -> max retries (e.g. PREMIUM: 5).
	TierOverrides map[string]int `json:"tier_overrides,omitempty"`
}

type IngestConfig struct {
	QueueSize  int    `json:"queue_size,omitempty"`
	Workers    int    `json:"workers,omitempty"`
	GraceDelay string `json:"grace_delay,omitempty"`
	ReplayTTL  string `json:"replay_ttl,omitempty"`
}

type QualityConfig struct {
	Window            string  `json:"window,omitempty"`
	BlockRate         float64 `json:"block_rate"`
	ReportRate        float64 `json:"report_rate"`
	TemplateRotation  float64 `json:"template_rotation"`
	MinSample         int     `json:"min_sample,omitempty"`
	DisableBackups    *bool   `json:"disable_backups,omitempty"`
	DegradedTolerance float64 `json:"degraded_tolerance,omitempty"`
}

type SLAConfig struct {
	Target       float64 `json:"target"`
	Warn         float64 `json:"warn"`
	MinSample    int     `json:"min_sample,omitempty"`
	EvalInterval string  `json:"eval_interval,omitempty"`
}

// AlertsConfig controls operator alert sinks. Log sink is always on.
type AlertsConfig struct {
	RatePerSec  int             `json:"rate_per_sec,omitempty"`
	DedupWindow string          `json:"dedup_window,omitempty"`
	Telegram    *TelegramAlerts `json:"telegram,omitempty"`
	Webhook     *WebhookAlerts  `json:"webhook,omitempty"`
}

type TelegramAlerts struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // or DELIVERYD_TELEGRAM_TOKEN
	ChatID  int64  `json:"chat_id"`
	// ThreadID targets a forum topic (0 if none).
	ThreadID    int    `json:"thread_id,omitempty"`
	MinSeverity string `json:"min_severity,omitempty"`
}

type WebhookAlerts struct {
	Enabled     bool   `json:"enabled"`
	URL         string `json:"url"`
	MinSeverity string `json:"min_severity,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./deliveryd.db" }
//
// Drivers: "memory" (default; audit_path adds a JSONL audit journal) and "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	AuditPath   string `json:"audit_path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RedisConfig enables the status-callback replay guard shared across instances.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost (e.g. "127.0.0.1:6060"). If you bind to a
// non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
