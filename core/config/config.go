package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	coredatabase "github.com/m3rciful/guestbot/core/database"
)

// TelegramConfig holds Telegram bot related settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	AdminID int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies Telegram webhook-mode settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// ServerConfig specifies the local HTTP intake listener that receives
// CRM and form webhooks behind the reverse proxy.
type ServerConfig struct {
	Listen string `yaml:"listen" envconfig:"SERVER_LISTEN"`
	Port   int    `yaml:"port" envconfig:"SERVER_PORT"`
}

// FieldMap binds logical contact/task fields to the numeric custom-field
// identifiers assigned by the CRM. Identifiers are configuration, not code;
// required entries are checked once at start-up.
type FieldMap struct {
	City         int64 `yaml:"city" envconfig:"PLANFIX_FIELD_CITY"`
	Telegram     int64 `yaml:"telegram" envconfig:"PLANFIX_FIELD_TELEGRAM"`
	TelegramID   int64 `yaml:"telegram_id" envconfig:"PLANFIX_FIELD_TELEGRAM_ID"`
	Score        int64 `yaml:"score" envconfig:"PLANFIX_FIELD_SCORE"`
	ResultStatus int64 `yaml:"result_status" envconfig:"PLANFIX_FIELD_RESULT_STATUS"`
	SessionID    int64 `yaml:"session_id" envconfig:"PLANFIX_FIELD_SESSION_ID"`
}

// PlanfixConfig holds credentials and identifiers for the external registry.
type PlanfixConfig struct {
	BaseURL           string   `yaml:"base_url" envconfig:"PLANFIX_BASE_URL"`
	Token             string   `yaml:"token" envconfig:"PLANFIX_TOKEN"`
	ContactTemplateID int64    `yaml:"contact_template_id" envconfig:"PLANFIX_CONTACT_TEMPLATE_ID"`
	TaskTemplateIDs   []int64  `yaml:"task_template_ids" envconfig:"PLANFIX_TASK_TEMPLATE_IDS"`
	Fields            FieldMap `yaml:"fields"`

	// Webhook authentication: Basic pair for CRM-origin events,
	// shared secret for form-origin HMAC signatures.
	WebhookLogin    string `yaml:"webhook_login" envconfig:"PLANFIX_WEBHOOK_LOGIN"`
	WebhookPassword string `yaml:"webhook_password" envconfig:"PLANFIX_WEBHOOK_PASSWORD"`
	FormsSecret     string `yaml:"forms_secret" envconfig:"FORMS_WEBHOOK_SECRET"`

	// FormURL is the public feedback form address; the bot appends task,
	// guest and session identifiers as query parameters.
	FormURL string `yaml:"form_url" envconfig:"FORM_URL"`
	// StatusFormReceivedID and StatusReviewID are workflow status ids of
	// the task template; 0 disables the corresponding transition.
	StatusFormReceivedID int64 `yaml:"status_form_received_id" envconfig:"PLANFIX_STATUS_FORM_RECEIVED_ID"`
	StatusReviewID       int64 `yaml:"status_review_id" envconfig:"PLANFIX_STATUS_REVIEW_ID"`
}

// DialogConfig controls the registration dialog runtime.
type DialogConfig struct {
	// SessionTTL discards sessions idle beyond this duration; 0 disables the reaper.
	SessionTTL time.Duration `yaml:"session_ttl" envconfig:"DIALOG_SESSION_TTL"`
	// DeadlineSweep is the cron spec for the overdue-task sweep; empty disables it.
	DeadlineSweep string `yaml:"deadline_sweep" envconfig:"DIALOG_DEADLINE_SWEEP"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Stacks      string `yaml:"stacks"`
	Dir         string `yaml:"dir"`
	BotFile     string `yaml:"bot_file"`
	ErrorsFile  string `yaml:"errors_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
)

// RateLimitConfig holds settings for rate limiting.
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates all application configuration. It is constructed once at
// start-up and passed by reference into component constructors; nothing reads
// ambient process state after Load returns.
type Config struct {
	Telegram  TelegramConfig      `yaml:"telegram"`
	Webhook   WebhookConfig       `yaml:"webhook"`
	Server    ServerConfig        `yaml:"server"`
	Planfix   PlanfixConfig       `yaml:"planfix"`
	Dialog    DialogConfig        `yaml:"dialog"`
	Database  coredatabase.Config `yaml:"database"`
	Logging   LoggingConfig       `yaml:"logging"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if err := normalizePlanfix(&cfg.Planfix); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = "0.0.0.0"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8001
	}
	if cfg.Dialog.SessionTTL < 0 {
		return fmt.Errorf("dialog.session_ttl must be >= 0")
	}

	allowed := map[string]struct{}{
		UpdateCallback: {},
		UpdateMessage:  {},
	}
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}
	return nil
}

func normalizePlanfix(pf *PlanfixConfig) error {
	base := strings.TrimSpace(pf.BaseURL)
	if base == "" {
		return fmt.Errorf("planfix.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("planfix.base_url %q is not a valid URL", pf.BaseURL)
	}
	pf.BaseURL = strings.TrimRight(base, "/")

	if strings.TrimSpace(pf.Token) == "" {
		return fmt.Errorf("planfix.token is required")
	}
	if pf.ContactTemplateID <= 0 {
		return fmt.Errorf("planfix.contact_template_id is required")
	}

	// Field identifiers are resolved eagerly: a missing mapping must fail
	// here, not on the first contact submission.
	if pf.Fields.City <= 0 {
		return fmt.Errorf("planfix.fields.city mapping is required")
	}
	if pf.FormsSecret != "" {
		if pf.Fields.Score <= 0 {
			return fmt.Errorf("planfix.fields.score mapping is required when forms webhook is enabled")
		}
		if pf.Fields.SessionID <= 0 {
			return fmt.Errorf("planfix.fields.session_id mapping is required when forms webhook is enabled")
		}
	}

	if (pf.WebhookLogin == "") != (pf.WebhookPassword == "") {
		return fmt.Errorf("planfix.webhook_login and planfix.webhook_password must be set together")
	}
	return nil
}
