// Package config loads and validates watcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Portal     PortalConfig     `mapstructure:"portal"`
	Session    SessionConfig    `mapstructure:"session"`
	Login      LoginConfig      `mapstructure:"login"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Store      StoreConfig      `mapstructure:"store"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Server     ServerConfig     `mapstructure:"server"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// PortalConfig describes the target portal and the page signals used to
// classify what a response means.
type PortalConfig struct {
	ListURL  string `mapstructure:"list_url"`
	LoginURL string `mapstructure:"login_url"`
	// EntryLinkText is clicked on the landing page to reach the listing, when set.
	EntryLinkText string `mapstructure:"entry_link_text"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`

	SuccessURLPatterns   []string `mapstructure:"success_url_patterns"`
	AuthenticatedMarkers []string `mapstructure:"authenticated_markers"`
	LoginMarkers         []string `mapstructure:"login_markers"`
	LoginTitles          []string `mapstructure:"login_titles"`
	LoginURLPatterns     []string `mapstructure:"login_url_patterns"`
	NotFoundMarkers      []string `mapstructure:"not_found_markers"`

	CaptchaErrorText     string   `mapstructure:"captcha_error_text"`
	CredentialErrorTexts []string `mapstructure:"credential_error_texts"`

	Selectors SelectorConfig `mapstructure:"selectors"`
}

// SelectorConfig holds the CSS selectors of the login form.
type SelectorConfig struct {
	PasswordTab  string `mapstructure:"password_tab"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	CaptchaImage string `mapstructure:"captcha_image"`
	CaptchaInput string `mapstructure:"captcha_input"`
	Submit       string `mapstructure:"submit"`
	ErrorTip     string `mapstructure:"error_tip"`
}

// SessionConfig selects where the Session blob lives.
type SessionConfig struct {
	Backend   string        `mapstructure:"backend"`
	Path      string        `mapstructure:"path"`
	GCSBucket string        `mapstructure:"gcs_bucket"`
	GCSObject string        `mapstructure:"gcs_object"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// LoginConfig bounds the interactive login flow.
type LoginConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	SuccessTimeout  time.Duration `mapstructure:"success_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	Headless        bool          `mapstructure:"headless"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	CaptchaEndpoint string        `mapstructure:"captcha_endpoint"`
}

// FetchConfig governs the content-acquisition pipeline.
type FetchConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffMin         time.Duration `mapstructure:"backoff_min"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	PageTimeout        time.Duration `mapstructure:"page_timeout"`
	AttachmentTimeout  time.Duration `mapstructure:"attachment_timeout"`
	MaxTextChars       int           `mapstructure:"max_text_chars"`
	NewestN            int           `mapstructure:"newest_n"`
	MinTitleLen        int           `mapstructure:"min_title_len"`
	ListMode           string        `mapstructure:"list_mode"`
	UserAgent          string        `mapstructure:"user_agent"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	AttachmentDir      string        `mapstructure:"attachment_dir"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	DownloadPatterns   []string      `mapstructure:"download_patterns"`
	RowSelectors       []string      `mapstructure:"row_selectors"`
}

// WorkerConfig sizes the pool.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	JitterMin   time.Duration `mapstructure:"jitter_min"`
	JitterMax   time.Duration `mapstructure:"jitter_max"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
}

// SummarizerConfig configures the OpenAI-compatible summarizer.
type SummarizerConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	FilterModel       string        `mapstructure:"filter_model"`
	PrimaryModel      string        `mapstructure:"primary_model"`
	FallbackModel     string        `mapstructure:"fallback_model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxContextChars   int           `mapstructure:"max_context_chars"`
	ForceKeepKeywords []string      `mapstructure:"force_keep_keywords"`
}

// NotifyConfig configures outbound channels.
type NotifyConfig struct {
	Core     string         `mapstructure:"core"`
	Email    EmailConfig    `mapstructure:"email"`
	Qmsg     QmsgConfig     `mapstructure:"qmsg"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SMTPServer string `mapstructure:"smtp_server"`
	SMTPPort   int    `mapstructure:"smtp_port"`
	Sender     string `mapstructure:"sender"`
	SenderName string `mapstructure:"sender_name"`
	Password   string `mapstructure:"password"`
	Receivers  string `mapstructure:"receivers"`
}

// QmsgConfig holds the Qmsg push key.
type QmsgConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
	BaseURL string `mapstructure:"base_url"`
}

// WebhookConfig holds a markdown webhook endpoint.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	BaseURL  string `mapstructure:"base_url"`
}

// PubSubConfig holds the announcement event topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the HTTP status server used by `serve`.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ScheduleConfig controls periodic runs in `serve`.
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing. Exporter is none, stdout or gcp.
type TelemetryConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BULLETIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.success_url_patterns", []string{"client/app", "index"})
	v.SetDefault("portal.login_titles", []string{"登录", "Login", "用户登录"})
	v.SetDefault("portal.login_url_patterns", []string{"authserver/login"})
	v.SetDefault("portal.not_found_markers", []string{"404 Not Found", "页面不存在", "文章不存在"})
	v.SetDefault("portal.captcha_error_text", "验证码")
	v.SetDefault("portal.credential_error_texts", []string{"密码", "账号"})
	v.SetDefault("portal.selectors.password_tab", "#pwdLoginSpan")
	v.SetDefault("portal.selectors.username", "#username")
	v.SetDefault("portal.selectors.password", "#password")
	v.SetDefault("portal.selectors.captcha_image", "#captchaImg")
	v.SetDefault("portal.selectors.captcha_input", "#captcha")
	v.SetDefault("portal.selectors.submit", "#login_submit")
	v.SetDefault("portal.selectors.error_tip", "#formErrorTip")

	v.SetDefault("session.backend", "file")
	v.SetDefault("session.path", "data/session.json")
	v.SetDefault("session.gcs_object", "bulletin/session.json")
	v.SetDefault("session.max_age", "0s")

	v.SetDefault("login.max_retries", 3)
	v.SetDefault("login.success_timeout", "15s")
	v.SetDefault("login.poll_interval", "500ms")
	v.SetDefault("login.settle_delay", "3s")
	v.SetDefault("login.headless", true)
	v.SetDefault("login.nav_timeout", "60s")

	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_min", "1s")
	v.SetDefault("fetch.backoff_max", "3s")
	v.SetDefault("fetch.page_timeout", "15s")
	v.SetDefault("fetch.attachment_timeout", "30s")
	v.SetDefault("fetch.max_text_chars", 8000)
	v.SetDefault("fetch.newest_n", 5)
	v.SetDefault("fetch.min_title_len", 5)
	v.SetDefault("fetch.list_mode", "headless")
	v.SetDefault("fetch.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("fetch.requests_per_second", 1.0)
	v.SetDefault("fetch.attachment_dir", "data/attachments")
	v.SetDefault("fetch.insecure_skip_verify", true)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.jitter_min", "500ms")
	v.SetDefault("worker.jitter_max", "2s")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "data/history.db")
	v.SetDefault("store.table", "bulletin_tasks")

	v.SetDefault("summarizer.endpoint", "https://api.deepseek.com")
	v.SetDefault("summarizer.primary_model", "deepseek-chat")
	v.SetDefault("summarizer.timeout", "45s")
	v.SetDefault("summarizer.max_context_chars", 12000)

	v.SetDefault("notify.email.smtp_port", 465)
	v.SetDefault("notify.email.sender_name", "Bulletin Watcher")
	v.SetDefault("notify.qmsg.base_url", "https://qmsg.zendee.cn")
	v.SetDefault("notify.telegram.base_url", "https://api.telegram.org")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("schedule.interval", "30m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.service_name", "bulletind")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Portal.ListURL) == "" {
		return fmt.Errorf("portal.list_url is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.JitterMin > c.Worker.JitterMax {
		return fmt.Errorf("worker.jitter_min must be <= worker.jitter_max")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.BackoffMin < 0 || c.Fetch.BackoffMin > c.Fetch.BackoffMax {
		return fmt.Errorf("fetch.backoff_min must be within [0, fetch.backoff_max]")
	}
	if c.Fetch.NewestN <= 0 {
		return fmt.Errorf("fetch.newest_n must be > 0")
	}
	if c.Fetch.ListMode != "http" && c.Fetch.ListMode != "headless" {
		return fmt.Errorf("fetch.list_mode must be http or headless, got %q", c.Fetch.ListMode)
	}
	if c.Login.MaxRetries <= 0 {
		return fmt.Errorf("login.max_retries must be > 0")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	switch c.Session.Backend {
	case "file":
		if c.Session.Path == "" {
			return fmt.Errorf("session.path is required for the file backend")
		}
	case "gcs":
		if c.Session.GCSBucket == "" {
			return fmt.Errorf("session.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("session.backend must be file or gcs, got %q", c.Session.Backend)
	}
	if c.Notify.PubSub.Enabled && (c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.TopicName == "") {
		return fmt.Errorf("notify.pubsub.project_id and topic_name are required when pubsub is enabled")
	}
	if c.Summarizer.Endpoint == "" {
		return fmt.Errorf("summarizer.endpoint is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	case "gcp":
		if c.Telemetry.ProjectID == "" {
			return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter must be none, stdout or gcp, got %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}
