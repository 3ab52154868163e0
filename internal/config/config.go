package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fx-rate-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Pair      PairConfig      `mapstructure:"pair"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Events    EventsConfig    `mapstructure:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs scrape cycle cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// RetentionConfig governs the daily purge of old samples and alert records.
type RetentionConfig struct {
	Days            int    `mapstructure:"days"`
	Schedule        string `mapstructure:"schedule"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// PairConfig names the tracked currency pair, quoted as Quote per one Base.
type PairConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// String renders the pair as BASE/QUOTE.
func (p PairConfig) String() string {
	return strings.ToUpper(p.Base) + "/" + strings.ToUpper(p.Quote)
}

// SourcesConfig lists the primary sources in reliability order plus the fallback.
type SourcesConfig struct {
	UserAgent      string         `mapstructure:"user_agent"`
	DefaultTimeout time.Duration  `mapstructure:"default_timeout"`
	Concurrency    int            `mapstructure:"concurrency"`
	Primary        []SourceConfig `mapstructure:"primary"`
	Fallback       SourceConfig   `mapstructure:"fallback"`
}

// SourceConfig describes one pluggable rate source.
type SourceConfig struct {
	Name     string        `mapstructure:"name"`
	Kind     string        `mapstructure:"kind"`
	Disabled bool          `mapstructure:"disabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MinRate  float64       `mapstructure:"min_rate"`
	MaxRate  float64       `mapstructure:"max_rate"`

	// chainlink only
	RPCURL    string `mapstructure:"rpc_url"`
	BaseFeed  string `mapstructure:"base_feed"`
	QuoteFeed string `mapstructure:"quote_feed"`

	// static only
	Value float64 `mapstructure:"value"`
}

// AlertingConfig defines detection thresholds and delivery routing.
type AlertingConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	VolatilityThreshold float64        `mapstructure:"volatility_threshold"`
	VolatilityPeriod    time.Duration  `mapstructure:"volatility_period"`
	PruneGone           bool           `mapstructure:"prune_gone"`
	Icon                string         `mapstructure:"icon"`
	WebPush             WebPushConfig  `mapstructure:"webpush"`
	Telegram            TelegramConfig `mapstructure:"telegram"`
}

// WebPushConfig carries VAPID credentials for push delivery.
type WebPushConfig struct {
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	Subscriber      string        `mapstructure:"subscriber"`
	TTL             int           `mapstructure:"ttl"`
	Urgency         string        `mapstructure:"urgency"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// TelegramConfig describes the operator channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// EventsConfig configures the optional Kafka alert event stream.
type EventsConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig configures the Prometheus/health listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RATEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.schedule", "0 0 * * *")
	v.SetDefault("retention.advisory_lock_key", int64(0x72617465))

	v.SetDefault("pair.base", "SGD")
	v.SetDefault("pair.quote", "MYR")

	v.SetDefault("sources.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("sources.default_timeout", "10s")
	v.SetDefault("sources.concurrency", 0)
	v.SetDefault("sources.primary", []map[string]any{
		{"name": "Instarem", "kind": "instarem", "base_url": "https://www.instarem.com"},
		{"name": "Wise", "kind": "wise", "base_url": "https://wise.com"},
		{"name": "CIMB", "kind": "cimb", "base_url": "https://www.cimbclicks.com.sg"},
		{"name": "XE", "kind": "xe", "base_url": "https://www.xe.com", "disabled": true, "min_rate": 3.0, "max_rate": 4.0},
	})
	v.SetDefault("sources.fallback.name", "ExchangeRate-API")
	v.SetDefault("sources.fallback.kind", "exchangerate_api")
	v.SetDefault("sources.fallback.base_url", "https://api.exchangerate-api.com")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.volatility_threshold", 2.0)
	v.SetDefault("alerting.volatility_period", "60m")
	v.SetDefault("alerting.prune_gone", false)
	v.SetDefault("alerting.icon", "/icons/icon-192x192.png")
	v.SetDefault("alerting.webpush.subscriber", "mailto:admin@example.com")
	v.SetDefault("alerting.webpush.ttl", 3600)
	v.SetDefault("alerting.webpush.urgency", "normal")
	v.SetDefault("alerting.webpush.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("events.topic", "rate-alerts")
	v.SetDefault("events.write_timeout", "5s")

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be greater than zero")
	}
	if strings.TrimSpace(c.Retention.Schedule) == "" {
		return fmt.Errorf("retention.schedule is required")
	}
	if c.Pair.Base == "" || c.Pair.Quote == "" {
		return fmt.Errorf("pair.base and pair.quote are required")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.VolatilityThreshold < 0 {
		return fmt.Errorf("alerting.volatility_threshold cannot be negative")
	}
	if c.Alerting.VolatilityPeriod <= 0 {
		return fmt.Errorf("alerting.volatility_period must be greater than zero")
	}
	if err := c.Sources.validate(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

const (
	minSourceTimeout = 5 * time.Second
	maxSourceTimeout = 10 * time.Second
)

// checkTimeout accepts zero (inherit) or a value within the source timeout bounds.
func checkTimeout(field string, d time.Duration) error {
	if d == 0 {
		return nil
	}
	if d < minSourceTimeout || d > maxSourceTimeout {
		return fmt.Errorf("%s must be between %s and %s, got %s", field, minSourceTimeout, maxSourceTimeout, d)
	}
	return nil
}

func (s SourcesConfig) validate() error {
	if err := checkTimeout("sources.default_timeout", s.DefaultTimeout); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s.Primary)+1)
	active := 0
	for i, src := range s.Primary {
		if src.Name == "" || src.Kind == "" {
			return fmt.Errorf("sources.primary[%d]: name and kind are required", i)
		}
		key := strings.ToLower(src.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sources.primary[%d]: duplicate source name %q", i, src.Name)
		}
		seen[key] = struct{}{}
		if err := checkTimeout(fmt.Sprintf("sources.primary[%d].timeout", i), src.Timeout); err != nil {
			return err
		}
		if !src.Disabled {
			active++
		}
	}
	if active == 0 && s.Fallback.Kind == "" {
		return fmt.Errorf("at least one enabled primary source or a fallback source is required")
	}
	if s.Fallback.Kind != "" && s.Fallback.Name == "" {
		return fmt.Errorf("sources.fallback.name is required")
	}
	return checkTimeout("sources.fallback.timeout", s.Fallback.Timeout)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// SourceTimeout resolves a source timeout against the configured default.
func (c *Config) SourceTimeout(src SourceConfig) time.Duration {
	if src.Timeout > 0 {
		return src.Timeout
	}
	if c.Sources.DefaultTimeout > 0 {
		return c.Sources.DefaultTimeout
	}
	return 10 * time.Second
}
