package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-tracker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
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
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the optional realtime publishing backend.
type RedisConfig struct {
	URL            string        `mapstructure:"url"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CounterTTLDays int           `mapstructure:"counter_ttl_days"`
}

// SchedulerConfig governs scrape cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ScraperConfig bounds the per-cycle fetch workload.
type ScraperConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	BatchLimit     int           `mapstructure:"batch_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ErrorCeiling   int           `mapstructure:"error_ceiling"`
	QueueSize      int           `mapstructure:"queue_size"`
	UserAgents     []string      `mapstructure:"user_agents"`
}

// ProxyConfig parameterises the outbound proxy pool.
type ProxyConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	BlockCooldown  time.Duration `mapstructure:"block_cooldown"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeTargets   []string      `mapstructure:"probe_targets"`
	FailureRate    float64       `mapstructure:"failure_rate"`
	MinSampleCount int64         `mapstructure:"min_sample_count"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DropPct        float64       `mapstructure:"drop_pct"`
	ChannelTimeout time.Duration `mapstructure:"channel_timeout"`
	Email          EmailConfig   `mapstructure:"email"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig describes SMTP delivery parameters.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// WebhookConfig describes outbound webhook delivery.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICETRACKER")
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
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricetracker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.counter_ttl_days", 7)

	v.SetDefault("scheduler.interval", "4h")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726b72))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("scraper.concurrency", 50)
	v.SetDefault("scraper.batch_limit", 5000)
	v.SetDefault("scraper.request_timeout", "30s")
	v.SetDefault("scraper.error_ceiling", 10)
	v.SetDefault("scraper.queue_size", 256)
	v.SetDefault("scraper.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
	})

	v.SetDefault("proxy.block_cooldown", "30m")
	v.SetDefault("proxy.sweep_interval", "5m")
	v.SetDefault("proxy.probe_timeout", "10s")
	v.SetDefault("proxy.probe_targets", []string{
		"http://httpbin.org/ip",
		"http://checkip.amazonaws.com",
		"http://icanhazip.com",
	})
	v.SetDefault("proxy.failure_rate", 0.5)
	v.SetDefault("proxy.min_sample_count", int64(10))

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.drop_pct", 10.0)
	v.SetDefault("alerting.channel_timeout", "30s")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.from", "noreply@pricetracker.local")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "30s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("scraper.concurrency must be greater than zero")
	}
	if c.Scraper.BatchLimit <= 0 {
		return fmt.Errorf("scraper.batch_limit must be greater than zero")
	}
	if c.Scraper.ErrorCeiling <= 0 {
		return fmt.Errorf("scraper.error_ceiling must be greater than zero")
	}
	if c.Proxy.FailureRate <= 0 || c.Proxy.FailureRate >= 1 {
		return fmt.Errorf("proxy.failure_rate must be within (0, 1)")
	}
	if c.Alerting.DropPct < 0 {
		return fmt.Errorf("alerting.drop_pct cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host 必须配置")
		}
		if c.Alerting.Email.To == "" {
			return fmt.Errorf("alerting.email.to 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url 必须配置")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
