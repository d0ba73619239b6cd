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

	"commodity-ratewatch/internal/logging"
	"commodity-ratewatch/internal/rates"
)

// Storage drivers.
const (
	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DriverClickHouse = "clickhouse"
	DriverMemory     = "memory"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig               `mapstructure:"app"`
	Logging   logging.Config          `mapstructure:"logging"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Ingestion IngestionConfig         `mapstructure:"ingestion"`
	Scraper   ScraperConfig           `mapstructure:"scraper"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
	Alerting  AlertingConfig          `mapstructure:"alerting"`
	API       APIConfig               `mapstructure:"api"`
	Metrics   MetricsConfig           `mapstructure:"metrics"`
	Export    ExportConfig            `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the price store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

// SchedulerConfig governs ingestion cadence.
type SchedulerConfig struct {
	Cron            string        `mapstructure:"cron"`
	Timezone        string        `mapstructure:"timezone"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// IngestionConfig bounds a single run.
type IngestionConfig struct {
	Workers       int      `mapstructure:"workers"`
	HistoryWindow int      `mapstructure:"history_window"`
	Commodities   []string `mapstructure:"commodities"`
}

// ScraperConfig tunes the shared HTTP path of all live fetchers.
type ScraperConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor   time.Duration `mapstructure:"breaker_open_for"`
	PageCacheTTL     time.Duration `mapstructure:"page_cache_ttl"`
	PageCacheEntries int           `mapstructure:"page_cache_entries"`
}

// SourceConfig describes where one commodity is scraped from.
type SourceConfig struct {
	BaseURL       string            `mapstructure:"base_url"`
	Cities        []string          `mapstructure:"cities"`
	SlugOverrides map[string]string `mapstructure:"slug_overrides"`
}

// AlertingConfig defines run notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// SlackConfig holds the incoming webhook target.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the read-only query server.
type APIConfig struct {
	Listen    string        `mapstructure:"listen"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// MetricsConfig names the prometheus namespace.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
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
	v.SetEnvPrefix("RATEWATCH")
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
	v.SetDefault("app.name", "ratewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.sqlite_path", "ratewatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.dial_timeout", "10s")

	v.SetDefault("scheduler.cron", "0 9 * * *")
	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72617465))
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.history_window", 30)
	v.SetDefault("ingestion.commodities", []string{"egg", "copra", "chicken"})

	v.SetDefault("scraper.timeout", "20s")
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (compatible; ratewatch/1.0)")
	v.SetDefault("scraper.max_retries", 2)
	v.SetDefault("scraper.backoff_base", "500ms")
	v.SetDefault("scraper.backoff_max", "5s")
	v.SetDefault("scraper.breaker_failures", 5)
	v.SetDefault("scraper.breaker_open_for", "1m")
	v.SetDefault("scraper.page_cache_ttl", "10m")
	v.SetDefault("scraper.page_cache_entries", 64)

	v.SetDefault("sources.egg.base_url", "https://eggpricetoday.com")
	v.SetDefault("sources.egg.cities", []string{"mumbai", "delhi", "bengaluru", "chennai", "hyderabad", "kolkata"})
	v.SetDefault("sources.copra.base_url", "https://dir.indiamart.com")
	v.SetDefault("sources.copra.cities", []string{
		"bengaluru", "chennai", "mumbai", "delhi", "hyderabad", "kolkata", "pune",
		"trivandrum", "surat", "kochi", "coimbatore", "mangaluru", "visakhapatnam",
		"madurai", "kozhikode", "ahmedabad", "indore", "pollachi", "tiptur", "mysore",
		"namakkal", "erode", "salem", "jaipur", "nagpur", "patna", "lucknow", "bhopal",
	})
	v.SetDefault("sources.copra.slug_overrides", map[string]string{
		"bengaluru":  "bangalore",
		"trivandrum": "thiruvananthapuram",
	})
	v.SetDefault("sources.chicken.base_url", "https://www.oneindia.com")
	v.SetDefault("sources.chicken.cities", []string{
		"mumbai", "chennai", "bengaluru", "hyderabad", "delhi", "kolkata", "ahmedabad",
		"madurai", "visakhapatnam", "lucknow", "vijayawada", "surat", "patna", "kochi",
		"jaipur", "mysore", "trivandrum", "vadodara", "nagpur", "coimbatore", "pune",
		"bhubaneswar", "nashik",
	})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"slack"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.cache_ttl", "1m")
	v.SetDefault("api.cache_size", 256)

	v.SetDefault("metrics.namespace", "ratewatch")

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
	switch c.Database.Driver {
	case DriverPostgres, DriverClickHouse:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for driver sqlite")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Ingestion.Workers <= 0 {
		return fmt.Errorf("ingestion.workers must be greater than zero")
	}
	if c.Ingestion.HistoryWindow <= 0 {
		return fmt.Errorf("ingestion.history_window must be greater than zero")
	}
	if _, err := rates.ParseCommodities(c.Ingestion.Commodities); err != nil {
		return fmt.Errorf("ingestion.commodities: %w", err)
	}
	if c.Scraper.Timeout <= 0 {
		return fmt.Errorf("scraper.timeout must be greater than zero")
	}
	if c.Scheduler.Cron == "" {
		return fmt.Errorf("scheduler.cron is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.slack.webhook_url is required when slack is enabled")
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

// Location resolves the scheduler timezone used to compute "today".
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// Source returns the source settings for a commodity.
func (c *Config) Source(commodity rates.Commodity) SourceConfig {
	return c.Sources[commodity.String()]
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
