package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"pricewatch/internal/analyzer"
	"pricewatch/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. PRICEWATCH_DATABASE_DSN.
const EnvPrefix = "PRICEWATCH"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Pacing     PacingConfig     `mapstructure:"pacing"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Sites      []SiteConfig     `mapstructure:"sites"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Categories CategoriesConfig `mapstructure:"categories"`
	GlobalScan GlobalScanConfig `mapstructure:"global_scan"`
	Compare    CompareConfig    `mapstructure:"compare"`
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer"`
	Export     ExportConfig     `mapstructure:"export"`
	API        APIConfig        `mapstructure:"api"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the store. Driver is sqlite (default) or postgres.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// IsPostgres reports whether the postgres store is selected.
func (d DatabaseConfig) IsPostgres() bool {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql", "pgx":
		return true
	}
	return false
}

// JobConfig is the cadence of one scan job.
type JobConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig governs job cadence.
type SchedulerConfig struct {
	AlignToStart    bool          `mapstructure:"align_to_start"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Items           JobConfig     `mapstructure:"items"`
	Categories      JobConfig     `mapstructure:"categories"`
	Global          JobConfig     `mapstructure:"global"`
	Compare         JobConfig     `mapstructure:"compare"`
}

// PacingConfig spaces requests between scan targets.
type PacingConfig struct {
	ItemPause     time.Duration `mapstructure:"item_pause"`
	CategoryPause time.Duration `mapstructure:"category_pause"`
	GlobalPause   time.Duration `mapstructure:"global_pause"`
	BackoffMin    time.Duration `mapstructure:"backoff_min"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

// AlertingConfig defines detection thresholds and delivery.
type AlertingConfig struct {
	Enabled              bool           `mapstructure:"enabled"`
	BigDiscountThreshold float64        `mapstructure:"big_discount_threshold"`
	PriceErrorThreshold  float64        `mapstructure:"price_error_threshold"`
	MinPriceForError     float64        `mapstructure:"min_price_for_error"`
	Cooldown             time.Duration  `mapstructure:"cooldown"`
	Retention            time.Duration  `mapstructure:"retention"`
	Parallelism          int            `mapstructure:"parallelism"`
	Telegram             TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。The chat id is the subscriber id.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SiteConfig describes one retailer.
type SiteConfig struct {
	Name      string `mapstructure:"name"`
	ItemURL   string `mapstructure:"item_url"`
	SearchURL string `mapstructure:"search_url"`
	// Loader is http (default) or headless.
	Loader string `mapstructure:"loader"`
}

// HTTPConfig tunes the plain HTTP page loader.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// HeadlessConfig tunes the browser page loader.
type HeadlessConfig struct {
	ControlURL  string        `mapstructure:"control_url"`
	PageTimeout time.Duration `mapstructure:"page_timeout"`
}

// CategoriesConfig bounds category sweeps.
type CategoriesConfig struct {
	MaxItems int `mapstructure:"max_items"`
}

// GlobalScanConfig lists the popular queries swept by the global job.
type GlobalScanConfig struct {
	Queries          []string `mapstructure:"queries"`
	MaxItems         int      `mapstructure:"max_items"`
	NotifySubscriber int64    `mapstructure:"notify_subscriber"`
}

// CompareConfig bounds cross-site comparisons.
type CompareConfig struct {
	MaxItems int `mapstructure:"max_items"`
}

// AnalyzerConfig overrides the expected price table.
type AnalyzerConfig struct {
	Ranges []analyzer.RangeRule `mapstructure:"ranges"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "pricewatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.align_to_start", false)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.items.enabled", true)
	v.SetDefault("scheduler.items.interval", "30m")
	v.SetDefault("scheduler.categories.enabled", true)
	v.SetDefault("scheduler.categories.interval", "1h")
	v.SetDefault("scheduler.global.enabled", false)
	v.SetDefault("scheduler.global.interval", "6h")
	v.SetDefault("scheduler.compare.enabled", true)
	v.SetDefault("scheduler.compare.interval", "6h")

	v.SetDefault("pacing.item_pause", "2s")
	v.SetDefault("pacing.category_pause", "3s")
	v.SetDefault("pacing.global_pause", "5s")
	v.SetDefault("pacing.backoff_min", "5s")
	v.SetDefault("pacing.backoff_max", "300s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.big_discount_threshold", 30.0)
	v.SetDefault("alerting.price_error_threshold", 0.5)
	v.SetDefault("alerting.min_price_for_error", 10.0)
	v.SetDefault("alerting.cooldown", "24h")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.parallelism", 4)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("http.timeout", "20s")
	v.SetDefault("http.rate_per_second", 0.5)
	v.SetDefault("http.rate_burst", 1)
	v.SetDefault("http.respect_robots", true)

	v.SetDefault("headless.page_timeout", "30s")

	v.SetDefault("categories.max_items", 30)
	v.SetDefault("global_scan.max_items", 20)
	v.SetDefault("compare.max_items", 10)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("api.addr", ":8080")
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	for name, job := range c.Scheduler.Jobs() {
		if job.Enabled && job.Interval <= 0 {
			return fmt.Errorf("scheduler.%s.interval must be greater than zero", name)
		}
	}
	if c.Alerting.BigDiscountThreshold <= 0 || c.Alerting.BigDiscountThreshold > 100 {
		return fmt.Errorf("alerting.big_discount_threshold must be in (0, 100]")
	}
	if c.Alerting.PriceErrorThreshold <= 0 || c.Alerting.PriceErrorThreshold > 1 {
		return fmt.Errorf("alerting.price_error_threshold must be in (0, 1]")
	}
	if c.Alerting.MinPriceForError < 0 {
		return fmt.Errorf("alerting.min_price_for_error cannot be negative")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
	}
	seen := make(map[string]bool, len(c.Sites))
	for i, site := range c.Sites {
		name := strings.ToLower(strings.TrimSpace(site.Name))
		if name == "" {
			return fmt.Errorf("sites[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("sites[%d]: duplicate site %q", i, name)
		}
		seen[name] = true
		if !strings.Contains(site.SearchURL, "%s") {
			return fmt.Errorf("sites[%d].search_url must contain %%s", i)
		}
		switch strings.ToLower(site.Loader) {
		case "", "http", "headless":
		default:
			return fmt.Errorf("sites[%d].loader %q must be http or headless", i, site.Loader)
		}
	}
	for i, rule := range c.Analyzer.Ranges {
		if rule.Min < 0 || rule.Max < rule.Min {
			return fmt.Errorf("analyzer.ranges[%d]: invalid range %v-%v", i, rule.Min, rule.Max)
		}
	}
	return nil
}

// Jobs returns the per-job cadence keyed by job name.
func (s SchedulerConfig) Jobs() map[string]JobConfig {
	return map[string]JobConfig{
		"items":      s.Items,
		"categories": s.Categories,
		"global":     s.Global,
		"compare":    s.Compare,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
