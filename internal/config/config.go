package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"dropwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Acquire   AcquireConfig             `mapstructure:"acquire"`
	Retailers map[string]RetailerConfig `mapstructure:"retailers"`
	Catalog   CatalogConfig             `mapstructure:"catalog"`
	Scan      ScanConfig                `mapstructure:"scan"`
	HotWindow HotWindowConfig           `mapstructure:"hotwindow"`
	Predict   PredictConfig             `mapstructure:"predict"`
	Trainer   TrainerConfig             `mapstructure:"trainer"`
	Health    HealthConfig              `mapstructure:"health"`
	Alerting  AlertingConfig            `mapstructure:"alerting"`
	Export    ExportConfig              `mapstructure:"export"`
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

// CacheConfig selects the key-value store for hot markers and the shared pacer.
type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// AcquireConfig tunes the outbound HTTP layer.
type AcquireConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RenderTimeout  time.Duration `mapstructure:"render_timeout"`
	RenderEndpoint string        `mapstructure:"render_endpoint"`
	RenderToken    string        `mapstructure:"render_token"`
	Proxies        []string      `mapstructure:"proxies"`
	ScrapeFloor    time.Duration `mapstructure:"scrape_floor"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	SharedPacer    bool          `mapstructure:"shared_pacer"`
}

// CallBudget is the time one escalated fetch may need: the politeness floor, the direct
// and rotated attempts, then the render.
func (a AcquireConfig) CallBudget() time.Duration {
	return a.ScrapeFloor + 2*a.RequestTimeout + a.RenderTimeout
}

// RetailerConfig overrides a built-in site profile. Unset fields keep the built-in value.
type RetailerConfig struct {
	Enabled           *bool  `mapstructure:"enabled"`
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	FetchDetail       *bool  `mapstructure:"fetch_detail"`
}

// CatalogConfig seeds the product reference table at startup.
type CatalogConfig struct {
	Products []ProductConfig `mapstructure:"products"`
}

// ProductConfig describes one watched product.
type ProductConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	UPC        string `mapstructure:"upc"`
	SKU        string `mapstructure:"sku"`
	Popularity int    `mapstructure:"popularity"`
}

// ScanConfig governs the adapter worker pool. A zero call_timeout is derived from
// AcquireConfig.CallBudget.
type ScanConfig struct {
	Workers      int           `mapstructure:"workers"`
	Interval     time.Duration `mapstructure:"interval"`
	HotInterval  time.Duration `mapstructure:"hot_interval"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	TopProducts  int           `mapstructure:"top_products"`
}

// HotWindowConfig governs the hot marker refresher.
type HotWindowConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	TopN            int           `mapstructure:"top_n"`
	Retailers       []string      `mapstructure:"retailers"`
	HorizonMinutes  int           `mapstructure:"horizon_minutes"`
	TopK            int           `mapstructure:"top_k"`
	Concurrency     int           `mapstructure:"concurrency"`
	PairTimeout     time.Duration `mapstructure:"pair_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// PredictConfig configures the prediction engine and its shadow classifier.
type PredictConfig struct {
	DefaultHorizonMinutes int          `mapstructure:"default_horizon_minutes"`
	DefaultTopK           int          `mapstructure:"default_top_k"`
	Shadow                ShadowConfig `mapstructure:"shadow"`
}

// ShadowConfig controls the logistic calibrator.
type ShadowConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Primary              bool          `mapstructure:"primary"`
	AllowUncalibrated    bool          `mapstructure:"allow_uncalibrated"`
	Threshold            float64       `mapstructure:"threshold"`
	CalibrationPath      string        `mapstructure:"calibration_path"`
	RecentWindow         time.Duration `mapstructure:"recent_window"`
	NormalizationCap     float64       `mapstructure:"normalization_cap"`
	AvailabilityLookback time.Duration `mapstructure:"availability_lookback"`
}

// TrainerConfig configures the batch model trainer.
type TrainerConfig struct {
	Schedule     string `mapstructure:"schedule"`
	HorizonDays  int    `mapstructure:"horizon_days"`
	MaxRows      int    `mapstructure:"max_rows"`
	ArtifactPath string `mapstructure:"artifact_path"`
	Calibrate    bool   `mapstructure:"calibrate"`
}

// HealthConfig configures the adapter health monitor.
type HealthConfig struct {
	Window    int `mapstructure:"window"`
	MinSample int `mapstructure:"min_sample"`
}

// AlertingConfig defines alert routing for adapter health transitions.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DROPWATCH")
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
	if cfg.Scan.CallTimeout == 0 {
		cfg.Scan.CallTimeout = cfg.Acquire.CallBudget()
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
	v.SetDefault("app.name", "dropwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("cache.key_prefix", "dropwatch:")

	v.SetDefault("acquire.request_timeout", "15s")
	v.SetDefault("acquire.render_timeout", "45s")
	v.SetDefault("acquire.scrape_floor", "3s")
	v.SetDefault("acquire.max_body_bytes", int64(4<<20))
	v.SetDefault("acquire.shared_pacer", false)

	v.SetDefault("scan.workers", 8)
	v.SetDefault("scan.interval", "10m")
	v.SetDefault("scan.hot_interval", "1m")
	v.SetDefault("scan.call_timeout", "0s")
	v.SetDefault("scan.retry_backoff", "2s")
	v.SetDefault("scan.top_products", 50)

	v.SetDefault("hotwindow.interval", "5m")
	v.SetDefault("hotwindow.align_to_bucket", true)
	v.SetDefault("hotwindow.startup_delay", "0s")
	v.SetDefault("hotwindow.top_n", 25)
	v.SetDefault("hotwindow.retailers", []string{"best-buy", "target", "walmart", "gamestop", "pokemon-center"})
	v.SetDefault("hotwindow.horizon_minutes", 180)
	v.SetDefault("hotwindow.top_k", 2)
	v.SetDefault("hotwindow.concurrency", 8)
	v.SetDefault("hotwindow.pair_timeout", "10s")
	v.SetDefault("hotwindow.advisory_lock_key", int64(0x64726f70))

	v.SetDefault("predict.default_horizon_minutes", 1440)
	v.SetDefault("predict.default_top_k", 3)
	v.SetDefault("predict.shadow.enabled", false)
	v.SetDefault("predict.shadow.primary", false)
	v.SetDefault("predict.shadow.allow_uncalibrated", false)
	v.SetDefault("predict.shadow.threshold", 0.5)
	v.SetDefault("predict.shadow.calibration_path", "models/calibration.yaml")
	v.SetDefault("predict.shadow.recent_window", "6h")
	v.SetDefault("predict.shadow.normalization_cap", 10.0)
	v.SetDefault("predict.shadow.availability_lookback", "168h")

	v.SetDefault("trainer.schedule", "0 15 3 * * *")
	v.SetDefault("trainer.horizon_days", 30)
	v.SetDefault("trainer.max_rows", 200000)
	v.SetDefault("trainer.artifact_path", "models/hour_model.json")
	v.SetDefault("trainer.calibrate", true)

	v.SetDefault("health.window", 100)
	v.SetDefault("health.min_sample", 5)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_rows", 5000)
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
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be greater than zero")
	}
	if c.Scan.Interval <= 0 || c.Scan.HotInterval <= 0 {
		return fmt.Errorf("scan.interval and scan.hot_interval must be greater than zero")
	}
	if c.HotWindow.Interval <= 0 {
		return fmt.Errorf("hotwindow.interval must be greater than zero")
	}
	if c.HotWindow.HorizonMinutes < 30 || c.HotWindow.HorizonMinutes > 1440 {
		return fmt.Errorf("hotwindow.horizon_minutes must be within [30, 1440]")
	}
	if c.HotWindow.TopK < 1 || c.HotWindow.TopK > 5 {
		return fmt.Errorf("hotwindow.top_k must be within [1, 5]")
	}
	if c.Predict.DefaultHorizonMinutes < 30 || c.Predict.DefaultHorizonMinutes > 1440 {
		return fmt.Errorf("predict.default_horizon_minutes must be within [30, 1440]")
	}
	if c.Predict.DefaultTopK < 1 || c.Predict.DefaultTopK > 5 {
		return fmt.Errorf("predict.default_top_k must be within [1, 5]")
	}
	if c.Predict.Shadow.Threshold < 0 || c.Predict.Shadow.Threshold > 1 {
		return fmt.Errorf("predict.shadow.threshold must be within [0, 1]")
	}
	if c.Trainer.HorizonDays <= 0 {
		return fmt.Errorf("trainer.horizon_days must be greater than zero")
	}
	if c.Trainer.MaxRows <= 0 {
		return fmt.Errorf("trainer.max_rows must be greater than zero")
	}
	if c.Acquire.RenderTimeout < c.Acquire.RequestTimeout {
		return fmt.Errorf("acquire.render_timeout must not be shorter than acquire.request_timeout")
	}
	if budget := c.Acquire.CallBudget(); c.Scan.CallTimeout < budget {
		return fmt.Errorf("scan.call_timeout %s is shorter than the acquisition budget %s", c.Scan.CallTimeout, budget)
	}
	seen := make(map[string]bool, len(c.Catalog.Products))
	for i, p := range c.Catalog.Products {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("catalog.products[%d] needs id and name", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("catalog.products: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for slug, rc := range c.Retailers {
		if rc.RequestsPerMinute < 0 {
			return fmt.Errorf("retailers.%s.requests_per_minute cannot be negative", slug)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Retailer returns the override for slug, reporting whether one is configured.
func (c *Config) Retailer(slug string) (RetailerConfig, bool) {
	rc, ok := c.Retailers[slug]
	return rc, ok
}

// ResolveExportRows returns either the CLI override or config default.
func (c *Config) ResolveExportRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
