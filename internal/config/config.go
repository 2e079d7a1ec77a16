package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"dcabot/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Market    MarketConfig    `mapstructure:"market"`
	Venues    []VenueConfig   `mapstructure:"venues"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Import    ImportConfig    `mapstructure:"import"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig enables the shared execution lock and balance cache when Addr
// is set.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	BalanceTTL time.Duration `mapstructure:"balance_ttl"`
}

// SchedulerConfig governs the due-plan polling loop.
type SchedulerConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	AlignToInterval       bool          `mapstructure:"align_to_interval"`
	StartupDelay          time.Duration `mapstructure:"startup_delay"`
	Timezone              string        `mapstructure:"timezone"`
	MinWakeDelay          time.Duration `mapstructure:"min_wake_delay"`
	AdvisoryLockNamespace int32         `mapstructure:"advisory_lock_namespace"`
}

// Location resolves Timezone, defaulting to UTC.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// ExecutionConfig bounds venue calls made while running a plan.
type ExecutionConfig struct {
	BalanceTimeout          time.Duration `mapstructure:"balance_timeout"`
	OrderTimeout            time.Duration `mapstructure:"order_timeout"`
	WithdrawTimeout         time.Duration `mapstructure:"withdraw_timeout"`
	MarketTimeout           time.Duration `mapstructure:"market_timeout"`
	NotifyTimeout           time.Duration `mapstructure:"notify_timeout"`
	PersistTimeout          time.Duration `mapstructure:"persist_timeout"`
	Workers                 int           `mapstructure:"workers"`
	LowBalanceThresholdDays float64       `mapstructure:"low_balance_threshold_days"`
	DefaultPrecision        int32         `mapstructure:"default_precision"`
	// EVMAssets lists assets whose withdrawal address must be a 0x address.
	EVMAssets []string `mapstructure:"evm_assets"`
}

// LowBalanceThreshold returns the threshold as a decimal.
func (e ExecutionConfig) LowBalanceThreshold() decimal.Decimal {
	return decimal.NewFromFloat(e.LowBalanceThresholdDays)
}

// MarketConfig covers the public market-data endpoints.
type MarketConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CoinGeckoBaseURL string        `mapstructure:"coingecko_base_url"`
	FearGreedURL     string        `mapstructure:"fear_greed_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// VenueConfig registers an exchange client. Only the "paper" kind ships
// with the binary.
type VenueConfig struct {
	Name      string            `mapstructure:"name"`
	Kind      string            `mapstructure:"kind"`
	Balances  map[string]string `mapstructure:"balances"`
	Prices    map[string]string `mapstructure:"prices"`
	FeeRate   string            `mapstructure:"fee_rate"`
	MinOrder  string            `mapstructure:"min_order"`
	Precision int32             `mapstructure:"precision"`
	PageSize  int               `mapstructure:"page_size"`
	// SettleDelay leaves paper orders PENDING until it elapses.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
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

// ImportConfig paces trade-history backfills.
type ImportConfig struct {
	PageRatePerSec float64       `mapstructure:"page_rate_per_sec"`
	PageTimeout    time.Duration `mapstructure:"page_timeout"`
	MaxPages       int           `mapstructure:"max_pages"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DCABOT")
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
	if len(cfg.Venues) == 0 {
		cfg.Venues = []VenueConfig{DefaultPaperVenue()}
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
	v.SetDefault("app.name", "dcabot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("redis.key_prefix", "dcabot:")
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("redis.balance_ttl", "168h")

	v.SetDefault("scheduler.poll_interval", "1m")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.min_wake_delay", "5s")
	v.SetDefault("scheduler.advisory_lock_namespace", int32(0x44434142))

	v.SetDefault("execution.balance_timeout", "10s")
	v.SetDefault("execution.order_timeout", "30s")
	v.SetDefault("execution.withdraw_timeout", "30s")
	v.SetDefault("execution.market_timeout", "10s")
	v.SetDefault("execution.notify_timeout", "10s")
	v.SetDefault("execution.persist_timeout", "15s")
	v.SetDefault("execution.workers", 4)
	v.SetDefault("execution.low_balance_threshold_days", 7.0)
	v.SetDefault("execution.default_precision", 2)
	v.SetDefault("execution.evm_assets", []string{"ETH", "USDC", "USDT"})

	v.SetDefault("market.enabled", true)
	v.SetDefault("market.coingecko_base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.fear_greed_url", "https://api.alternative.me/fng/")
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.cache_ttl", "1h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("import.page_rate_per_sec", 2.0)
	v.SetDefault("import.page_timeout", "30s")
	v.SetDefault("import.max_pages", 10000)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

// DefaultPaperVenue is used when no venue is configured so the binary runs
// out of the box.
func DefaultPaperVenue() VenueConfig {
	return VenueConfig{
		Name:      "paper",
		Kind:      "paper",
		Balances:  map[string]string{"EUR": "1000", "USD": "1000"},
		FeeRate:   "0.001",
		MinOrder:  "1",
		Precision: 2,
		PageSize:  100,
	}
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
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}
	if c.Execution.Workers <= 0 {
		return fmt.Errorf("execution.workers must be greater than zero")
	}
	// each running plan pins one pooled connection for its advisory lock and
	// needs another for its reads and writes
	if c.Database.DSN != "" && c.Database.MaxOpenConns > 0 && c.Execution.Workers >= c.Database.MaxOpenConns {
		return fmt.Errorf("execution.workers (%d) must be below database.max_open_conns (%d)", c.Execution.Workers, c.Database.MaxOpenConns)
	}
	if c.Execution.BalanceTimeout <= 0 || c.Execution.OrderTimeout <= 0 || c.Execution.WithdrawTimeout <= 0 {
		return fmt.Errorf("execution timeouts must be greater than zero")
	}
	if c.Execution.LowBalanceThresholdDays < 0 {
		return fmt.Errorf("execution.low_balance_threshold_days cannot be negative")
	}
	if c.Import.MaxPages <= 0 {
		return fmt.Errorf("import.max_pages must be greater than zero")
	}
	if c.Import.PageRatePerSec < 0 {
		return fmt.Errorf("import.page_rate_per_sec cannot be negative")
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= c.Execution.OrderTimeout {
		return fmt.Errorf("redis.lock_ttl must exceed execution.order_timeout")
	}

	seen := make(map[string]struct{}, len(c.Venues))
	for i, venue := range c.Venues {
		if venue.Name == "" {
			return fmt.Errorf("venues[%d].name is required", i)
		}
		if _, dup := seen[venue.Name]; dup {
			return fmt.Errorf("venues[%d]: duplicate venue %q", i, venue.Name)
		}
		seen[venue.Name] = struct{}{}
		if venue.Kind != "" && venue.Kind != "paper" {
			return fmt.Errorf("venues[%d]: unsupported kind %q", i, venue.Kind)
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

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
