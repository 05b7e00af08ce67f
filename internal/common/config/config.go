// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig                  `mapstructure:"app"`
	Camunda       CamundaConfig              `mapstructure:"camunda"`
	Database      DatabaseConfig             `mapstructure:"database"`
	Workers       map[string]WorkerConfig    `mapstructure:"workers"`
	Pipeline      PipelineConfig             `mapstructure:"pipeline"`
	Connectors    map[string]ConnectorConfig `mapstructure:"connectors"`
	MarketData    MarketDataConfig           `mapstructure:"market_data"`
	Cache         CacheConfig                `mapstructure:"cache"`
	Breaker       BreakerConfig              `mapstructure:"breaker"`
	Freshness     FreshnessConfig            `mapstructure:"freshness"`
	Valuation     ValuationConfig            `mapstructure:"valuation"`
	Webhook       WebhookConfig              `mapstructure:"webhook"`
	Persistence   PersistenceConfig          `mapstructure:"persistence"`
	Notifications NotificationConfig         `mapstructure:"notifications"`
	HTTP          HTTPConfig                 `mapstructure:"http"`
	Logging       LoggingConfig              `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"` // Single URL for backwards compatibility
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// WorkerConfig holds the core settings applicable to every job worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// --- Pipeline ---

// PipelineConfig holds run defaults. Callers may override per run.
type PipelineConfig struct {
	Concurrency    int      `mapstructure:"concurrency"`
	MaxProperties  int      `mapstructure:"max_properties"`
	EnableWebhooks bool     `mapstructure:"enable_webhooks"`
	SkipStages     []string `mapstructure:"skip_stages"`
	DryRun         bool     `mapstructure:"dry_run"`
	Schedule       string   `mapstructure:"schedule"` // cron spec, empty disables
	Sources        []string `mapstructure:"sources"`
	RunTimeout     int      `mapstructure:"run_timeout"` // milliseconds
}

// ConnectorConfig configures one external property source.
type ConnectorConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Kind          string  `mapstructure:"kind"` // "http" or "postgres"
	BaseURL       string  `mapstructure:"base_url"`
	APIKey        string  `mapstructure:"api_key"`
	Table         string  `mapstructure:"table"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	Timeout       int     `mapstructure:"timeout"` // milliseconds
	Limit         int     `mapstructure:"limit"`
}

type MarketDataConfig struct {
	CompsIndex string                `mapstructure:"comps_index"`
	CompsCount int                   `mapstructure:"comps_count"`
	Timeout    int                   `mapstructure:"timeout"` // milliseconds
	Centroids  map[string][2]float64 `mapstructure:"centroids"`
}

// CacheConfig holds TTLs in seconds per cache category.
type CacheConfig struct {
	RawTTL          int  `mapstructure:"raw_ttl"`
	MacroTTL        int  `mapstructure:"macro_ttl"`
	FundamentalsTTL int  `mapstructure:"fundamentals_ttl"`
	CompsTTL        int  `mapstructure:"comps_ttl"`
	BacktestTTL     int  `mapstructure:"backtest_ttl"`
	UseRedis        bool `mapstructure:"use_redis"`
}

type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	Window           int `mapstructure:"window"`   // milliseconds
	Cooldown         int `mapstructure:"cooldown"` // milliseconds
}

// FreshnessConfig holds freshness windows in days per data category.
type FreshnessConfig struct {
	MacroDays        int `mapstructure:"macro_days"`
	FundamentalsDays int `mapstructure:"fundamentals_days"`
	CompsDays        int `mapstructure:"comps_days"`
}

type ValuationConfig struct {
	MinComps          int     `mapstructure:"min_comps"`
	TopN              int     `mapstructure:"top_n"`
	DefaultBand       float64 `mapstructure:"default_band"`
	BacktestMinPoints int     `mapstructure:"backtest_min_points"`
	StaleCompMonths   int     `mapstructure:"stale_comp_months"`
	RatePassThrough   float64 `mapstructure:"rate_pass_through"`
}

type WebhookConfig struct {
	URL              string `mapstructure:"url"`
	Secret           string `mapstructure:"secret"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BaseDelay        int    `mapstructure:"base_delay"`     // milliseconds
	Timeout          int    `mapstructure:"timeout"`        // milliseconds
	MaxClockSkew     int    `mapstructure:"max_clock_skew"` // milliseconds
	BreakerThreshold int    `mapstructure:"breaker_threshold"`
	BreakerCooldown  int    `mapstructure:"breaker_cooldown"` // milliseconds
	MaxInFlight      int    `mapstructure:"max_in_flight"`
}

type PersistenceConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// NotificationConfig holds settings for run alerts.
type NotificationConfig struct {
	AWS struct {
		Region      string   `mapstructure:"region"`
		SNSTopicARN string   `mapstructure:"sns_topic_arn"`
		SESFrom     string   `mapstructure:"ses_from"`
		SESTo       []string `mapstructure:"ses_to"`
	} `mapstructure:"aws"`
}

type HTTPConfig struct {
	Address       string  `mapstructure:"address"`
	RatePerSecond float64 `mapstructure:"rate_per_second"` // zero disables limiting
	Burst         int     `mapstructure:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}
