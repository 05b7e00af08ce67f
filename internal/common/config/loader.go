// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml on top
// and lets environment variables override any key.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// PIPELINE_CONCURRENCY overrides pipeline.concurrency
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // env overlay is optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// expandEnvVars replaces ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets from well-known env names when the file left them blank.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Webhook.Secret == "" {
		if val := os.Getenv("WEBHOOK_SECRET"); val != "" {
			cfg.Webhook.Secret = val
		}
	}
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	for name, c := range cfg.Connectors {
		if c.APIKey == "" {
			envKey := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name)) + "_API_KEY"
			if val := os.Getenv(envKey); val != "" {
				c.APIKey = val
				cfg.Connectors[name] = c
			}
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "valuation-pipeline"
	}

	// Camunda defaults
	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.URL == "" && len(cfg.Database.Elasticsearch.Addresses) > 0 {
		cfg.Database.Elasticsearch.URL = cfg.Database.Elasticsearch.Addresses[0]
	}
	if cfg.Database.Redis.KeyPrefix == "" {
		cfg.Database.Redis.KeyPrefix = "vp:"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}

	// Pipeline defaults
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 8
	}
	if cfg.Pipeline.RunTimeout == 0 {
		cfg.Pipeline.RunTimeout = 30 * 60 * 1000
	}

	for name, c := range cfg.Connectors {
		if c.Kind == "" {
			c.Kind = "http"
		}
		if c.RatePerSecond == 0 {
			c.RatePerSecond = 5
		}
		if c.Burst == 0 {
			c.Burst = 1
		}
		if c.Timeout == 0 {
			c.Timeout = 10000
		}
		if c.Limit == 0 {
			c.Limit = 500
		}
		cfg.Connectors[name] = c
	}

	if cfg.MarketData.CompsIndex == "" {
		cfg.MarketData.CompsIndex = "comparables"
	}
	if cfg.MarketData.CompsCount == 0 {
		cfg.MarketData.CompsCount = 200
	}
	if cfg.MarketData.Timeout == 0 {
		cfg.MarketData.Timeout = 10000
	}

	// Cache TTLs in seconds
	if cfg.Cache.RawTTL == 0 {
		cfg.Cache.RawTTL = 15 * 60
	}
	if cfg.Cache.MacroTTL == 0 {
		cfg.Cache.MacroTTL = 6 * 3600
	}
	if cfg.Cache.FundamentalsTTL == 0 {
		cfg.Cache.FundamentalsTTL = 24 * 3600
	}
	if cfg.Cache.CompsTTL == 0 {
		cfg.Cache.CompsTTL = 6 * 3600
	}
	if cfg.Cache.BacktestTTL == 0 {
		cfg.Cache.BacktestTTL = 24 * 3600
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker.Window = 60000
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30000
	}

	if cfg.Freshness.MacroDays == 0 {
		cfg.Freshness.MacroDays = 7
	}
	if cfg.Freshness.FundamentalsDays == 0 {
		cfg.Freshness.FundamentalsDays = 90
	}
	if cfg.Freshness.CompsDays == 0 {
		cfg.Freshness.CompsDays = 180
	}

	if cfg.Valuation.MinComps == 0 {
		cfg.Valuation.MinComps = 8
	}
	if cfg.Valuation.TopN == 0 {
		cfg.Valuation.TopN = 5
	}
	if cfg.Valuation.DefaultBand == 0 {
		cfg.Valuation.DefaultBand = 0.10
	}
	if cfg.Valuation.BacktestMinPoints == 0 {
		cfg.Valuation.BacktestMinPoints = 50
	}
	if cfg.Valuation.StaleCompMonths == 0 {
		cfg.Valuation.StaleCompMonths = 18
	}
	if cfg.Valuation.RatePassThrough == 0 {
		cfg.Valuation.RatePassThrough = 0.5
	}

	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Webhook.BaseDelay == 0 {
		cfg.Webhook.BaseDelay = 500
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10000
	}
	if cfg.Webhook.MaxClockSkew == 0 {
		cfg.Webhook.MaxClockSkew = 5 * 60 * 1000
	}
	if cfg.Webhook.BreakerThreshold == 0 {
		cfg.Webhook.BreakerThreshold = 5
	}
	if cfg.Webhook.BreakerCooldown == 0 {
		cfg.Webhook.BreakerCooldown = 30000
	}
	if cfg.Webhook.MaxInFlight == 0 {
		cfg.Webhook.MaxInFlight = 16
	}

	if cfg.Persistence.BatchSize == 0 {
		cfg.Persistence.BatchSize = 100
	}

	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = ":8080"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Camunda.Enabled && cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required when camunda is enabled")
	}

	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if len(cfg.Database.Elasticsearch.Addresses) == 0 && cfg.Database.Elasticsearch.URL == "" {
		return fmt.Errorf("database.elasticsearch.addresses or url is required")
	}

	if cfg.Cache.UseRedis && cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required when cache.use_redis is set")
	}

	if cfg.Pipeline.MaxProperties < 0 {
		return fmt.Errorf("pipeline.max_properties must not be negative")
	}
	if cfg.Pipeline.EnableWebhooks && cfg.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when pipeline.enable_webhooks is set")
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required when webhook.url is set")
	}
	if cfg.Webhook.MaxAttempts > 5 {
		return fmt.Errorf("webhook.max_attempts must be at most 5")
	}

	for name, c := range cfg.Connectors {
		switch c.Kind {
		case "http":
			if c.Enabled && c.BaseURL == "" {
				return fmt.Errorf("connectors.%s.base_url is required", name)
			}
		case "postgres":
			if c.Enabled && c.Table == "" {
				return fmt.Errorf("connectors.%s.table is required", name)
			}
		default:
			return fmt.Errorf("connectors.%s.kind %q is not supported", name, c.Kind)
		}
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetSeconds converts seconds from config to time.Duration
func GetSeconds(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// GetDays converts a freshness window in days to time.Duration
func GetDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}
