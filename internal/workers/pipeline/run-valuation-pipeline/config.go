// internal/workers/pipeline/run-valuation-pipeline/config.go
package runvaluationpipeline

import (
	"time"

	"valuation-pipeline/internal/common/config"
)

type Config struct {
	Timeout  time.Duration
	Defaults config.PipelineConfig
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		Timeout:  config.GetDuration(cfg.Pipeline.RunTimeout),
		Defaults: cfg.Pipeline,
	}
}
