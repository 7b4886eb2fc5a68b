package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/engine/executor"
	"github.com/inam6565/application-as-service/internal/engine/health"
	"github.com/inam6565/application-as-service/internal/engine/reconcile"
	"github.com/inam6565/application-as-service/internal/engine/retry"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every setting at its default.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	defaults := executor.DefaultConfig()
	if cfg.Executor.PollInterval == 0 {
		cfg.Executor.PollInterval = defaults.PollInterval
	}
	if cfg.Executor.BatchSize == 0 {
		cfg.Executor.BatchSize = defaults.BatchSize
	}
	if cfg.Executor.DeployTimeout == 0 {
		cfg.Executor.DeployTimeout = defaults.DeployTimeout
	}

	coordDefaults := retry.DefaultCoordinatorConfig()
	if cfg.Retry.Coordinator.PollInterval == 0 {
		cfg.Retry.Coordinator.PollInterval = coordDefaults.PollInterval
	}
	if cfg.Retry.Coordinator.BatchSize == 0 {
		cfg.Retry.Coordinator.BatchSize = coordDefaults.BatchSize
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = domain.DefaultMaxRetries
	}

	healthDefaults := health.DefaultConfig()
	if cfg.Health.PollInterval == 0 {
		cfg.Health.PollInterval = healthDefaults.PollInterval
	}
	if cfg.Health.HeartbeatTimeout == 0 {
		cfg.Health.HeartbeatTimeout = healthDefaults.HeartbeatTimeout
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = healthDefaults.ProbeTimeout
	}

	reconcileDefaults := reconcile.DefaultConfig()
	if cfg.Reconciler.PollInterval == 0 {
		cfg.Reconciler.PollInterval = reconcileDefaults.PollInterval
	}
	if cfg.Reconciler.RunningCeiling == 0 {
		cfg.Reconciler.RunningCeiling = reconcileDefaults.RunningCeiling
	}
	if cfg.Reconciler.StuckTimeout == 0 {
		cfg.Reconciler.StuckTimeout = reconcileDefaults.StuckTimeout
	}
}

// BackoffSchedule builds the retry schedule from config.
func (cfg *AppConfig) BackoffSchedule() retry.Schedule {
	schedule := retry.DefaultSchedule()
	if len(cfg.Retry.BackoffSeconds) > 0 {
		schedule.Delays = retry.SecondsToDelays(cfg.Retry.BackoffSeconds)
	}
	if cfg.Retry.JitterFraction > 0 {
		schedule.Jitter = retry.BoundedJitter(cfg.Retry.JitterFraction)
	}
	return schedule
}
