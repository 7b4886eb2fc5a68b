package config

import (
	"github.com/inam6565/application-as-service/internal/engine/executor"
	"github.com/inam6565/application-as-service/internal/engine/health"
	"github.com/inam6565/application-as-service/internal/engine/reconcile"
	"github.com/inam6565/application-as-service/internal/engine/retry"
	redisclient "github.com/inam6565/application-as-service/internal/infra/redis"
	"github.com/inam6565/application-as-service/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig           `yaml:"server"`
	Logging    LoggingConfig          `yaml:"logging"`
	Database   postgres.Config        `yaml:"database"`
	Redis      redisclient.Config     `yaml:"redis"`
	Executor   executor.Config        `yaml:"executor"`
	Retry      RetryConfig            `yaml:"retry"`
	Health     health.Config          `yaml:"health"`
	Reconciler reconcile.Config       `yaml:"reconciler"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetryConfig holds retry coordinator settings plus the policy knobs the
// coordinator shares with the classifier and the backoff schedule.
type RetryConfig struct {
	Coordinator retry.CoordinatorConfig `yaml:",inline"`

	// MaxRetries is the default retry budget for new executions.
	MaxRetries int `yaml:"max_retries"`

	// BackoffSeconds is the retry delay schedule. Empty uses 10/30/90.
	BackoffSeconds []int `yaml:"backoff_seconds"`

	// JitterFraction, when > 0, spreads each delay by up to this fraction
	// to break up synchronized retry storms.
	JitterFraction float64 `yaml:"jitter_fraction"`

	// Pattern lists for the error classifier. Empty uses the defaults.
	PermanentPatterns []string `yaml:"permanent_patterns"`
	TransientPatterns []string `yaml:"transient_patterns"`
}
