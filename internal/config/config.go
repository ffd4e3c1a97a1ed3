// Package config loads runtime configuration from an arbiter.yaml file and
// ARBITER_* environment overrides, with defaults matching the documented
// behavior of each engine.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP/WebSocket ingress.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
	Debug      bool   `mapstructure:"debug"`
}

// NATSConfig configures the durable queue and event channels. An empty URL
// selects the in-process queue used in standalone mode and tests.
type NATSConfig struct {
	URL        string `mapstructure:"url"`
	TaskStream string `mapstructure:"task_stream"`
}

// BudgetConfig holds the spend ceilings.
type BudgetConfig struct {
	SessionCeilingUSD float64 `mapstructure:"session_ceiling_usd"`
	HourlyCapUSD      float64 `mapstructure:"hourly_cap_usd"`
}

// BreakerConfig holds the per-task and per-provider trip thresholds.
type BreakerConfig struct {
	MaxIterations      int           `mapstructure:"max_iterations"`
	MaxNoProgress      int           `mapstructure:"max_no_progress"`
	DuplicateThreshold float64       `mapstructure:"duplicate_threshold"`
	DuplicateWindow    int           `mapstructure:"duplicate_window"`
	ProviderWindow     time.Duration `mapstructure:"provider_window"`
	RecoveryDelay      time.Duration `mapstructure:"recovery_delay"`
}

// ApprovalConfig holds the pause-and-poll parameters.
type ApprovalConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TimeoutAction string        `mapstructure:"timeout_action"` // "reject" | "auto_approve_low_risk"
	TrainingURL   string        `mapstructure:"training_url"`
}

// ProviderConfig declares one LLM provider registration.
type ProviderConfig struct {
	ID        string        `mapstructure:"id"`
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKeyRef string        `mapstructure:"api_key_ref"` // credential reference, never the key itself
	Model     string        `mapstructure:"model"`
	LocalOnly bool          `mapstructure:"local_only"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RouterConfig configures classification-keyed routing rules.
type RouterConfig struct {
	Rules map[string]string `mapstructure:"rules"` // classification -> provider id
}

// ReinforceConfig holds the learning-loop parameters.
type ReinforceConfig struct {
	Alpha          float64 `mapstructure:"alpha"`
	FreezeVariance float64 `mapstructure:"freeze_variance"`
}

// WorkerConfig sizes the durable-queue consumer.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// ObservabilityConfig enables tracing export.
type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// APLConfig schedules the periodic performance measurement.
type APLConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Config is the root runtime configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
	Approval      ApprovalConfig      `mapstructure:"approval"`
	Providers     []ProviderConfig    `mapstructure:"providers"`
	Router        RouterConfig        `mapstructure:"router"`
	Reinforce     ReinforceConfig     `mapstructure:"reinforce"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	APL           APLConfig           `mapstructure:"apl"`

	AgentID     string `mapstructure:"agent_id"`
	CompanyID   string `mapstructure:"company_id"`
	CompanyGoal string `mapstructure:"company_goal"`

	InterruptTTL  time.Duration `mapstructure:"interrupt_ttl"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	LogLevel      string        `mapstructure:"log_level"`
	PolicyPath    string        `mapstructure:"policy_path"`
	SkillsDir     string        `mapstructure:"skills_dir"`
	MemoryDir     string        `mapstructure:"memory_dir"`
	CredentialKey string        `mapstructure:"credential_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7700)
	v.SetDefault("server.enable_cors", true)

	v.SetDefault("nats.task_stream", "TASKS")

	v.SetDefault("budget.session_ceiling_usd", 50.0)
	v.SetDefault("budget.hourly_cap_usd", 20.0)

	v.SetDefault("breaker.max_iterations", 25)
	v.SetDefault("breaker.max_no_progress", 5)
	v.SetDefault("breaker.duplicate_threshold", 0.85)
	v.SetDefault("breaker.duplicate_window", 5)
	v.SetDefault("breaker.provider_window", time.Minute)
	v.SetDefault("breaker.recovery_delay", 30*time.Second)

	v.SetDefault("approval.poll_interval", 5*time.Second)
	v.SetDefault("approval.timeout", 4*time.Hour)
	v.SetDefault("approval.timeout_action", "reject")

	v.SetDefault("reinforce.alpha", 0.05)
	v.SetDefault("reinforce.freeze_variance", 0.6)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff", 2*time.Second)

	v.SetDefault("observability.service_name", "arbiter")

	v.SetDefault("apl.enabled", true)
	v.SetDefault("apl.schedule", "@hourly")

	v.SetDefault("agent_id", "agent-main")
	v.SetDefault("company_id", "company-main")

	v.SetDefault("interrupt_ttl", time.Hour)
	v.SetDefault("heartbeat", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("policy_path", "policy.yaml")
}

// Load reads configuration from path (or the default search locations when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("arbiter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arbiter")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if ok := errors.As(err, &notFound); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine; defaults plus env carry standalone mode.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Breaker.MaxIterations < 1 {
		return fmt.Errorf("breaker.max_iterations must be >= 1, got %d", c.Breaker.MaxIterations)
	}
	switch c.Approval.TimeoutAction {
	case "", "reject", "auto_approve_low_risk":
	default:
		return fmt.Errorf("approval.timeout_action must be reject or auto_approve_low_risk, got %q", c.Approval.TimeoutAction)
	}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
	}
	return nil
}
