// Package config loads and validates governor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brightquery/ingest-governor/internal/governance"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig           `mapstructure:"server"`
	Auth    AuthConfig             `mapstructure:"auth"`
	Logging LoggingConfig          `mapstructure:"logging"`
	Gate    GateConfig             `mapstructure:"gate"`
	Limiter LimiterConfig          `mapstructure:"limiter"`
	Retry   map[string]RetryConfig `mapstructure:"retry"`
	Breaker BreakerConfig          `mapstructure:"breaker"`
	Domains map[string]DomainRule  `mapstructure:"domains"`
	DB      DBConfig               `mapstructure:"db"`
	PubSub  PubSubConfig           `mapstructure:"pubsub"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development mode.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// GateConfig governs compliance gate limits.
type GateConfig struct {
	UserAgent           string   `mapstructure:"user_agent"`
	AllowedPorts        []int    `mapstructure:"allowed_ports"`
	MaxRequestBytes     int64    `mapstructure:"max_request_bytes"`
	MaxURLLength        int      `mapstructure:"max_url_length"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
	DeniedCIDRs         []string `mapstructure:"denied_cidrs"`
	RobotsTTLHours      int      `mapstructure:"robots_ttl_hours"`
}

// LimiterConfig sets pacing defaults for domains without explicit rules.
type LimiterConfig struct {
	DefaultMinDelaySeconds int `mapstructure:"default_min_delay_seconds"`
	DefaultHourlyCap       int `mapstructure:"default_hourly_cap"`
}

// RetryConfig describes one error category's retry policy.
type RetryConfig struct {
	MaxRetries   int     `mapstructure:"max_retries"`
	BaseDelayMs  int     `mapstructure:"base_delay_ms"`
	MaxDelayMs   int     `mapstructure:"max_delay_ms"`
	Strategy     string  `mapstructure:"strategy"`
	JitterFactor float64 `mapstructure:"jitter_factor"`
}

// BreakerConfig sets circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
}

// DomainRule seeds the destination registry from configuration.
type DomainRule struct {
	Allowed              bool `mapstructure:"allowed"`
	MaxRequestsPerHour   int  `mapstructure:"max_requests_per_hour"`
	MinDelaySeconds      int  `mapstructure:"min_delay_seconds"`
	RequiresCredential   bool `mapstructure:"requires_credential"`
	CommercialUseAllowed bool `mapstructure:"commercial_use_allowed"`
}

// DBConfig controls access to the audit database. An empty DSN disables
// durable auditing.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for governance event notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from an optional file plus GOVERNOR_* environment
// overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("gate.user_agent", "brightquery-governor/0.1")
	v.SetDefault("gate.allowed_ports", []int{80, 443, 8080, 8443})
	v.SetDefault("gate.max_request_bytes", 10<<20)
	v.SetDefault("gate.max_url_length", 2048)
	v.SetDefault("gate.robots_ttl_hours", 24)
	v.SetDefault("limiter.default_min_delay_seconds", 1)
	v.SetDefault("limiter.default_hourly_cap", 100)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 60)
	v.SetDefault("pubsub.topic_name", "governance-events")
}

var knownCategories = map[string]struct{}{
	"network":      {},
	"timeout":      {},
	"rate_limit":   {},
	"server_error": {},
	"client_error": {},
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Gate.UserAgent == "" {
		return fmt.Errorf("gate.user_agent must be set")
	}
	if c.Gate.MaxRequestBytes <= 0 {
		return fmt.Errorf("gate.max_request_bytes must be > 0")
	}
	if c.Limiter.DefaultHourlyCap <= 0 {
		return fmt.Errorf("limiter.default_hourly_cap must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.CooldownSeconds <= 0 {
		return fmt.Errorf("breaker.cooldown_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for category, rc := range c.Retry {
		if _, ok := knownCategories[category]; !ok {
			return fmt.Errorf("retry.%s is not a recognised error category", category)
		}
		switch rc.Strategy {
		case "", "fixed", "linear", "exponential", "fibonacci":
		default:
			return fmt.Errorf("retry.%s.strategy %q is not supported", category, rc.Strategy)
		}
		if rc.MaxRetries < 0 {
			return fmt.Errorf("retry.%s.max_retries must be >= 0", category)
		}
		if rc.BaseDelayMs < 0 || rc.MaxDelayMs < 0 {
			return fmt.Errorf("retry.%s delays must be >= 0", category)
		}
	}
	for domain, rule := range c.Domains {
		if domain == "" {
			return fmt.Errorf("domains key must not be empty")
		}
		if rule.MaxRequestsPerHour < 0 || rule.MinDelaySeconds < 0 {
			return fmt.Errorf("domains.%s limits must be >= 0", domain)
		}
	}
	return nil
}

// RobotsTTL converts the robots cache TTL config into a duration.
func (c Config) RobotsTTL() time.Duration {
	return time.Duration(c.Gate.RobotsTTLHours) * time.Hour
}

// BreakerCooldown converts the breaker cooldown config into a duration.
func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownSeconds) * time.Second
}

// DefaultMinDelay converts the limiter default spacing into a duration.
func (c Config) DefaultMinDelay() time.Duration {
	return time.Duration(c.Limiter.DefaultMinDelaySeconds) * time.Second
}

// SeedRules converts configured domain rules into registry seed entries.
func (c Config) SeedRules() map[string]governance.ComplianceRule {
	out := make(map[string]governance.ComplianceRule, len(c.Domains))
	for domain, rule := range c.Domains {
		out[domain] = governance.ComplianceRule{
			Allowed:              rule.Allowed,
			MaxRequestsPerHour:   rule.MaxRequestsPerHour,
			MinDelay:             time.Duration(rule.MinDelaySeconds) * time.Second,
			RequiresCredential:   rule.RequiresCredential,
			CommercialUseAllowed: rule.CommercialUseAllowed,
		}
	}
	return out
}

// RetryPolicies converts configured retry categories into policy overrides.
// An empty map means the controller keeps its built-in defaults.
func (c Config) RetryPolicies() map[governance.ErrorCategory]governance.RetryPolicy {
	if len(c.Retry) == 0 {
		return nil
	}
	out := make(map[governance.ErrorCategory]governance.RetryPolicy, len(c.Retry))
	for category, rc := range c.Retry {
		strategy := governance.BackoffStrategy(rc.Strategy)
		if rc.Strategy == "" {
			strategy = governance.StrategyExponential
		}
		out[governance.ErrorCategory(category)] = governance.RetryPolicy{
			MaxRetries:   rc.MaxRetries,
			BaseDelay:    time.Duration(rc.BaseDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(rc.MaxDelayMs) * time.Millisecond,
			Strategy:     strategy,
			JitterFactor: rc.JitterFactor,
		}
	}
	return out
}
