package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration with priority order:
// 1. Environment variables (ACS_ prefix)
// 2. Configuration file (config.yaml)
// 3. Default values
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/acs/")
	v.AddConfigPath("./configs/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("ACS")

	setDefaults(v)

	// Config file is optional; env vars and defaults carry a bare deploy.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideWithEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// LoadFile loads configuration from one explicit file, used by the
// hot-reload watcher and tests.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("ACS")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	overrideWithEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// setDefaults sets reasonable default values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("environment", "development")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	// Rate limit defaults
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.key_strategy", "ip")
	v.SetDefault("ratelimit.default_policy.name", "default")
	v.SetDefault("ratelimit.default_policy.request_limit", 100)
	v.SetDefault("ratelimit.default_policy.window_seconds", 60)
	v.SetDefault("ratelimit.exclude_paths", []string{"/health", "/ready", "/metrics"})
	v.SetDefault("ratelimit.cache_ttl_seconds", 5)
	v.SetDefault("ratelimit.fail_open", true)

	// Storage defaults
	v.SetDefault("ratelimit.storage.kind", "memory")
	v.SetDefault("ratelimit.storage.address", "localhost:6379")
	v.SetDefault("ratelimit.storage.db", 0)
	v.SetDefault("ratelimit.storage.key_prefix", "acs:ratelimit:")
	v.SetDefault("ratelimit.storage.cleanup_interval_minutes", 5)

	// Monitor defaults
	v.SetDefault("monitor.interval_minutes", 1)
	v.SetDefault("monitor.cleanup_interval_minutes", 5)
	v.SetDefault("monitor.alert_threshold", 0.8)
	v.SetDefault("monitor.max_capacity", 100000)

	// Audit defaults
	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.key_prefix", "acs:audit:")
	v.SetDefault("audit.retention", 10000)
	v.SetDefault("audit.buffer_size", 8192)
	v.SetDefault("audit.batch_size", 64)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 0.1)

	// Tenancy defaults
	v.SetDefault("tenancy.default_tenant", "default")
}

// overrideWithEnvVars handles the short-form environment variables used in
// container deployments.
func overrideWithEnvVars(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("port", p)
		}
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		v.Set("environment", env)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		v.Set("log_level", logLevel)
	}

	// Valkey backend for the distributed store
	if addr := os.Getenv("VALKEY_ADDRESS"); addr != "" {
		v.Set("ratelimit.storage.address", addr)
		v.Set("ratelimit.storage.kind", "distributed")
	}

	if nodes := os.Getenv("VALKEY_NODES"); nodes != "" {
		parts := strings.Split(nodes, ",")
		for i, node := range parts {
			parts[i] = strings.TrimSpace(node)
		}
		v.Set("ratelimit.storage.nodes", parts)
		v.Set("ratelimit.storage.kind", "distributed")
	}

	if password := os.Getenv("VALKEY_PASSWORD"); password != "" {
		v.Set("ratelimit.storage.password", password)
	}

	if endpoint := os.Getenv("OTLP_ENDPOINT"); endpoint != "" {
		v.Set("tracing.endpoint", endpoint)
		v.Set("tracing.enabled", true)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", config.Port)
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLogLevels, config.LogLevel) {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	validEnvironments := []string{"development", "staging", "production", "test"}
	if !contains(validEnvironments, config.Environment) {
		return fmt.Errorf("invalid environment: %s", config.Environment)
	}

	if config.RateLimit.Enabled {
		if err := config.RateLimit.DefaultPolicy.Policy().Validate(); err != nil {
			return fmt.Errorf("invalid default rate-limit policy: %w", err)
		}
		for tenantID, policy := range config.RateLimit.TenantPolicies {
			if err := policy.Policy().Validate(); err != nil {
				return fmt.Errorf("invalid rate-limit policy for tenant %q: %w", tenantID, err)
			}
		}
		for _, ep := range config.RateLimit.EndpointPolicies {
			if ep.PathPrefix == "" {
				return fmt.Errorf("endpoint policy with empty path_prefix")
			}
			if err := ep.Policy.Policy().Validate(); err != nil {
				return fmt.Errorf("invalid rate-limit policy for endpoint %q: %w", ep.PathPrefix, err)
			}
		}

		switch config.RateLimit.KeyStrategy {
		case "ip", "user", "user_endpoint", "api_key", "combined":
		default:
			return fmt.Errorf("invalid key strategy: %s", config.RateLimit.KeyStrategy)
		}

		switch config.RateLimit.Storage.Kind {
		case "memory":
		case "distributed":
			if config.RateLimit.Storage.Address == "" && len(config.RateLimit.Storage.Nodes) == 0 {
				return fmt.Errorf("distributed storage requires an address or node list")
			}
		default:
			return fmt.Errorf("invalid storage kind: %s", config.RateLimit.Storage.Kind)
		}
	}

	if config.Monitor.AlertThreshold < 0 || config.Monitor.AlertThreshold > 1 {
		return fmt.Errorf("monitor alert threshold must be between 0 and 1")
	}

	switch config.Audit.Sink {
	case "valkey", "log", "memory":
	default:
		return fmt.Errorf("invalid audit sink: %s", config.Audit.Sink)
	}

	if config.Tracing.Enabled {
		if config.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint is required when tracing is enabled")
		}
		if config.Tracing.SampleRatio < 0 || config.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing sample ratio must be between 0 and 1")
		}
	}

	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
