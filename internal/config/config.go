// Package config owns the service configuration: typed structs, the viper
// loader (file + ACS_ environment + defaults) and the fsnotify hot-reload
// watcher.
package config

import (
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitor"
	"github.com/platformbuilds/acs-core/internal/ratelimit"
)

// Config is the root configuration structure.
type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	Port        int    `mapstructure:"port" yaml:"port"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
	Monitor    MonitorConfig    `mapstructure:"monitor" yaml:"monitor"`
	Audit      AuditConfig      `mapstructure:"audit" yaml:"audit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Tenancy    TenancyConfig    `mapstructure:"tenancy" yaml:"tenancy"`
}

// RateLimitConfig is the ratelimit section.
type RateLimitConfig struct {
	Enabled          bool                    `mapstructure:"enabled" yaml:"enabled"`
	KeyStrategy      string                  `mapstructure:"key_strategy" yaml:"key_strategy"` // ip|user|user_endpoint|api_key|combined
	DefaultPolicy    PolicyConfig            `mapstructure:"default_policy" yaml:"default_policy"`
	TenantPolicies   map[string]PolicyConfig `mapstructure:"tenant_policies" yaml:"tenant_policies"`
	EndpointPolicies []EndpointPolicyConfig  `mapstructure:"endpoint_policies" yaml:"endpoint_policies"`
	ExcludePaths     []string                `mapstructure:"exclude_paths" yaml:"exclude_paths"`
	Storage          StorageConfig           `mapstructure:"storage" yaml:"storage"`
	CacheTTLSeconds  int                     `mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	FailOpen         bool                    `mapstructure:"fail_open" yaml:"fail_open"`
}

// PolicyConfig is one named sliding-window policy.
type PolicyConfig struct {
	Name          string `mapstructure:"name" yaml:"name"`
	RequestLimit  int    `mapstructure:"request_limit" yaml:"request_limit"`
	WindowSeconds int    `mapstructure:"window_seconds" yaml:"window_seconds"`
}

// Policy converts to the limiter's policy type.
func (p PolicyConfig) Policy() models.RateLimitPolicy {
	return models.RateLimitPolicy{
		Name:         p.Name,
		RequestLimit: p.RequestLimit,
		Window:       time.Duration(p.WindowSeconds) * time.Second,
	}
}

// EndpointPolicyConfig binds a policy to a path prefix and method set.
// Order matters: the first matching entry wins.
type EndpointPolicyConfig struct {
	PathPrefix string       `mapstructure:"path_prefix" yaml:"path_prefix"`
	Methods    []string     `mapstructure:"methods" yaml:"methods"`
	Policy     PolicyConfig `mapstructure:"policy" yaml:"policy"`
}

// StorageConfig selects the rate-limit store backend.
type StorageConfig struct {
	Kind                   string   `mapstructure:"kind" yaml:"kind"` // memory|distributed
	Address                string   `mapstructure:"address" yaml:"address"`
	Nodes                  []string `mapstructure:"nodes" yaml:"nodes"`
	Password               string   `mapstructure:"password" yaml:"password"`
	DB                     int      `mapstructure:"db" yaml:"db"`
	KeyPrefix              string   `mapstructure:"key_prefix" yaml:"key_prefix"`
	CleanupIntervalMinutes int      `mapstructure:"cleanup_interval_minutes" yaml:"cleanup_interval_minutes"`
}

// MonitorConfig tunes the background loops.
type MonitorConfig struct {
	IntervalMinutes        int     `mapstructure:"interval_minutes" yaml:"interval_minutes"`
	CleanupIntervalMinutes int     `mapstructure:"cleanup_interval_minutes" yaml:"cleanup_interval_minutes"`
	AlertThreshold         float64 `mapstructure:"alert_threshold" yaml:"alert_threshold"`
	MaxCapacity            int64   `mapstructure:"max_capacity" yaml:"max_capacity"`
}

// AuditConfig selects and sizes the audit pipeline.
type AuditConfig struct {
	Sink       string `mapstructure:"sink" yaml:"sink"` // valkey|log|memory
	KeyPrefix  string `mapstructure:"key_prefix" yaml:"key_prefix"`
	Retention  int64  `mapstructure:"retention" yaml:"retention"` // events kept per tenant
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	BatchSize  int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// MonitoringConfig controls metrics exposure.
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// TenancyConfig tunes tenant resolution.
type TenancyConfig struct {
	DefaultTenant string `mapstructure:"default_tenant" yaml:"default_tenant"`
}

// ResolverConfig assembles the limiter policy table from the ratelimit
// section.
func (c RateLimitConfig) ResolverConfig() ratelimit.ResolverConfig {
	tenants := make(map[string]models.RateLimitPolicy, len(c.TenantPolicies))
	for tenantID, policy := range c.TenantPolicies {
		tenants[tenantID] = policy.Policy()
	}
	endpoints := make([]ratelimit.EndpointPolicy, 0, len(c.EndpointPolicies))
	for _, ep := range c.EndpointPolicies {
		endpoints = append(endpoints, ratelimit.EndpointPolicy{
			PathPrefix: ep.PathPrefix,
			Methods:    append([]string(nil), ep.Methods...),
			Policy:     ep.Policy.Policy(),
		})
	}
	return ratelimit.ResolverConfig{
		Enabled:          c.Enabled,
		DefaultPolicy:    c.DefaultPolicy.Policy(),
		TenantPolicies:   tenants,
		EndpointPolicies: endpoints,
		ExcludePaths:     append([]string(nil), c.ExcludePaths...),
	}
}

// CacheTTL returns the limiter's local snapshot cache TTL.
func (c RateLimitConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// CleanupInterval returns the storage sweep cadence.
func (c StorageConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// Options converts to the monitor's option set.
func (c MonitorConfig) Options() monitor.Options {
	return monitor.Options{
		Interval:        time.Duration(c.IntervalMinutes) * time.Minute,
		CleanupInterval: time.Duration(c.CleanupIntervalMinutes) * time.Minute,
		AlertThreshold:  c.AlertThreshold,
		MaxCapacity:     c.MaxCapacity,
	}
}
