// Package config defines the engine configuration, its YAML loader, and a
// file watcher that hot-reloads the tunable subset.
package config

import (
	"time"

	"github.com/moolen/retrace/internal/models"
)

// Config holds all knobs for the engine, the query layer, and the CLI host.
// Fields carry yaml tags for the koanf loader; zero values are filled from
// DefaultConfig before a file is applied.
type Config struct {
	// CorrelationWindowMs is how far back the temporal detector looks
	CorrelationWindowMs int64 `yaml:"correlation_window_ms"`

	// ConfidenceThreshold gates temporal edges and chain traversal
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// AnomalyThreshold triggers anomaly:detected above it
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`

	// MaxChainDepth bounds BFS depth when tracing chains
	MaxChainDepth int `yaml:"max_chain_depth"`

	// RetentionWindowMs is the event-time horizon kept in memory
	RetentionWindowMs int64 `yaml:"retention_window_ms"`

	// NodeHighWater forces eviction when the node count exceeds it
	NodeHighWater int `yaml:"node_high_water"`

	// ActiveChainsCap bounds the LRU of materialized chains
	ActiveChainsCap int `yaml:"active_chains_cap"`

	// PatternCap bounds the pattern store
	PatternCap int `yaml:"pattern_cap"`

	// QueryCacheTTLMs expires cached query results
	QueryCacheTTLMs int64 `yaml:"query_cache_ttl_ms"`

	// QueryCacheCap bounds the query result cache
	QueryCacheCap int `yaml:"query_cache_cap"`

	// QueryDefaultTimeoutMs bounds statement execution
	QueryDefaultTimeoutMs int64 `yaml:"query_default_timeout_ms"`

	// ExpectedIntervalMs is the default inter-arrival expectation per
	// (service, event type) pair for the interval anomaly rule
	ExpectedIntervalMs int64 `yaml:"expected_interval_ms"`

	// ExpectedIntervals overrides ExpectedIntervalMs per service and type:
	// expected_intervals: {db: {error: 2000}}
	ExpectedIntervals map[string]map[string]int64 `yaml:"expected_intervals"`

	// DataflowWindowMs is how far back the dataflow detector looks
	DataflowWindowMs int64 `yaml:"dataflow_window_ms"`

	// DataflowSimilarity is the minimum key-overlap similarity for an edge
	DataflowSimilarity float64 `yaml:"dataflow_similarity"`

	// DataDir is where the JSONL event store lives
	DataDir string `yaml:"data_dir"`

	// LogLevel is the default logging level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the Prometheus listen address, empty disables it
	MetricsAddr string `yaml:"metrics_addr"`

	// TracingEnabled turns on OTLP trace export
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingEndpoint is the OTLP gRPC endpoint
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// TracingTLSCAPath is the CA certificate for TLS verification
	TracingTLSCAPath string `yaml:"tracing_tls_ca_path"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		CorrelationWindowMs:   5000,
		ConfidenceThreshold:   0.7,
		AnomalyThreshold:      0.9,
		MaxChainDepth:         100,
		RetentionWindowMs:     3_600_000,
		NodeHighWater:         100_000,
		ActiveChainsCap:       1024,
		PatternCap:            10_000,
		QueryCacheTTLMs:       60_000,
		QueryCacheCap:         4096,
		QueryDefaultTimeoutMs: 5000,
		ExpectedIntervalMs:    1000,
		DataflowWindowMs:      1000,
		DataflowSimilarity:    0.8,
		LogLevel:              "info",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.CorrelationWindowMs <= 0 {
		return NewConfigError("correlation_window_ms must be positive")
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return NewConfigError("confidence_threshold must be in (0, 1]")
	}
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold > 1 {
		return NewConfigError("anomaly_threshold must be in (0, 1]")
	}
	if c.MaxChainDepth < 1 {
		return NewConfigError("max_chain_depth must be at least 1")
	}
	if c.RetentionWindowMs <= 0 {
		return NewConfigError("retention_window_ms must be positive")
	}
	if c.NodeHighWater < 1 {
		return NewConfigError("node_high_water must be at least 1")
	}
	if c.ActiveChainsCap < 1 {
		return NewConfigError("active_chains_cap must be at least 1")
	}
	if c.PatternCap < 1 {
		return NewConfigError("pattern_cap must be at least 1")
	}
	if c.QueryCacheTTLMs <= 0 {
		return NewConfigError("query_cache_ttl_ms must be positive")
	}
	if c.QueryCacheCap < 1 {
		return NewConfigError("query_cache_cap must be at least 1")
	}
	if c.QueryDefaultTimeoutMs <= 0 {
		return NewConfigError("query_default_timeout_ms must be positive")
	}
	if c.ExpectedIntervalMs <= 0 {
		return NewConfigError("expected_interval_ms must be positive")
	}
	for service, byType := range c.ExpectedIntervals {
		for eventType, interval := range byType {
			if interval <= 0 {
				return NewConfigError("expected_intervals[%s][%s] must be positive", service, eventType)
			}
		}
	}
	if c.DataflowWindowMs <= 0 {
		return NewConfigError("dataflow_window_ms must be positive")
	}
	if c.DataflowSimilarity <= 0 || c.DataflowSimilarity > 1 {
		return NewConfigError("dataflow_similarity must be in (0, 1]")
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return NewConfigError("tracing_endpoint must be set when tracing is enabled")
	}
	return nil
}

// ExpectedIntervalFor resolves the inter-arrival expectation for a
// (service, event type) pair, falling back to the global default.
func (c *Config) ExpectedIntervalFor(serviceID string, eventType models.EventType) int64 {
	if byType, ok := c.ExpectedIntervals[serviceID]; ok {
		if interval, ok := byType[string(eventType)]; ok {
			return interval
		}
	}
	return c.ExpectedIntervalMs
}

// QueryTimeout returns the default statement deadline as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryDefaultTimeoutMs) * time.Millisecond
}

// QueryCacheTTL returns the result cache TTL as a duration.
func (c *Config) QueryCacheTTL() time.Duration {
	return time.Duration(c.QueryCacheTTLMs) * time.Millisecond
}

// Clone returns a deep copy, so a reloaded config can be handed to the
// engine without sharing the intervals map.
func (c *Config) Clone() *Config {
	out := *c
	if c.ExpectedIntervals != nil {
		out.ExpectedIntervals = make(map[string]map[string]int64, len(c.ExpectedIntervals))
		for service, byType := range c.ExpectedIntervals {
			inner := make(map[string]int64, len(byType))
			for eventType, interval := range byType {
				inner[eventType] = interval
			}
			out.ExpectedIntervals[service] = inner
		}
	}
	return &out
}
