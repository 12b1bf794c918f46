// Package config provides configuration loading and validation for the
// Verification Orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete Orchestrator configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Bus          BusConfig          `yaml:"bus"`
	Review       ReviewConfig       `yaml:"review"`
	Observer     ObserverConfig     `yaml:"observer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// OrchestratorConfig configures the DAG driver (C4) and Node Runtime (C3).
type OrchestratorConfig struct {
	// ReviewThreshold: risk_score >= this routes to AwaitingReview.
	ReviewThreshold float64 `yaml:"review_threshold"`
	// ClaimParallelism: max concurrent per-claim sub-pipelines. Authoritative
	// over any node-local constant.
	ClaimParallelism int `yaml:"claim_parallelism"`
	// NodeTimeouts: per-node wall-clock deadline.
	NodeTimeouts map[string]time.Duration `yaml:"node_timeouts"`
	// RetryMaxAttempts: retries per node on a Retryable/Timeout error.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`
	// WorkflowTTL: retention of terminal workflow state.
	WorkflowTTL time.Duration `yaml:"workflow_ttl"`
	// TTLExtensionFraction: in-flight workflows renew their TTL every
	// WorkflowTTL * TTLExtensionFraction (Open Question, resolved to 1/3).
	TTLExtensionFraction float64 `yaml:"ttl_extension_fraction"`
	// WorkflowDeadline: wall-clock budget for a Workflow, excluding time
	// spent in AwaitingReview.
	WorkflowDeadline time.Duration `yaml:"workflow_deadline"`
	// OwnerLeaseTTL: how long an Orchestrator's claim on a Workflow is
	// valid before Recovery may reassign it.
	OwnerLeaseTTL time.Duration `yaml:"owner_lease_ttl"`
	// CollaboratorEndpoints maps a node name (e.g. "evidence") to the URL
	// of the external service backing it. A node absent here falls back
	// to its built-in mock collaborator.
	CollaboratorEndpoints map[string]string `yaml:"collaborator_endpoints"`
	// CollaboratorTimeout bounds each HTTP collaborator call.
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`
}

// BusConfig configures the Event Bus Gateway (C1).
type BusConfig struct {
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	DLQAttemptCap int    `yaml:"dlq_attempt_cap"`
}

// ReviewConfig configures the Review Coordinator (C5) and Review Index (C8).
type ReviewConfig struct {
	RedisAddr        string        `yaml:"redis_addr"`
	LeaseDuration    time.Duration `yaml:"lease"`
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	Deadline         time.Duration `yaml:"deadline"`
}

// ObserverConfig configures the Observer Plane (C6).
type ObserverConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats"`
}

// MetricsConfig configures the Prometheus side of the Telemetry & Metrics
// component (C9).
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Namespace  string `yaml:"namespace"`
}

// TracingConfig configures the OpenTelemetry side of the Telemetry &
// Metrics component (C9).
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			ReviewThreshold:  0.7,
			ClaimParallelism: 4,
			NodeTimeouts: map[string]time.Duration{
				string("normalize"):    5 * time.Second,
				string("entity"):       30 * time.Second,
				string("claims"):       30 * time.Second,
				string("topic_assign"): 30 * time.Second,
				string("evidence"):     60 * time.Second,
				string("veracity"):     30 * time.Second,
				string("risk"):         5 * time.Second,
				string("draft"):        60 * time.Second,
				string("translate"):    60 * time.Second,
				string("publish"):      10 * time.Second,
			},
			RetryMaxAttempts:     3,
			WorkflowTTL:          7 * 24 * time.Hour,
			TTLExtensionFraction: 1.0 / 3.0,
			WorkflowDeadline:     30 * time.Minute,
			OwnerLeaseTTL:        45 * time.Second,
			CollaboratorTimeout:  30 * time.Second,
		},
		Bus: BusConfig{
			Embedded:      true,
			DLQAttemptCap: 5,
		},
		Review: ReviewConfig{
			RedisAddr:        "127.0.0.1:6379",
			LeaseDuration:    30 * time.Minute,
			ReminderInterval: 1 * time.Hour,
			Deadline:         24 * time.Hour,
		},
		Observer: ObserverConfig{
			QueueSize:         100,
			HeartbeatInterval: 30 * time.Second,
			MissedHeartbeats:  2,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
			Namespace:  "veriflow",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "veriflow-orchestrator",
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Orchestrator.ReviewThreshold < 0 || c.Orchestrator.ReviewThreshold > 1 {
		return fmt.Errorf("orchestrator.review_threshold must be in [0,1]")
	}
	if c.Orchestrator.ClaimParallelism < 1 {
		return fmt.Errorf("orchestrator.claim_parallelism must be >= 1")
	}
	if c.Orchestrator.RetryMaxAttempts < 1 {
		return fmt.Errorf("orchestrator.retry_max_attempts must be >= 1")
	}
	if c.Orchestrator.WorkflowTTL <= 0 {
		return fmt.Errorf("orchestrator.workflow_ttl must be positive")
	}
	if c.Orchestrator.TTLExtensionFraction <= 0 || c.Orchestrator.TTLExtensionFraction >= 1 {
		return fmt.Errorf("orchestrator.ttl_extension_fraction must be in (0,1)")
	}
	if c.Bus.DLQAttemptCap < 1 {
		return fmt.Errorf("bus.dlq_attempt_cap must be >= 1")
	}
	if c.Review.LeaseDuration <= 0 {
		return fmt.Errorf("review.lease must be positive")
	}
	if c.Observer.QueueSize < 1 {
		return fmt.Errorf("observer.queue_size must be >= 1")
	}
	if c.Observer.MissedHeartbeats < 1 {
		return fmt.Errorf("observer.missed_heartbeats must be >= 1")
	}
	return nil
}

// Merge overlays other onto c, other taking precedence for non-zero fields.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Orchestrator.ReviewThreshold != 0 {
		c.Orchestrator.ReviewThreshold = other.Orchestrator.ReviewThreshold
	}
	if other.Orchestrator.ClaimParallelism != 0 {
		c.Orchestrator.ClaimParallelism = other.Orchestrator.ClaimParallelism
	}
	for k, v := range other.Orchestrator.NodeTimeouts {
		if c.Orchestrator.NodeTimeouts == nil {
			c.Orchestrator.NodeTimeouts = map[string]time.Duration{}
		}
		c.Orchestrator.NodeTimeouts[k] = v
	}
	if other.Orchestrator.RetryMaxAttempts != 0 {
		c.Orchestrator.RetryMaxAttempts = other.Orchestrator.RetryMaxAttempts
	}
	if other.Orchestrator.WorkflowTTL != 0 {
		c.Orchestrator.WorkflowTTL = other.Orchestrator.WorkflowTTL
	}
	if other.Bus.URL != "" {
		c.Bus.URL = other.Bus.URL
		c.Bus.Embedded = false
	}
	if other.Bus.DLQAttemptCap != 0 {
		c.Bus.DLQAttemptCap = other.Bus.DLQAttemptCap
	}
	if other.Review.RedisAddr != "" {
		c.Review.RedisAddr = other.Review.RedisAddr
	}
	if other.Review.LeaseDuration != 0 {
		c.Review.LeaseDuration = other.Review.LeaseDuration
	}
	if other.Observer.QueueSize != 0 {
		c.Observer.QueueSize = other.Observer.QueueSize
	}
	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
}

// LoadFromFile loads a Config from a YAML file, starting from defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes cfg to path as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// NodeTimeout returns the configured timeout for node, or def if unset.
func (c *OrchestratorConfig) NodeTimeout(node string, def time.Duration) time.Duration {
	if d, ok := c.NodeTimeouts[node]; ok {
		return d
	}
	return def
}
