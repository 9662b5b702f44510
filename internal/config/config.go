// Package config loads sentryscan's typed configuration from a
// pluggable source (local file, Consul, etcd, ZooKeeper) with optional
// hot-reload, following the option-groups design: every tunable is an
// enumerated field, never a free-form map.
package config

import "fmt"

// Config is the top-level, fully-resolved sentryscan configuration.
type Config struct {
	Retry       RetryConfig       `yaml:"retry,omitempty"`
	Timeout     TimeoutConfig     `yaml:"timeout,omitempty"`
	Concurrency ConcurrencyConfig `yaml:"concurrency,omitempty"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint,omitempty"`
	Broker      BrokerConfig      `yaml:"broker,omitempty"`
	Server      ServerConfig      `yaml:"server,omitempty"`
	Telemetry   TelemetryConfig   `yaml:"telemetry,omitempty"`
	Tools       ToolsConfig       `yaml:"tools,omitempty"`
}

// ToolsConfig enumerates the adapters the registry should construct at
// startup, one option group per adapter family.
type ToolsConfig struct {
	Semgrep []SemgrepToolConfig `yaml:"semgrep,omitempty"`
	Trivy   []TrivyToolConfig   `yaml:"trivy,omitempty"`
	Zap     []ZapToolConfig     `yaml:"zap,omitempty"`
	MCP     []MCPToolConfig     `yaml:"mcp,omitempty"`
	Plugin  []PluginToolConfig  `yaml:"plugin,omitempty"`
}

// SemgrepToolConfig registers one semgrepadapter instance.
type SemgrepToolConfig struct {
	ToolID     string `yaml:"tool_id,omitempty"`
	BinaryPath string `yaml:"binary_path,omitempty"`
}

// TrivyToolConfig registers one trivyadapter instance.
type TrivyToolConfig struct {
	ToolID     string `yaml:"tool_id,omitempty"`
	BinaryPath string `yaml:"binary_path,omitempty"`
}

// ZapToolConfig registers one zapadapter instance against a running
// OWASP ZAP daemon API.
type ZapToolConfig struct {
	ToolID  string `yaml:"tool_id,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// MCPToolConfig registers one MCP-backed adapter over stdio.
type MCPToolConfig struct {
	ToolID              string            `yaml:"tool_id,omitempty"`
	Category            string            `yaml:"category,omitempty"`
	Command             string            `yaml:"command,omitempty"`
	Args                []string          `yaml:"args,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
	ScanToolName        string            `yaml:"scan_tool_name,omitempty"`
	AcceptedTargetKinds []string          `yaml:"accepted_target_kinds,omitempty"`
}

// PluginToolConfig registers one go-plugin subprocess adapter.
type PluginToolConfig struct {
	ToolID              string   `yaml:"tool_id,omitempty"`
	Category            string   `yaml:"category,omitempty"`
	BinaryPath          string   `yaml:"binary_path,omitempty"`
	AcceptedTargetKinds []string `yaml:"accepted_target_kinds,omitempty"`
}

// RetryConfig controls the scheduler's retry/backoff policy.
type RetryConfig struct {
	MaxRetries    int     `yaml:"max_retries,omitempty"`
	BaseBackoff   string  `yaml:"base_backoff,omitempty"`
	Factor        float64 `yaml:"factor,omitempty"`
	MaxBackoff    string  `yaml:"max_backoff,omitempty"`
	RetryableExit []int   `yaml:"retryable_exit_codes,omitempty"`
}

// TimeoutConfig controls workflow/node/tool deadlines.
type TimeoutConfig struct {
	WorkflowTotal       string            `yaml:"workflow_total,omitempty"`
	PerNodeDefault      string            `yaml:"per_node_default,omitempty"`
	PerToolOverrides    map[string]string `yaml:"per_tool_override_table,omitempty"`
	CancellationGrace   string            `yaml:"cancellation_grace,omitempty"`
}

// ConcurrencyConfig bounds parallel execution.
type ConcurrencyConfig struct {
	MaxParallelTools     int `yaml:"max_parallel_tools,omitempty"`
	MaxParallelWorkflows int `yaml:"max_parallel_workflows,omitempty"`
}

// CheckpointConfig controls workflow checkpoint persistence.
type CheckpointConfig struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	RetentionCount int    `yaml:"retention_count,omitempty"`
	Driver         string `yaml:"driver,omitempty"` // memory, sqlite, postgres, mysql
	DSN            string `yaml:"dsn,omitempty"`
}

// BrokerConfig controls the JSON-RPC broker.
type BrokerConfig struct {
	MaxInFlightPerSession int    `yaml:"max_in_flight_per_session,omitempty"`
	OnBusy                string `yaml:"on_busy,omitempty"` // "queue" or "reject"
}

// ServerConfig controls the ambient HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// TelemetryConfig controls metrics/tracing export.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled,omitempty"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

// IsCheckpointEnabled reports whether checkpointing is turned on,
// defaulting to true when unset.
func (c *CheckpointConfig) IsCheckpointEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// SetDefaults fills every unset field with its documented default.
func (c *Config) SetDefaults() {
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseBackoff == "" {
		c.Retry.BaseBackoff = "500ms"
	}
	if c.Retry.Factor == 0 {
		c.Retry.Factor = 2
	}
	if c.Retry.MaxBackoff == "" {
		c.Retry.MaxBackoff = "30s"
	}
	if len(c.Retry.RetryableExit) == 0 {
		c.Retry.RetryableExit = []int{}
	}

	if c.Timeout.WorkflowTotal == "" {
		c.Timeout.WorkflowTotal = "30m"
	}
	if c.Timeout.PerNodeDefault == "" {
		c.Timeout.PerNodeDefault = "5m"
	}
	if c.Timeout.CancellationGrace == "" {
		c.Timeout.CancellationGrace = "5s"
	}

	if c.Concurrency.MaxParallelTools == 0 {
		c.Concurrency.MaxParallelTools = 4
	}
	if c.Concurrency.MaxParallelWorkflows == 0 {
		c.Concurrency.MaxParallelWorkflows = 8
	}

	if c.Checkpoint.RetentionCount == 0 {
		c.Checkpoint.RetentionCount = 20
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "memory"
	}

	if c.Broker.MaxInFlightPerSession == 0 {
		c.Broker.MaxInFlightPerSession = c.Concurrency.MaxParallelTools
	}
	if c.Broker.OnBusy == "" {
		c.Broker.OnBusy = "reject"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8088"
	}
}

// Validate checks the enumerated option groups for internal consistency.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max_retries must be >= 0")
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("config: retry.factor must be >= 1")
	}
	if c.Concurrency.MaxParallelTools <= 0 {
		return fmt.Errorf("config: concurrency.max_parallel_tools must be > 0")
	}
	if c.Concurrency.MaxParallelWorkflows <= 0 {
		return fmt.Errorf("config: concurrency.max_parallel_workflows must be > 0")
	}
	if c.Checkpoint.RetentionCount < 0 {
		return fmt.Errorf("config: checkpoint.retention_count must be >= 0")
	}
	switch c.Checkpoint.Driver {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("config: checkpoint.driver %q is not one of memory|sqlite|postgres|mysql", c.Checkpoint.Driver)
	}
	switch c.Broker.OnBusy {
	case "queue", "reject":
	default:
		return fmt.Errorf("config: broker.on_busy %q is not one of queue|reject", c.Broker.OnBusy)
	}
	return nil
}
