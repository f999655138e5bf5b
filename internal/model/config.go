package model

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Agent   AgentConfig   `yaml:"agent"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type AgentConfig struct {
	// MaxIterations bounds one planning-loop run. This is the cancellation
	// mechanism for runaway plans.
	MaxIterations int `yaml:"max_iterations"`
	// Oracle call retry settings for transient failures inside PLAN.
	OracleMaxRetries     int `yaml:"oracle_max_retries"`
	OracleRetryBackoffMs int `yaml:"oracle_retry_backoff_ms"` // doubles each retry
}

type OracleConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type SandboxConfig struct {
	BaseURL           string   `yaml:"base_url"`
	TTLSec            int      `yaml:"ttl_sec"`
	CommandTimeoutSec int      `yaml:"command_timeout_sec"`
	Adapters          []string `yaml:"adapters"` // external adapters configured at open
}

type ServerConfig struct {
	PollIntervalSec    int `yaml:"poll_interval_sec"`
	MaxRetries         int `yaml:"max_retries"`
	StaleRunningMin    int `yaml:"stale_running_min"`
	InterTaskDelaySec  int `yaml:"inter_task_delay_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration written by setup and used as the
// backfill for zero values at load time.
func DefaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			MaxIterations:        25,
			OracleMaxRetries:     3,
			OracleRetryBackoffMs: 500,
		},
		Oracle: OracleConfig{
			TimeoutSec: 120,
		},
		Sandbox: SandboxConfig{
			TTLSec:            600,
			CommandTimeoutSec: 60,
		},
		Server: ServerConfig{
			PollIntervalSec:    10,
			MaxRetries:         3,
			StaleRunningMin:    30,
			InterTaskDelaySec:  2,
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ApplyDefaults backfills zero values with the defaults. Explicit settings win.
func (c Config) ApplyDefaults() Config {
	def := DefaultConfig()
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = def.Agent.MaxIterations
	}
	if c.Agent.OracleMaxRetries <= 0 {
		c.Agent.OracleMaxRetries = def.Agent.OracleMaxRetries
	}
	if c.Agent.OracleRetryBackoffMs <= 0 {
		c.Agent.OracleRetryBackoffMs = def.Agent.OracleRetryBackoffMs
	}
	if c.Oracle.TimeoutSec <= 0 {
		c.Oracle.TimeoutSec = def.Oracle.TimeoutSec
	}
	if c.Sandbox.TTLSec <= 0 {
		c.Sandbox.TTLSec = def.Sandbox.TTLSec
	}
	if c.Sandbox.CommandTimeoutSec <= 0 {
		c.Sandbox.CommandTimeoutSec = def.Sandbox.CommandTimeoutSec
	}
	if c.Server.PollIntervalSec <= 0 {
		c.Server.PollIntervalSec = def.Server.PollIntervalSec
	}
	if c.Server.MaxRetries <= 0 {
		c.Server.MaxRetries = def.Server.MaxRetries
	}
	if c.Server.StaleRunningMin <= 0 {
		c.Server.StaleRunningMin = def.Server.StaleRunningMin
	}
	if c.Server.InterTaskDelaySec < 0 {
		c.Server.InterTaskDelaySec = def.Server.InterTaskDelaySec
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		c.Server.ShutdownTimeoutSec = def.Server.ShutdownTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	return c
}
