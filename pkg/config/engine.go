package config

import "fmt"

// EngineConfig controls the reasoning loop engine.
type EngineConfig struct {
	// StepCapDefault is the assistant-turn budget for tasks that carry none.
	StepCapDefault int `yaml:"step_cap_default"`

	// RepairThreshold is how many parse repairs one turn tolerates
	// before the run is downgraded to unparseable_output.
	RepairThreshold int `yaml:"repair_threshold"`

	// ToolRetryBackoffSeconds is the pause before the single tool retry.
	ToolRetryBackoffSeconds int `yaml:"tool_retry_backoff_seconds"`

	// ParallelCalls enables the optional <parallel> wrapper, dispatching
	// at most two tool calls concurrently.
	ParallelCalls bool `yaml:"parallel_calls"`

	// ProviderIdleTimeoutSeconds bounds the gap between streamed tokens.
	ProviderIdleTimeoutSeconds int `yaml:"provider_idle_timeout_seconds"`
}

func (c *EngineConfig) SetDefaults() {
	if c.StepCapDefault == 0 {
		c.StepCapDefault = 25
	}
	if c.RepairThreshold == 0 {
		c.RepairThreshold = 5
	}
	if c.ToolRetryBackoffSeconds == 0 {
		c.ToolRetryBackoffSeconds = 2
	}
	if c.ProviderIdleTimeoutSeconds == 0 {
		c.ProviderIdleTimeoutSeconds = 60
	}
}

func (c *EngineConfig) Validate() error {
	if c.StepCapDefault < 1 {
		return fmt.Errorf("engine.step_cap_default must be positive")
	}
	return nil
}
