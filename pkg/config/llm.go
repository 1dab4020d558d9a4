package config

import "fmt"

// LLMConfig selects the provider used by the reasoning engine.
type LLMConfig struct {
	// Provider is the logical name of an entry in providers.
	Provider string `yaml:"provider"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "default"
	}
}

func (c *LLMConfig) Validate(providers map[string]ProviderConfig) error {
	if len(providers) == 0 {
		// Providers may be registered programmatically (tests do this),
		// so an empty map is not an error by itself.
		return nil
	}
	if _, ok := providers[c.Provider]; !ok {
		return fmt.Errorf("llm.provider %q has no matching providers entry", c.Provider)
	}
	return nil
}

// ProviderConfig describes one OpenAI-compatible streaming endpoint.
type ProviderConfig struct {
	Type        string  `yaml:"type"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Timeout is the whole-request ceiling in seconds.
	Timeout int `yaml:"timeout"`

	// MaxRetries / RetryDelaySeconds configure the HTTP retry layer.
	MaxRetries        int `yaml:"max_retries"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`

	// PromptCostMicros / CompletionCostMicros price one thousand tokens
	// in micro-dollars, used for per-step cost accounting.
	PromptCostMicros     int64 `yaml:"prompt_cost_micros"`
	CompletionCostMicros int64 `yaml:"completion_cost_micros"`
}

func (p *ProviderConfig) SetDefaults() {
	if p.Type == "" {
		p.Type = "openai"
	}
	if p.BaseURL == "" {
		p.BaseURL = "https://api.openai.com/v1"
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 4096
	}
	if p.Timeout == 0 {
		p.Timeout = 300
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 2
	}
	if p.RetryDelaySeconds == 0 {
		p.RetryDelaySeconds = 1
	}
}
