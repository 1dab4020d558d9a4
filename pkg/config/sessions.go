package config

import "fmt"

// SessionConfig controls the memory and session store.
type SessionConfig struct {
	// Store selects the backing implementation: "redis" or "sql".
	Store string `yaml:"store"`

	// Endpoint is the connection string: a redis:// URL for the redis
	// store, a sqlite path or postgres:// DSN for the sql store.
	Endpoint string `yaml:"endpoint"`

	// CacheSize is the LRU session cache capacity.
	CacheSize int `yaml:"cache_size"`

	// RetentionDays drives the periodic purge. Zero selects the default
	// of 30 days; a negative value disables the purge.
	RetentionDays int `yaml:"retention_days"`

	// SummarizeAfterSteps is the soft length threshold beyond which a
	// session gets a digest.
	SummarizeAfterSteps int `yaml:"summarize_after_steps"`

	// KeepRecentSteps is how many tail steps survive summarization.
	KeepRecentSteps int `yaml:"keep_recent_steps"`

	// SummaryBudgetTokens bounds the digest length.
	SummaryBudgetTokens int `yaml:"summary_budget_tokens"`

	// LockWaitSeconds is how long a worker waits on a session lock
	// before proceeding without history.
	LockWaitSeconds int `yaml:"lock_wait_seconds"`
}

func (c *SessionConfig) SetDefaults() {
	if c.Store == "" {
		c.Store = "redis"
	}
	if c.Endpoint == "" {
		c.Endpoint = "redis://localhost:6379/0"
	}
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.SummarizeAfterSteps == 0 {
		c.SummarizeAfterSteps = 20
	}
	if c.KeepRecentSteps == 0 {
		c.KeepRecentSteps = 8
	}
	if c.SummaryBudgetTokens == 0 {
		c.SummaryBudgetTokens = 1024
	}
	if c.LockWaitSeconds == 0 {
		c.LockWaitSeconds = 60
	}
}

func (c *SessionConfig) Validate() error {
	switch c.Store {
	case "redis", "sql":
	default:
		return fmt.Errorf("sessions.store must be redis or sql, got %q", c.Store)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("sessions.endpoint is required")
	}
	if c.KeepRecentSteps >= c.SummarizeAfterSteps {
		return fmt.Errorf("sessions.keep_recent_steps must be below summarize_after_steps")
	}
	return nil
}
