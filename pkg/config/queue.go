package config

import (
	"fmt"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// QueueConfig controls the task dispatch fabric.
type QueueConfig struct {
	// Endpoint is the Redis connection string backing the queue and the
	// task status store, e.g. redis://localhost:6379/0.
	Endpoint string `yaml:"endpoint"`

	// StreamPrefix namespaces the per-task-type streams.
	StreamPrefix string `yaml:"stream_prefix"`

	// ConsumerGroup is the consumer group name shared by all workers.
	ConsumerGroup string `yaml:"consumer_group"`

	// WorkerPoolSizes maps task_type to pool size. Types without an
	// entry get DefaultPoolSize workers.
	WorkerPoolSizes map[string]int `yaml:"worker_pool_sizes"`

	// DefaultPoolSize applies to task types without an explicit entry.
	DefaultPoolSize int `yaml:"default_pool_size"`

	// HeartbeatSeconds is the worker lease heartbeat interval.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	// LeaseGraceSeconds is added to a task's timeout to form the
	// visibility timeout for redelivery.
	LeaseGraceSeconds int `yaml:"lease_grace_seconds"`

	// MaxAttempts caps redeliveries of one task.
	MaxAttempts int `yaml:"max_attempts"`

	// MemoryBudgetMB stops workers claiming new entries once process
	// memory exceeds it. Zero disables the check.
	MemoryBudgetMB int `yaml:"memory_budget_mb"`
}

func (c *QueueConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "redis://localhost:6379/0"
	}
	if c.StreamPrefix == "" {
		c.StreamPrefix = "nestor:tasks"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "nestor-workers"
	}
	if c.DefaultPoolSize == 0 {
		c.DefaultPoolSize = 4
	}
	if c.HeartbeatSeconds == 0 {
		c.HeartbeatSeconds = 10
	}
	if c.LeaseGraceSeconds == 0 {
		c.LeaseGraceSeconds = 60
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
}

func (c *QueueConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("queue.endpoint is required")
	}
	for taskType := range c.WorkerPoolSizes {
		if !protocol.TaskType(taskType).Valid() {
			return fmt.Errorf("queue.worker_pool_sizes: unknown task type %q", taskType)
		}
	}
	return nil
}

// PoolSize returns the worker pool size for a task type.
func (c *QueueConfig) PoolSize(taskType protocol.TaskType) int {
	if n, ok := c.WorkerPoolSizes[string(taskType)]; ok && n > 0 {
		return n
	}
	return c.DefaultPoolSize
}
