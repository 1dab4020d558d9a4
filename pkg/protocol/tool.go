package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ServerState is the lifecycle state of a registered tool server.
type ServerState string

const (
	ServerPending  ServerState = "pending"
	ServerStarting ServerState = "starting"
	ServerReady    ServerState = "ready"
	ServerDegraded ServerState = "degraded"
	ServerStopped  ServerState = "stopped"
	ServerFailed   ServerState = "failed"
)

// ProjectType classifies a tool server's source tree for launching.
type ProjectType string

const (
	ProjectPython ProjectType = "python"
	ProjectNode   ProjectType = "node"
	ProjectTS     ProjectType = "ts"
	ProjectRust   ProjectType = "rust"
	ProjectGo     ProjectType = "go"
)

// ToolServer is a registered external process serving one or more
// capabilities over a local RPC endpoint.
type ToolServer struct {
	ServerID            string       `json:"server_id"`
	Endpoint            string       `json:"endpoint"`
	ProjectType         ProjectType  `json:"project_type"`
	LaunchCommand       []string     `json:"launch_command,omitempty"`
	WorkingDir          string       `json:"working_dir"`
	AllocatedPort       int          `json:"allocated_port"`
	PID                 int          `json:"pid,omitempty"`
	State               ServerState  `json:"state"`
	Capabilities        []Capability `json:"capabilities"`
	LastHealthCheck     time.Time    `json:"last_health_check,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// Capability is a tool action exposed by a ToolServer. Capability
// definitions drive both parameter validation and prompt construction.
type Capability struct {
	ServerID    string      `json:"server_id"`
	Action      string      `json:"action"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Examples    []string    `json:"examples,omitempty"`

	// TimeoutSeconds overrides the default per-call deadline when > 0.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Parameter describes one capability parameter. Order is significant:
// the prompt catalog lists parameters in declaration order.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// RequiredParameters returns the declared required parameters in order.
func (c *Capability) RequiredParameters() []Parameter {
	var req []Parameter
	for _, p := range c.Parameters {
		if p.Required {
			req = append(req, p)
		}
	}
	return req
}

// InvocationStatus is the outcome of one capability call.
type InvocationStatus string

const (
	InvocationOK            InvocationStatus = "ok"
	InvocationToolError     InvocationStatus = "tool_error"
	InvocationTimeout       InvocationStatus = "timeout"
	InvocationUnreachable   InvocationStatus = "unreachable"
	InvocationInvalidParams InvocationStatus = "invalid_params"
	InvocationCancelled     InvocationStatus = "cancelled"
)

// Invocation records a single call to a capability.
type Invocation struct {
	InvocationID string           `json:"invocation_id"`
	TaskID       string           `json:"task_id"`
	StepID       int              `json:"step_id"`
	ServerID     string           `json:"server_id"`
	Action       string           `json:"action"`
	Parameters   map[string]any   `json:"parameters"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Status       InvocationStatus `json:"status"`
	Result       string           `json:"result,omitempty"`
	Attempt      int              `json:"attempt"`
}

// NewInvocationID returns a fresh invocation identifier.
func NewInvocationID() string {
	return uuid.New().String()
}

// Succeeded reports whether the invocation produced a usable result.
func (i *Invocation) Succeeded() bool {
	return i.Status == InvocationOK
}
