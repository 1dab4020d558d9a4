package protocol

import "time"

// StepKind identifies one atomic event in a trajectory.
type StepKind string

const (
	StepThink      StepKind = "think"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepAnswer     StepKind = "answer"
	StepError      StepKind = "error"
)

// Step is one turn event in the reason→act loop. Steps are append-only
// and never mutated once written.
type Step struct {
	StepID     int            `json:"step_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       StepKind       `json:"kind"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolAction string         `json:"tool_action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Output     string         `json:"output"`
	DurationMS int64          `json:"duration_ms"`
	TokensIn   int            `json:"tokens_in"`
	TokensOut  int            `json:"tokens_out"`
	CostMicros int64          `json:"cost_micros"`
	Success    bool           `json:"success"`

	// ErrorKind qualifies error steps and failed tool_result steps.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// TrajectoryStatus is a task's terminal outcome.
type TrajectoryStatus string

const (
	TrajectorySuccess   TrajectoryStatus = "success"
	TrajectoryFailed    TrajectoryStatus = "failed"
	TrajectoryCancelled TrajectoryStatus = "cancelled"
	TrajectoryTimeout   TrajectoryStatus = "timeout"

	// TrajectoryCrashed marks partial trajectory files discovered without
	// an outcome record by the startup scan.
	TrajectoryCrashed TrajectoryStatus = "crashed"
)

// Outcome seals a trajectory.
type Outcome struct {
	TaskID          string           `json:"task_id"`
	Attempt         int              `json:"attempt"`
	Status          TrajectoryStatus `json:"status"`
	ErrorKind       ErrorKind        `json:"error_kind,omitempty"`
	Message         string           `json:"message,omitempty"`
	FinalAnswer     string           `json:"final_answer,omitempty"`
	TotalDurationMS int64            `json:"total_duration_ms"`
	TokensIn        int              `json:"tokens_in"`
	TokensOut       int              `json:"tokens_out"`
	CostMicros      int64            `json:"cost_micros"`
	Environment     string           `json:"environment,omitempty"`
	FinalizedAt     time.Time        `json:"finalized_at"`
}

// Terminal reports whether the status is a finished state.
func (s TrajectoryStatus) Terminal() bool {
	switch s {
	case TrajectorySuccess, TrajectoryFailed, TrajectoryCancelled, TrajectoryTimeout, TrajectoryCrashed:
		return true
	}
	return false
}

// Trajectory is the ordered step sequence of a single task plus its outcome.
type Trajectory struct {
	TaskID  string   `json:"task_id"`
	Steps   []Step   `json:"steps"`
	Outcome *Outcome `json:"outcome,omitempty"`
}
