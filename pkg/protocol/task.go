// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the durable data model shared by every Nestor
// subsystem: tasks, steps, trajectories, tool servers, capabilities and
// invocations.
//
// Records defined here cross process boundaries (queue entries, session
// lists, trajectory files), so all identifiers are opaque stable strings
// and all serialized field names are fixed snake_case JSON tags. Structs
// are plain data; behavior lives in the packages that own each record.
package protocol

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// TaskType partitions tasks into independently consumed queue shards.
type TaskType string

const (
	TaskTypeReasoning TaskType = "reasoning"
	TaskTypeCode      TaskType = "code"
	TaskTypeWeb       TaskType = "web"
	TaskTypeResearch  TaskType = "research"
	TaskTypeGeneral   TaskType = "general"
)

// TaskTypes lists all known task types in a stable order.
func TaskTypes() []TaskType {
	return []TaskType{TaskTypeReasoning, TaskTypeCode, TaskTypeWeb, TaskTypeResearch, TaskTypeGeneral}
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeReasoning, TaskTypeCode, TaskTypeWeb, TaskTypeResearch, TaskTypeGeneral:
		return true
	}
	return false
}

const (
	// DefaultMaxSteps is the assistant-turn budget applied when a task
	// does not carry one.
	DefaultMaxSteps = 25

	// MaxStepsCeiling is the largest accepted assistant-turn budget.
	MaxStepsCeiling = 100

	// DefaultTimeoutSeconds is the wall-clock budget the queue assumes
	// for every entry when computing the reclaim idle time. Normalize
	// does not apply it: a task whose timeout_seconds is zero or absent
	// gets a zero budget and times out at once.
	DefaultTimeoutSeconds = 600
)

// Task is one user-submitted unit of work. Tasks are created by the
// submission layer, consumed exactly once by a worker, and never mutated.
type Task struct {
	ID             string    `json:"task_id"`
	Description    string    `json:"description"`
	Type           TaskType  `json:"task_type"`
	Priority       int       `json:"priority"`
	MaxSteps       int       `json:"max_steps"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	SessionID      string    `json:"session_id,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// NewTaskID returns a fresh ULID task identifier.
func NewTaskID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Timeout returns the task's wall-clock budget as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Normalize fills defaults and clamps budgets into their legal ranges.
func (t *Task) Normalize() {
	if t.Type == "" {
		t.Type = TaskTypeGeneral
	}
	if t.MaxSteps <= 0 {
		t.MaxSteps = DefaultMaxSteps
	}
	if t.MaxSteps > MaxStepsCeiling {
		t.MaxSteps = MaxStepsCeiling
	}
	if t.TimeoutSeconds < 0 {
		t.TimeoutSeconds = 0
	}
	if t.Priority < 0 {
		t.Priority = 0
	}
	if t.Priority > 3 {
		t.Priority = 3
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now().UTC()
	}
}

// Validate reports whether the task is submittable.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task_id is required")
	}
	if t.Description == "" {
		return fmt.Errorf("description is required")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown task_type %q", t.Type)
	}
	return nil
}
