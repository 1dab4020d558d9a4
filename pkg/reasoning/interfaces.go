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

// Package reasoning drives the stop-and-wait reason→act loop: it streams
// the model's output, intercepts the first tool invocation, pauses
// generation, dispatches the call, and resumes with the real result
// injected as new context.
//
// The engine never trusts the model with results. Stop sequences force
// the model to yield after its first tool block, and any <result> the
// engine did not inject itself is stripped before it can reach the
// conversation history.
package reasoning

import (
	"context"
	"time"

	"github.com/kadirpekel/nestor/pkg/protocol"
	"github.com/kadirpekel/nestor/pkg/tools"
)

// ToolOrchestrator is the slice of the orchestration layer the engine
// depends on.
type ToolOrchestrator interface {
	// Catalog returns the ready servers with their capabilities.
	Catalog() []protocol.ToolServer

	// Invoke routes one capability call under the given deadline.
	Invoke(ctx context.Context, serverID, action string, params map[string]any) tools.InvokeResult

	// CallTimeout returns the per-call deadline for a capability.
	CallTimeout(serverID, action string) time.Duration
}

// StepSink receives every step as it happens. Implementations persist
// before returning: a recorded step is durable once RecordStep returns.
type StepSink interface {
	RecordStep(step protocol.Step) error
}

// StepSinkFunc adapts a function to StepSink.
type StepSinkFunc func(step protocol.Step) error

func (f StepSinkFunc) RecordStep(step protocol.Step) error { return f(step) }

// TaskResult is the engine's terminal verdict for one task.
type TaskResult struct {
	Status      protocol.TrajectoryStatus
	ErrorKind   protocol.ErrorKind
	Message     string
	FinalAnswer string

	// Invocations lists every tool call attempt made during the task.
	Invocations []protocol.Invocation

	// AssistantTurns is how many turns the budget consumed.
	AssistantTurns int
}
