package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/nestor/pkg/codec"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/protocol"
)

// maxParallelCalls bounds concurrent dispatch when the parallel wrapper
// is enabled.
const maxParallelCalls = 2

// errorRecord is the normalized error payload surfaced to the model
// inside a <result> block.
type errorRecord struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func renderErrorRecord(kind protocol.ErrorKind, message string) string {
	data, _ := json.Marshal(errorRecord{Error: string(kind), Message: message})
	return string(data)
}

// callOutcome is the per-call bookkeeping of one dispatch.
type callOutcome struct {
	output    string
	success   bool
	errorKind protocol.ErrorKind
	cancelled bool
}

// dispatchCalls executes the turn's tool calls — the first one in
// sequential mode, up to two concurrently when parallel calls are
// enabled — records the paired tool_call/tool_result steps, and injects
// the rendered <result> blocks into the assistant's last message.
// Returns true when the task is terminal (cancellation).
func (e *Engine) dispatchCalls(ctx context.Context, st *runState, turn *codec.Turn) bool {
	calls := turn.Calls
	limit := 1
	if e.cfg.ParallelCalls && len(calls) > 1 {
		limit = maxParallelCalls
	}
	if len(calls) > limit {
		calls = calls[:limit]
	}

	outcomes := make([]callOutcome, len(calls))

	if len(calls) == 1 {
		outcomes[0] = e.dispatchOne(ctx, st, calls[0])
	} else {
		// Resolve and execute both calls together, then record the
		// call/result step pairs in source order: completion order
		// never leaks into the trajectory.
		resolved := make([]resolvedCall, len(calls))
		for i, call := range calls {
			resolved[i] = e.resolveCall(st, call)
		}

		var g errgroup.Group
		for i := range calls {
			g.Go(func() error {
				outcomes[i] = e.executeResolved(ctx, st, calls[i], resolved[i])
				return nil
			})
		}
		_ = g.Wait()

		for i := range calls {
			e.recordCallStep(st, calls[i], resolved[i])
			e.recordResultStep(st, calls[i], outcomes[i])
		}
	}

	e.injectResults(st, outcomes)
	for _, oc := range outcomes {
		if oc.cancelled {
			return e.finishCancelled(st)
		}
	}
	return false
}

// dispatchOne handles the sequential path: resolve, record the call
// step, execute, record the result step.
func (e *Engine) dispatchOne(ctx context.Context, st *runState, call codec.ParsedCall) callOutcome {
	resolved := e.resolveCall(st, call)
	e.recordCallStep(st, call, resolved)

	outcome := e.executeResolved(ctx, st, call, resolved)
	e.recordResultStep(st, call, outcome)
	return outcome
}

func (e *Engine) finishCancelled(st *runState) bool {
	st.result.Status = protocol.TrajectoryCancelled
	st.result.ErrorKind = protocol.ErrCancelled
	st.result.Message = "task cancelled during tool dispatch"
	return true
}

// resolvedCall carries parameter resolution output.
type resolvedCall struct {
	params  map[string]any
	failure string // non-empty means invalid_params before dispatch
}

// resolveCall maps the raw parameter payload onto the capability's
// declared parameters: a JSON object is taken as-is; free text binds to
// the capability's sole required parameter; anything else is rejected
// without contacting the server.
func (e *Engine) resolveCall(st *runState, call codec.ParsedCall) resolvedCall {
	server, ok := findServer(st.catalog, call.ServerID)
	if !ok {
		return resolvedCall{failure: fmt.Sprintf(
			"no tool server %q is available; available servers: %s",
			call.ServerID, strings.Join(serverIDs(st.catalog), ", "))}
	}

	cap, ok := findCapability(server, call.Action)
	if !ok {
		return resolvedCall{failure: fmt.Sprintf(
			"server %q has no action %q; available actions: %s",
			call.ServerID, call.Action, strings.Join(actionIDs(server), ", "))}
	}

	raw := strings.TrimSpace(call.RawParams)
	if raw == "" {
		return resolvedCall{params: map[string]any{}}
	}

	if strings.HasPrefix(raw, "{") {
		var params map[string]any
		if err := json.Unmarshal([]byte(raw), &params); err == nil {
			return resolvedCall{params: params}
		}
	}

	// Free text binds only when exactly one parameter is required.
	required := cap.RequiredParameters()
	if len(required) == 1 {
		return resolvedCall{params: map[string]any{required[0].Name: raw}}
	}

	return resolvedCall{failure: fmt.Sprintf(
		"parameters for %s.%s must be a JSON object; expected fields: %s",
		call.ServerID, call.Action, describeParameters(cap))}
}

// recordCallStep records the tool_call step for a call.
func (e *Engine) recordCallStep(st *runState, call codec.ParsedCall, resolved resolvedCall) {
	params := resolved.params
	if params == nil {
		params = map[string]any{"raw": call.RawParams}
	}
	e.recordStep(st, protocol.Step{
		Kind:       protocol.StepToolCall,
		ToolName:   call.ServerID,
		ToolAction: call.Action,
		Parameters: params,
		Success:    resolved.failure == "",
	})
}

// executeResolved performs the RPC with deadline and single-retry
// semantics, appending one Invocation record per attempt.
func (e *Engine) executeResolved(ctx context.Context, st *runState, call codec.ParsedCall, resolved resolvedCall) callOutcome {
	if resolved.failure != "" {
		return callOutcome{
			output:    renderErrorRecord(protocol.ErrInvalidParams, resolved.failure),
			errorKind: protocol.ErrInvalidParams,
		}
	}

	deadline := e.orchestrator.CallTimeout(call.ServerID, call.Action)

	attempt := 1
	for {
		started := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		res := e.orchestrator.Invoke(callCtx, call.ServerID, call.Action, resolved.params)
		cancel()

		st.result.Invocations = append(st.result.Invocations, protocol.Invocation{
			InvocationID: protocol.NewInvocationID(),
			TaskID:       st.task.ID,
			StepID:       st.stepID,
			ServerID:     call.ServerID,
			Action:       call.Action,
			Parameters:   resolved.params,
			StartedAt:    started.UTC(),
			FinishedAt:   time.Now().UTC(),
			Status:       res.Status,
			Result:       res.Body,
			Attempt:      attempt,
		})

		switch res.Status {
		case protocol.InvocationOK:
			return callOutcome{output: res.Body, success: true}

		case protocol.InvocationCancelled:
			return callOutcome{
				output:    renderErrorRecord(protocol.ErrCancelled, "tool call cancelled"),
				errorKind: protocol.ErrCancelled,
				cancelled: true,
			}

		case protocol.InvocationTimeout, protocol.InvocationUnreachable:
			kind := protocol.ErrTimeout
			if res.Status == protocol.InvocationUnreachable {
				kind = protocol.ErrUnreachable
			}
			if attempt == 1 && ctx.Err() == nil {
				attempt++
				select {
				case <-ctx.Done():
				case <-time.After(time.Duration(e.cfg.ToolRetryBackoffSeconds) * time.Second):
					continue
				}
			}
			return callOutcome{output: renderErrorRecord(kind, res.Body), errorKind: kind}

		case protocol.InvocationInvalidParams:
			return callOutcome{
				output:    renderErrorRecord(protocol.ErrInvalidParams, res.Body),
				errorKind: protocol.ErrInvalidParams,
			}

		default:
			return callOutcome{
				output:    renderErrorRecord(protocol.ErrToolError, res.Body),
				errorKind: protocol.ErrToolError,
			}
		}
	}
}

// recordResultStep records the tool_result step paired with a call.
// Cancelled dispatches become error steps instead: they never inject.
func (e *Engine) recordResultStep(st *runState, call codec.ParsedCall, outcome callOutcome) {
	kind := protocol.StepToolResult
	if outcome.cancelled {
		kind = protocol.StepError
	}
	e.recordStep(st, protocol.Step{
		Kind:       kind,
		ToolName:   call.ServerID,
		ToolAction: call.Action,
		Output:     outcome.output,
		Success:    outcome.success,
		ErrorKind:  outcome.errorKind,
	})
}

// injectResults appends the rendered <result> blocks, in source order,
// to the assistant's last message so the next round's context contains
// a clean, trustworthy trace. Cancelled calls never inject.
func (e *Engine) injectResults(st *runState, outcomes []callOutcome) {
	last := len(st.messages) - 1
	if last < 0 || st.messages[last].Role != llm.RoleAssistant {
		return
	}

	var b strings.Builder
	for _, oc := range outcomes {
		if oc.cancelled {
			continue
		}
		b.WriteString("\n<result>")
		b.WriteString(oc.output)
		b.WriteString("</result>")
	}
	st.messages[last].Content += b.String()
}

func findServer(catalog []protocol.ToolServer, serverID string) (*protocol.ToolServer, bool) {
	for i := range catalog {
		if catalog[i].ServerID == serverID {
			return &catalog[i], true
		}
	}
	return nil, false
}

func findCapability(server *protocol.ToolServer, action string) (*protocol.Capability, bool) {
	for i := range server.Capabilities {
		if server.Capabilities[i].Action == action {
			return &server.Capabilities[i], true
		}
	}
	return nil, false
}

func serverIDs(catalog []protocol.ToolServer) []string {
	ids := make([]string, 0, len(catalog))
	for _, s := range catalog {
		ids = append(ids, s.ServerID)
	}
	sort.Strings(ids)
	return ids
}

func actionIDs(server *protocol.ToolServer) []string {
	ids := make([]string, 0, len(server.Capabilities))
	for _, cap := range server.Capabilities {
		ids = append(ids, cap.Action)
	}
	sort.Strings(ids)
	return ids
}

func describeParameters(cap *protocol.Capability) string {
	var parts []string
	for _, p := range cap.Parameters {
		spec := p.Name + " (" + p.Type
		if p.Required {
			spec += ", required"
		}
		spec += ")"
		parts = append(parts, spec)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
