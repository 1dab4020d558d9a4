package reasoning

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/nestor/pkg/codec"
	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/observability"
	"github.com/kadirpekel/nestor/pkg/protocol"
)

// stopSequences force the model to yield control: after its tool block,
// after its answer, and — defensively — the moment it starts inventing
// a result.
var stopSequences = []string{"</execute_tools>", "</answer>", "<result"}

const (
	nudgeContinue = "Continue. Emit exactly one tool call, or your final answer inside <answer></answer>."

	nudgeFabricated = "Your last message invented a <result> block. Results are only ever " +
		"injected after a tool actually runs; the invented content was discarded. " +
		"Emit one tool call and stop, or give your final answer."
)

// Engine runs the reasoning loop for one task at a time. It is
// stateless across tasks and safe to share between workers.
type Engine struct {
	provider     llm.Provider
	orchestrator ToolOrchestrator
	cfg          config.EngineConfig

	// Per-thousand-token pricing for cost accounting.
	promptCostMicros     int64
	completionCostMicros int64
}

// NewEngine assembles an engine.
func NewEngine(provider llm.Provider, orchestrator ToolOrchestrator, cfg config.EngineConfig) *Engine {
	return &Engine{
		provider:     provider,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
}

// WithPricing sets per-1k-token costs in micro-dollars.
func (e *Engine) WithPricing(promptMicros, completionMicros int64) *Engine {
	e.promptCostMicros = promptMicros
	e.completionCostMicros = completionMicros
	return e
}

// runState is the per-task mutable state of the loop.
type runState struct {
	task     *protocol.Task
	sink     StepSink
	catalog  []protocol.ToolServer
	messages []llm.Message

	stepID int
	result TaskResult

	// Usage pending attribution to the next recorded step.
	pendTokensIn  int
	pendTokensOut int
	pendCost      int64
}

// RunTask drives one task to a terminal state. Steps stream into the
// sink as they happen; the returned result is the terminal verdict.
func (e *Engine) RunTask(ctx context.Context, task *protocol.Task, sessionPreamble string, sink StepSink) *TaskResult {
	tracer := observability.GetTracer("nestor.reasoning")
	ctx, span := tracer.Start(ctx, observability.SpanTaskExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrTaskID, task.ID),
			attribute.String(observability.AttrTaskType, string(task.Type)),
		),
	)
	defer span.End()

	// The wall clock starts here; timeout_seconds = 0 means the first
	// provider read already finds the deadline expired.
	ctx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	st := &runState{
		task:    task,
		sink:    sink,
		catalog: e.orchestrator.Catalog(),
	}

	prompt := codec.BuildPrompt(codec.PromptInput{
		Servers:         st.catalog,
		SessionPreamble: sessionPreamble,
		Task:            task.Description,
		ParallelCalls:   e.cfg.ParallelCalls,
	})
	st.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.System},
		{Role: llm.RoleUser, Content: prompt.User},
	}

	maxSteps := task.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.cfg.StepCapDefault
	}

	for turns := 1; ; turns++ {
		if turns > maxSteps {
			e.recordError(st, protocol.ErrStepCap,
				fmt.Sprintf("no answer after %d assistant turns", maxSteps))
			st.result.Status = protocol.TrajectoryFailed
			st.result.ErrorKind = protocol.ErrStepCap
			st.result.Message = "step cap reached"
			return &st.result
		}

		out := e.streamTurn(ctx, st.messages)
		st.result.AssistantTurns = turns

		if out.err != nil {
			kind, status := classifyTurnError(ctx, out.err)
			e.recordError(st, kind, out.err.Error())
			st.result.Status = status
			st.result.ErrorKind = kind
			st.result.Message = out.err.Error()
			return &st.result
		}

		e.attributeUsage(st, out)

		if out.repairs >= e.cfg.RepairThreshold {
			e.recordError(st, protocol.ErrUnparseableOutput,
				fmt.Sprintf("%d parse repairs in one turn", out.repairs))
			st.result.Status = protocol.TrajectoryFailed
			st.result.ErrorKind = protocol.ErrUnparseableOutput
			st.result.Message = "model output unparseable"
			return &st.result
		}

		turn := codec.Collect(out.events)

		assistantText := out.raw
		if turn.Fabricated {
			// Strip the hallucinated region and everything after it from
			// the history the next round sees.
			if i := strings.Index(assistantText, "<result"); i >= 0 {
				assistantText = assistantText[:i]
			}
		}
		st.messages = append(st.messages, llm.Message{Role: llm.RoleAssistant, Content: assistantText})

		for _, think := range turn.Thinks {
			e.recordStep(st, protocol.Step{
				Kind:    protocol.StepThink,
				Output:  think,
				Success: true,
			})
		}

		switch {
		case len(turn.Calls) > 0:
			done := e.dispatchCalls(ctx, st, turn)
			if done {
				return &st.result
			}

		case turn.HasAnswer:
			e.recordStep(st, protocol.Step{
				Kind:    protocol.StepAnswer,
				Output:  turn.Answer,
				Success: true,
			})
			st.result.Status = protocol.TrajectorySuccess
			st.result.FinalAnswer = turn.Answer
			return &st.result

		case turn.Fabricated:
			e.recordError(st, protocol.ErrFabricatedResult, "model fabricated a <result> block with no tool call")
			st.messages = append(st.messages, llm.Message{Role: llm.RoleUser, Content: nudgeFabricated})

		default:
			st.messages = append(st.messages, llm.Message{Role: llm.RoleUser, Content: nudgeContinue})
		}
	}
}

// turnOutcome is what one streamed generation produced.
type turnOutcome struct {
	events  []codec.Event
	repairs int
	raw     string
	usage   *llm.Usage
	err     error
}

// streamTurn runs one generation: open the stream, feed tokens through
// the parser as they arrive, and abort the moment a fabricated result
// shows up. An idle gap between tokens beyond the configured timeout
// fails the turn with provider_stalled.
func (e *Engine) streamTurn(ctx context.Context, messages []llm.Message) turnOutcome {
	if err := ctx.Err(); err != nil {
		return turnOutcome{err: err}
	}

	stream, err := e.provider.Stream(ctx, &llm.Request{
		Messages: messages,
		Stop:     stopSequences,
	})
	if err != nil {
		if ctx.Err() != nil {
			return turnOutcome{err: ctx.Err()}
		}
		return turnOutcome{err: fmt.Errorf("provider request failed: %w", err)}
	}
	defer stream.Close()

	type recvResult struct {
		chunk *llm.Chunk
		err   error
	}
	recvCh := make(chan recvResult)
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		for {
			chunk, err := stream.Recv()
			select {
			case recvCh <- recvResult{chunk, err}:
			case <-pumpDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idleTimeout := time.Duration(e.cfg.ProviderIdleTimeoutSeconds) * time.Second
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	parser := codec.NewParser()
	var out turnOutcome
	var raw strings.Builder

	finish := func() turnOutcome {
		out.events = append(out.events, parser.Finish()...)
		out.repairs = parser.Repairs()
		out.raw = raw.String()
		return out
	}

	for {
		select {
		case <-ctx.Done():
			return turnOutcome{err: ctx.Err()}

		case <-idle.C:
			return turnOutcome{err: fmt.Errorf("%s: no tokens for %s", protocol.ErrProviderStalled, idleTimeout)}

		case r := <-recvCh:
			if r.err == io.EOF {
				return finish()
			}
			if r.err != nil {
				if ctx.Err() != nil {
					return turnOutcome{err: ctx.Err()}
				}
				return turnOutcome{err: fmt.Errorf("provider stream failed: %w", r.err)}
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

			chunk := r.chunk
			if chunk.Usage != nil {
				out.usage = chunk.Usage
			}
			if chunk.Text == "" {
				continue
			}

			raw.WriteString(chunk.Text)
			events := parser.Feed(chunk.Text)
			out.events = append(out.events, events...)

			for _, ev := range events {
				if ev.Type == codec.FabricatedResult {
					// Abort generation: nothing after the fake result
					// may be consumed.
					slog.Warn("Fabricated result detected, aborting generation")
					return finish()
				}
			}
		}
	}
}

// attributeUsage queues the turn's token usage for the next recorded
// step, estimating when the provider reported none.
func (e *Engine) attributeUsage(st *runState, out turnOutcome) {
	var in, outTokens int
	if out.usage != nil {
		in, outTokens = out.usage.PromptTokens, out.usage.CompletionTokens
	} else {
		for _, m := range st.messages {
			in += llm.EstimateTokens(m.Content)
		}
		outTokens = llm.EstimateTokens(out.raw)
	}

	st.pendTokensIn += in
	st.pendTokensOut += outTokens
	st.pendCost += int64(in)*e.promptCostMicros/1000 + int64(outTokens)*e.completionCostMicros/1000
}

// recordStep assigns the next step id, attaches any pending usage, and
// delivers the step to the sink. Steps within a task form a strictly
// increasing, gap-free sequence.
func (e *Engine) recordStep(st *runState, step protocol.Step) {
	st.stepID++
	step.StepID = st.stepID
	step.Timestamp = time.Now().UTC()

	step.TokensIn += st.pendTokensIn
	step.TokensOut += st.pendTokensOut
	step.CostMicros += st.pendCost
	st.pendTokensIn, st.pendTokensOut, st.pendCost = 0, 0, 0

	if err := st.sink.RecordStep(step); err != nil {
		slog.Error("Failed to record step", "task", st.task.ID, "step", step.StepID, "error", err)
	}
}

func (e *Engine) recordError(st *runState, kind protocol.ErrorKind, message string) {
	e.recordStep(st, protocol.Step{
		Kind:      protocol.StepError,
		Output:    message,
		ErrorKind: kind,
	})
}

// classifyTurnError maps a failed turn onto (error kind, task status).
func classifyTurnError(ctx context.Context, err error) (protocol.ErrorKind, protocol.TrajectoryStatus) {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return protocol.ErrTaskTimeout, protocol.TrajectoryTimeout
	case ctx.Err() == context.Canceled:
		return protocol.ErrCancelled, protocol.TrajectoryCancelled
	case strings.Contains(err.Error(), string(protocol.ErrProviderStalled)):
		return protocol.ErrProviderStalled, protocol.TrajectoryFailed
	default:
		return protocol.ErrProviderStalled, protocol.TrajectoryFailed
	}
}
