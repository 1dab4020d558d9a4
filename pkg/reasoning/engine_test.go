package reasoning

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/protocol"
	"github.com/kadirpekel/nestor/pkg/tools"
)

// ----------------------------------------------------------------------------
// Scripted fakes
// ----------------------------------------------------------------------------

// scriptedProvider plays back one canned completion per turn, streamed
// in small chunks the way a real provider would deliver tokens.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts []string
	usage   []llm.Usage
	turn    int
	delay   time.Duration
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-model" }

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.turn >= len(p.scripts) {
		return nil, fmt.Errorf("no script for turn %d", p.turn+1)
	}
	text := p.scripts[p.turn]
	var usage *llm.Usage
	if p.turn < len(p.usage) {
		u := p.usage[p.turn]
		usage = &u
	}
	p.turn++

	return &scriptedStream{text: text, usage: usage, delay: p.delay, ctx: ctx}, nil
}

type scriptedStream struct {
	text   string
	usage  *llm.Usage
	delay  time.Duration
	ctx    context.Context
	pos    int
	closed bool
	done   bool
}

func (s *scriptedStream) Recv() (*llm.Chunk, error) {
	if s.closed || s.done && s.usage == nil {
		return nil, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if s.pos < len(s.text) {
		end := s.pos + 7
		if end > len(s.text) {
			end = len(s.text)
		}
		chunk := &llm.Chunk{Text: s.text[s.pos:end]}
		s.pos = end
		return chunk, nil
	}
	if !s.done {
		s.done = true
		if s.usage != nil {
			u := s.usage
			s.usage = nil
			return &llm.Chunk{Usage: u, FinishReason: "stop"}, nil
		}
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// scriptedOrchestrator serves a fixed catalog and canned invoke results.
type scriptedOrchestrator struct {
	mu      sync.Mutex
	results []tools.InvokeResult
	calls   []string
}

func (o *scriptedOrchestrator) Catalog() []protocol.ToolServer {
	return []protocol.ToolServer{
		{
			ServerID: "microsandbox",
			State:    protocol.ServerReady,
			Capabilities: []protocol.Capability{
				{
					ServerID: "microsandbox", Action: "microsandbox_execute",
					Description: "Run Python code",
					Parameters:  []protocol.Parameter{{Name: "code", Type: "string", Required: true}},
				},
			},
		},
		{
			ServerID: "search",
			State:    protocol.ServerReady,
			Capabilities: []protocol.Capability{
				{
					ServerID: "search", Action: "web_search",
					Description: "Search the web",
					Parameters:  []protocol.Parameter{{Name: "query", Type: "string", Required: true}},
				},
			},
		},
	}
}

func (o *scriptedOrchestrator) Invoke(ctx context.Context, serverID, action string, params map[string]any) tools.InvokeResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls = append(o.calls, serverID+"."+action)
	if len(o.results) == 0 {
		return tools.InvokeResult{Status: protocol.InvocationOK, Body: "ok"}
	}
	res := o.results[0]
	o.results = o.results[1:]
	return res
}

func (o *scriptedOrchestrator) CallTimeout(serverID, action string) time.Duration {
	return 2 * time.Second
}

// stepCollector is a StepSink capturing everything.
type stepCollector struct {
	mu    sync.Mutex
	steps []protocol.Step
}

func (c *stepCollector) RecordStep(step protocol.Step) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
	return nil
}

func (c *stepCollector) kinds() []protocol.StepKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.StepKind, 0, len(c.steps))
	for _, s := range c.steps {
		out = append(out, s.Kind)
	}
	return out
}

func newTask(maxSteps int) *protocol.Task {
	task := &protocol.Task{
		ID:             protocol.NewTaskID(),
		Description:    "test task",
		Type:           protocol.TaskTypeGeneral,
		MaxSteps:       maxSteps,
		TimeoutSeconds: 30,
	}
	return task
}

func newEngine(provider llm.Provider, orch ToolOrchestrator) *Engine {
	cfg := config.EngineConfig{}
	cfg.SetDefaults()
	cfg.ProviderIdleTimeoutSeconds = 2
	return NewEngine(provider, orch, cfg)
}

const sandboxCall = `<think>run it</think><microsandbox><microsandbox_execute>{"code":"print(2**10)"}</microsandbox_execute></microsandbox><execute_tools/>`

// ----------------------------------------------------------------------------
// End-to-end scenarios
// ----------------------------------------------------------------------------

func TestRunTask_SingleShotAnswer(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{"<think>arithmetic</think><answer>4</answer>"},
		usage:   []llm.Usage{{PromptTokens: 40, CompletionTokens: 12}},
	}
	orch := &scriptedOrchestrator{}
	sink := &stepCollector{}

	result := newEngine(provider, orch).RunTask(context.Background(), newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Equal(t, "4", result.FinalAnswer)
	assert.Empty(t, result.Invocations)
	assert.Equal(t, []protocol.StepKind{protocol.StepThink, protocol.StepAnswer}, sink.kinds())

	// P6: usage lands on recorded steps, exactly once.
	var tokensIn, tokensOut int
	for _, s := range sink.steps {
		tokensIn += s.TokensIn
		tokensOut += s.TokensOut
	}
	assert.Equal(t, 40, tokensIn)
	assert.Equal(t, 12, tokensOut)
}

func TestRunTask_OneRealToolCall(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{sandboxCall, "<answer>1024</answer>"},
	}
	orch := &scriptedOrchestrator{
		results: []tools.InvokeResult{{Status: protocol.InvocationOK, Body: "1024"}},
	}
	sink := &stepCollector{}

	result := newEngine(provider, orch).RunTask(context.Background(), newTask(10), "", sink)

	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Equal(t, "1024", result.FinalAnswer)

	require.Equal(t, []protocol.StepKind{
		protocol.StepThink, protocol.StepToolCall, protocol.StepToolResult, protocol.StepAnswer,
	}, sink.kinds())

	assert.Equal(t, "1024", sink.steps[2].Output)
	assert.True(t, sink.steps[2].Success)

	require.Len(t, result.Invocations, 1)
	assert.Equal(t, protocol.InvocationOK, result.Invocations[0].Status)
	assert.Equal(t, []string{"microsandbox.microsandbox_execute"}, orch.calls)

	// I1: strictly increasing, gap-free step ids.
	for i, s := range sink.steps {
		assert.Equal(t, i+1, s.StepID)
	}
}

func TestRunTask_HallucinationDefense(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{
			sandboxCall + "<result>9999</result><answer>9999</answer>",
			"<answer>1024</answer>",
		},
	}
	orch := &scriptedOrchestrator{
		results: []tools.InvokeResult{{Status: protocol.InvocationOK, Body: "1024"}},
	}
	sink := &stepCollector{}

	result := newEngine(provider, orch).RunTask(context.Background(), newTask(10), "", sink)

	// P3: the fabricated result never survives; the real invocation runs.
	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Equal(t, "1024", result.FinalAnswer)
	require.Len(t, result.Invocations, 1)

	for _, s := range sink.steps {
		assert.NotContains(t, s.Output, "9999", "fabricated content must not reach the trajectory")
	}
}

func TestRunTask_FabricatedResultWithoutCall(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{"<result>5</result>", "<answer>real answer</answer>"},
	}
	sink := &stepCollector{}

	result := newEngine(provider, &scriptedOrchestrator{}).RunTask(context.Background(), newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Equal(t, 2, result.AssistantTurns, "the corrective nudge counts against the budget")

	var sawFabricated bool
	for _, s := range sink.steps {
		if s.Kind == protocol.StepError && s.ErrorKind == protocol.ErrFabricatedResult {
			sawFabricated = true
		}
	}
	assert.True(t, sawFabricated)
}

func TestRunTask_ToolTimeoutThenRecovery(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{sandboxCall, "<answer>unable to compute</answer>"},
	}
	orch := &scriptedOrchestrator{
		results: []tools.InvokeResult{
			{Status: protocol.InvocationTimeout, Body: "deadline exceeded"},
			{Status: protocol.InvocationTimeout, Body: "deadline exceeded"},
		},
	}
	sink := &stepCollector{}

	engine := newEngine(provider, orch)
	engine.cfg.ToolRetryBackoffSeconds = 1

	result := engine.RunTask(context.Background(), newTask(10), "", sink)

	// S4: the task still succeeds; the failure lives in the invocations.
	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	require.Len(t, result.Invocations, 2)
	assert.Equal(t, protocol.InvocationTimeout, result.Invocations[0].Status)
	assert.Equal(t, protocol.InvocationTimeout, result.Invocations[1].Status)
	assert.Equal(t, 1, result.Invocations[0].Attempt)
	assert.Equal(t, 2, result.Invocations[1].Attempt)

	var sawTimeoutResult bool
	for _, s := range sink.steps {
		if s.Kind == protocol.StepToolResult && s.ErrorKind == protocol.ErrTimeout {
			sawTimeoutResult = true
			assert.False(t, s.Success)
		}
	}
	assert.True(t, sawTimeoutResult)
}

func TestRunTask_StepCap(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{sandboxCall, sandboxCall},
	}
	orch := &scriptedOrchestrator{}
	sink := &stepCollector{}

	result := newEngine(provider, orch).RunTask(context.Background(), newTask(2), "", sink)

	assert.Equal(t, protocol.TrajectoryFailed, result.Status)
	assert.Equal(t, protocol.ErrStepCap, result.ErrorKind)
	assert.Equal(t, 2, result.AssistantTurns)

	last := sink.steps[len(sink.steps)-1]
	assert.Equal(t, protocol.StepError, last.Kind)
	assert.Equal(t, protocol.ErrStepCap, last.ErrorKind)
}

func TestRunTask_MaxStepsOneWithImmediateAnswer(t *testing.T) {
	provider := &scriptedProvider{scripts: []string{"<answer>now</answer>"}}
	sink := &stepCollector{}

	result := newEngine(provider, &scriptedOrchestrator{}).RunTask(context.Background(), newTask(1), "", sink)

	// B1: one assistant turn suffices.
	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Equal(t, 1, result.AssistantTurns)
}

func TestRunTask_ZeroTimeout(t *testing.T) {
	provider := &scriptedProvider{scripts: []string{"<answer>never</answer>"}}
	sink := &stepCollector{}

	task := newTask(5)
	task.TimeoutSeconds = 0

	result := newEngine(provider, &scriptedOrchestrator{}).RunTask(context.Background(), task, "", sink)

	// B2: the first provider read finds the deadline expired.
	assert.Equal(t, protocol.TrajectoryTimeout, result.Status)
	assert.Equal(t, protocol.ErrTaskTimeout, result.ErrorKind)
}

func TestRunTask_UnknownServer(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{
			"<ghost><go_fetch>something</go_fetch></ghost><execute_tools/>",
			"<answer>giving up on that tool</answer>",
		},
	}
	orch := &scriptedOrchestrator{}
	sink := &stepCollector{}

	result := newEngine(provider, orch).RunTask(context.Background(), newTask(5), "", sink)

	// B4: a descriptive invalid_params tool_result, then the loop goes on.
	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Empty(t, orch.calls, "unknown servers are never contacted")

	var sawInvalid bool
	for _, s := range sink.steps {
		if s.Kind == protocol.StepToolResult && s.ErrorKind == protocol.ErrInvalidParams {
			sawInvalid = true
			assert.Contains(t, s.Output, "microsandbox")
			assert.Contains(t, s.Output, "search")
		}
	}
	assert.True(t, sawInvalid)
}

func TestRunTask_FreeTextParamsBindSoleRequired(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{
			"<search><web_search>golang generics tutorial</web_search></search><execute_tools/>",
			"<answer>found it</answer>",
		},
	}
	orch := &scriptedOrchestrator{
		results: []tools.InvokeResult{{Status: protocol.InvocationOK, Body: "results..."}},
	}
	sink := &stepCollector{}

	result := newEngine(provider, orch).RunTask(context.Background(), newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	require.Len(t, result.Invocations, 1)
	assert.Equal(t, map[string]any{"query": "golang generics tutorial"}, result.Invocations[0].Parameters)
}

func TestRunTask_NudgeOnEmptyTurn(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{"I am not sure what to do.", "<answer>done</answer>"},
	}
	sink := &stepCollector{}

	result := newEngine(provider, &scriptedOrchestrator{}).RunTask(context.Background(), newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Equal(t, 2, result.AssistantTurns)
}

func TestRunTask_ProviderStalled(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{"<answer>slow</answer>"},
		delay:   5 * time.Second,
	}
	sink := &stepCollector{}

	engine := newEngine(provider, &scriptedOrchestrator{})
	engine.cfg.ProviderIdleTimeoutSeconds = 1

	result := engine.RunTask(context.Background(), newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectoryFailed, result.Status)
	assert.Equal(t, protocol.ErrProviderStalled, result.ErrorKind)
}

func TestRunTask_Cancellation(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{"<answer>slow</answer>"},
		delay:   10 * time.Second,
	}
	sink := &stepCollector{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := newEngine(provider, &scriptedOrchestrator{}).RunTask(ctx, newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectoryCancelled, result.Status)
	assert.Equal(t, protocol.ErrCancelled, result.ErrorKind)
}

func TestRunTask_ParallelCalls(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{
			`<parallel><search><web_search>go 1.24</web_search></search><microsandbox><microsandbox_execute>{"code":"1+1"}</microsandbox_execute></microsandbox></parallel><execute_tools/>`,
			"<answer>both done</answer>",
		},
	}
	orch := &scriptedOrchestrator{
		results: []tools.InvokeResult{
			{Status: protocol.InvocationOK, Body: "search results"},
			{Status: protocol.InvocationOK, Body: "2"},
		},
	}
	sink := &stepCollector{}

	engine := newEngine(provider, orch)
	engine.cfg.ParallelCalls = true

	result := engine.RunTask(context.Background(), newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Len(t, result.Invocations, 2)

	// I2 holds even in parallel mode: each tool_call is immediately
	// followed by its tool_result.
	kinds := sink.kinds()
	for i, k := range kinds {
		if k == protocol.StepToolCall {
			require.Less(t, i+1, len(kinds))
			assert.Contains(t, []protocol.StepKind{protocol.StepToolResult, protocol.StepError}, kinds[i+1])
		}
	}
}

func TestRunTask_SequentialModeDispatchesOnlyFirstCall(t *testing.T) {
	provider := &scriptedProvider{
		scripts: []string{
			`<search><web_search>one</web_search></search><microsandbox><microsandbox_execute>{"code":"2"}</microsandbox_execute></microsandbox><execute_tools/>`,
			"<answer>ok</answer>",
		},
	}
	orch := &scriptedOrchestrator{
		results: []tools.InvokeResult{{Status: protocol.InvocationOK, Body: "r"}},
	}
	sink := &stepCollector{}

	result := newEngine(provider, orch).RunTask(context.Background(), newTask(5), "", sink)

	assert.Equal(t, protocol.TrajectorySuccess, result.Status)
	assert.Equal(t, []string{"search.web_search"}, orch.calls)
}
