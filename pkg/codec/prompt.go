package codec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// systemContract is the fixed part of the system message: the tool-use
// contract and the tag grammar the parser understands.
const systemContract = `You are an autonomous task-solving agent. You work in rounds: in each
round you may think, then either call exactly one tool or give your
final answer.

Rules, in order of importance:
1. Call at most ONE tool per round, then stop and wait for its result.
2. NEVER write a <result> tag yourself. Results are injected for you
   after the tool actually runs. Inventing a result is a protocol
   violation and the round is discarded.
3. After a tool call, emit <execute_tools/> and stop generating.
4. When you know the final answer, emit it inside <answer></answer> and
   nothing after it.

Grammar:
  <think>your private reasoning, optional</think>
  <SERVER_ID><ACTION_NAME>parameters</ACTION_NAME></SERVER_ID><execute_tools/>
  <answer>final answer text</answer>

Parameters are a JSON object matching the action's declared parameters.
For actions with a single required parameter you may pass the bare value
as free text instead.`

// parallelContract is appended when concurrent dispatch is enabled.
const parallelContract = `

You may wrap exactly two independent tool calls in
<parallel></parallel> to run them concurrently; their results are
injected in the same order.`

// promptExamples are the two worked examples every prompt carries.
const promptExamples = `

Example 1 — answering directly:
  <think>This is arithmetic, no tool needed.</think>
  <answer>4</answer>

Example 2 — one tool call, then the answer:
  <think>I should run this in the sandbox.</think>
  <microsandbox><microsandbox_execute>{"code": "print(2**10)"}</microsandbox_execute></microsandbox><execute_tools/>
  ... after the result arrives ...
  <answer>1024</answer>`

// PromptInput is everything the builder needs. The builder is pure and
// deterministic: equal inputs produce byte-equal prompts.
type PromptInput struct {
	// Servers is the live catalog snapshot (ready servers only).
	Servers []protocol.ToolServer

	// SessionPreamble is an optional summarized prior context.
	SessionPreamble string

	// Task is the user's description, passed through verbatim.
	Task string

	// ParallelCalls advertises the optional parallel wrapper.
	ParallelCalls bool
}

// BuiltPrompt is the assembled initial message set.
type BuiltPrompt struct {
	System string
	User   string
}

// BuildPrompt renders the system and user messages for a task. The
// capability catalog is rendered from the registry snapshot, never from
// static configuration.
func BuildPrompt(in PromptInput) BuiltPrompt {
	var system strings.Builder
	system.WriteString(systemContract)
	if in.ParallelCalls {
		system.WriteString(parallelContract)
	}
	system.WriteString("\n\n")
	system.WriteString(renderCatalog(in.Servers))
	system.WriteString(promptExamples)

	var user strings.Builder
	if in.SessionPreamble != "" {
		user.WriteString("Context from earlier tasks in this session:\n")
		user.WriteString(in.SessionPreamble)
		user.WriteString("\n\n")
	}
	user.WriteString(in.Task)

	return BuiltPrompt{
		System: system.String(),
		User:   user.String(),
	}
}

// renderCatalog enumerates servers and their actions with one-line
// descriptions and required parameters, in stable server order.
func renderCatalog(servers []protocol.ToolServer) string {
	if len(servers) == 0 {
		return "Available tools: none. Answer from your own knowledge."
	}

	sorted := make([]protocol.ToolServer, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ServerID < sorted[j].ServerID
	})

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, server := range sorted {
		fmt.Fprintf(&b, "\n%s:\n", server.ServerID)
		for _, cap := range server.Capabilities {
			fmt.Fprintf(&b, "  %s — %s", cap.Action, cap.Description)
			if params := renderParams(cap); params != "" {
				fmt.Fprintf(&b, " (%s)", params)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderParams(cap protocol.Capability) string {
	var parts []string
	for _, p := range cap.Parameters {
		spec := p.Name + ": " + p.Type
		if p.Required {
			spec += ", required"
		}
		parts = append(parts, spec)
	}
	return strings.Join(parts, "; ")
}
