package memory

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/protocol"
)

// Summarizer produces a compact digest of a step prefix, fitting within
// a token budget.
type Summarizer interface {
	Summarize(ctx context.Context, steps []protocol.Step, budgetTokens int) (string, error)
}

const summarizationPrompt = `You are a conversation summarizer. Summarize the following agent
trajectory steps so a future task in the same session can rely on the
summary alone.

Guidelines:
- Keep task outcomes, tools used, and key facts produced
- Preserve names, numbers and identifiers exactly
- Neutral, factual tone; no information not present in the steps

Steps to summarize:
%s

Summary:`

// LLMSummarizer digests steps with a model call.
type LLMSummarizer struct {
	provider llm.Provider
}

// NewLLMSummarizer creates a model-backed summarizer.
func NewLLMSummarizer(provider llm.Provider) (*LLMSummarizer, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required for summarization")
	}
	return &LLMSummarizer{provider: provider}, nil
}

func (s *LLMSummarizer) Summarize(ctx context.Context, steps []protocol.Step, budgetTokens int) (string, error) {
	if len(steps) == 0 {
		return "", nil
	}

	prompt := fmt.Sprintf(summarizationPrompt, renderSteps(steps))
	stream, err := s.provider.Stream(ctx, &llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: budgetTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("summarization stream failed: %w", err)
		}
		out.WriteString(chunk.Text)
	}

	return trimToBudget(strings.TrimSpace(out.String()), budgetTokens), nil
}

// HeuristicSummarizer digests steps without a model: answers produced,
// tools used, and the first line of each successful tool result.
type HeuristicSummarizer struct{}

func (HeuristicSummarizer) Summarize(_ context.Context, steps []protocol.Step, budgetTokens int) (string, error) {
	if len(steps) == 0 {
		return "", nil
	}

	toolsUsed := make(map[string]bool)
	var answers []string
	var facts []string

	for _, step := range steps {
		switch step.Kind {
		case protocol.StepToolCall:
			if step.ToolName != "" {
				toolsUsed[step.ToolName+"."+step.ToolAction] = true
			}
		case protocol.StepToolResult:
			if step.Success && step.Output != "" {
				facts = append(facts, firstLine(step.Output, 160))
			}
		case protocol.StepAnswer:
			answers = append(answers, firstLine(step.Output, 240))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier steps.\n", len(steps))
	if len(toolsUsed) > 0 {
		names := make([]string, 0, len(toolsUsed))
		for name := range toolsUsed {
			names = append(names, name)
		}
		fmt.Fprintf(&b, "Tools used: %s.\n", strings.Join(names, ", "))
	}
	if len(answers) > 0 {
		fmt.Fprintf(&b, "Answers produced: %s\n", strings.Join(answers, " | "))
	}
	if len(facts) > 0 {
		b.WriteString("Key results:\n")
		for _, fact := range facts {
			fmt.Fprintf(&b, "- %s\n", fact)
		}
	}

	return trimToBudget(strings.TrimSpace(b.String()), budgetTokens), nil
}

func renderSteps(steps []protocol.Step) string {
	var b strings.Builder
	for _, step := range steps {
		fmt.Fprintf(&b, "[%s]", step.Kind)
		if step.ToolName != "" {
			fmt.Fprintf(&b, " %s.%s", step.ToolName, step.ToolAction)
		}
		if step.Output != "" {
			fmt.Fprintf(&b, ": %s", firstLine(step.Output, 400))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// trimToBudget cuts text to approximately budgetTokens tokens.
func trimToBudget(text string, budgetTokens int) string {
	if budgetTokens <= 0 || llm.EstimateTokens(text) <= budgetTokens {
		return text
	}

	// Binary search the longest prefix within budget.
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if llm.EstimateTokens(text[:mid]) <= budgetTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return text[:lo]
}
