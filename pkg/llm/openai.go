package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/httpclient"
)

const (
	openAIDefaultHost = "https://api.openai.com/v1"

	ssePrefix = "data: "
	sseDone   = "[DONE]"
)

// OpenAIProvider streams chat completions from any OpenAI-compatible
// endpoint (the only provider shape the core mandates).
type OpenAIProvider struct {
	name       string
	config     config.ProviderConfig
	httpClient *httpclient.Client
}

// NewOpenAIProvider creates a provider from configuration.
func NewOpenAIProvider(name string, cfg config.ProviderConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model is required", name)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultHost
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
	)

	return &OpenAIProvider{
		name:       name,
		config:     cfg,
		httpClient: client,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.config.Model }

// chatCompletionRequest is the wire request for /chat/completions.
type chatCompletionRequest struct {
	Model         string              `json:"model"`
	Messages      []Message           `json:"messages"`
	Stream        bool                `json:"stream"`
	StreamOptions *streamOptions      `json:"stream_options,omitempty"`
	Stop          []string            `json:"stop,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatCompletionChunk is one SSE payload from /chat/completions.
type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream opens a streaming completion. The returned stream delivers
// token deltas as they arrive; stop sequences are enforced server-side.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (Stream, error) {
	body := chatCompletionRequest{
		Model:         p.config.Model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Stop:          req.Stop,
		MaxTokens:     req.MaxTokens,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.config.MaxTokens
	}
	if req.Temperature != 0 {
		body.Temperature = &req.Temperature
	} else if p.config.Temperature != 0 {
		t := p.config.Temperature
		body.Temperature = &t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s request failed: %w", p.name, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider %s returned HTTP %d: %s", p.name, resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &sseStream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

// sseStream adapts an SSE response body to the Stream interface.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
	usage   *Usage
	finish  string
}

func (s *sseStream) Recv() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, ssePrefix) {
			continue
		}
		data := strings.TrimPrefix(line, ssePrefix)
		if data == sseDone {
			s.done = true
			if s.usage != nil || s.finish != "" {
				return &Chunk{Usage: s.usage, FinishReason: s.finish}, nil
			}
			return nil, io.EOF
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// A malformed frame is skipped rather than failing the turn.
			continue
		}
		if chunk.Error != nil {
			s.done = true
			return nil, fmt.Errorf("provider stream error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			s.usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			s.finish = *choice.FinishReason
		}
		if choice.Delta.Content != "" {
			return &Chunk{Text: choice.Delta.Content}, nil
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if s.usage != nil || s.finish != "" {
		u, f := s.usage, s.finish
		s.usage, s.finish = nil, ""
		return &Chunk{Usage: u, FinishReason: f}, nil
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
