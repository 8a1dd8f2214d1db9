package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries is how often a rate-limited or failed call is retried.
	DefaultMaxRetries = 2
	defaultAPIBase    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
	maxBackoff        = 30 * time.Second
)

// OpenAIProvider talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, OpenRouter, vLLM, Ollama).
type OpenAIProvider struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

func NewOpenAIProvider(apiKey, apiBase, model string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if model == "" {
		model = defaultModel
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		maxRetries: DefaultMaxRetries,
		backoff:    time.Second,
	}
}

// WithRetries sets the retry budget and the base backoff, which doubles per
// attempt up to 30s.
func (p *OpenAIProvider) WithRetries(n int, backoff time.Duration) *OpenAIProvider {
	p.maxRetries = max(n, 0)
	p.backoff = backoff
	return p
}

func (p *OpenAIProvider) DefaultModel() string { return p.model }

// Chat retries rate limits and server errors. A Retry-After header from the
// server replaces the computed backoff.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	wait := p.backoff
	for attempt := 0; ; attempt++ {
		resp, retryAfter, err := p.send(ctx, payload)
		if err == nil {
			slog.Debug("Provider call", "model", p.model, "attempt", attempt, "prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if attempt >= p.maxRetries || ctx.Err() != nil || (errors.As(err, &apiErr) && !apiErr.Temporary()) {
			return nil, lastErr
		}
		if retryAfter > 0 {
			wait = retryAfter
		}
		slog.Warn("Provider call failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

func (p *OpenAIProvider) send(ctx context.Context, payload []byte) (*ChatResponse, time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retryAfter(resp.Header.Get("Retry-After")), &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var wire chatCompletion
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, 0, fmt.Errorf("parse response: %w", err)
	}
	out, err := wire.toResponse()
	return out, 0, err
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, maxBackoff)
	}
	if at, err := http.ParseTime(v); err == nil {
		return min(max(time.Until(at), 0), maxBackoff)
	}
	return 0
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatCompletion struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (p *OpenAIProvider) buildRequest(req *ChatRequest) chatCompletionRequest {
	out := chatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
	}
	if out.Model == "" {
		out.Model = p.model
	}
	if len(req.Tools) > 0 {
		out.Tools = req.Tools
		out.ToolChoice = "auto"
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: string(args)},
			})
		}
		out.Messages = append(out.Messages, wm)
	}
	return out
}

func (c *chatCompletion) toResponse() (*ChatResponse, error) {
	if len(c.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}
	choice := c.Choices[0]
	out := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        c.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Unparseable arguments pass through under "raw".
				args = map[string]any{"raw": tc.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}
