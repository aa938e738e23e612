// Package llm implements the LLM orchestration layer (C10, §4.10): a
// provider abstraction over three wire shapes, a single-writer lock for
// local inference resources, a JSON-extraction retry loop, and five
// post-scan pipelines.
//
// Grounded on l2planner/planner.go's Plan method (budget check → scrub →
// build request → call → parse → guardrails) for the shape of "one call
// through a provider, then classify the result" — generalized here from a
// single hardcoded Anthropic call into three provider implementations
// behind one interface, since this spec serves OpenAI-compatible,
// Ollama-style and Anthropic-style endpoints interchangeably rather than
// calling exactly one vendor.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message is one chat turn.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// ChatOptions carries the generation parameters common to all providers.
type ChatOptions struct {
	Temperature  float64
	MaxTokens    int
	JSONMode     bool // request structured JSON output where the wire format supports it
	Endpoint     string
	Credential   string
	Model        string
	TimeoutSecs  int
}

// ChatResult is a provider's normalized response.
type ChatResult struct {
	Content    string
	Model      string
	Provider   string
	InputUsage int
	OutputUsed int
	DurationMS int64
	Raw        string
}

// Provider is the one interface all three wire shapes implement (§4.10
// "Provider abstraction").
type Provider interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResult, error)
}

func httpClientFor(opts ChatOptions) *http.Client {
	timeout := time.Duration(opts.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second // §5 "Per-call deadlines: ... LLM 300s"
	}
	return &http.Client{Timeout: timeout}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// --- OpenAI-compatible provider ---

// OpenAICompatProvider POSTs the {model, messages, temperature, max_tokens,
// response_format?} shape with bearer-token auth, used for any
// OpenAI-wire-compatible endpoint.
type OpenAICompatProvider struct{}

func NewOpenAICompatProvider() *OpenAICompatProvider { return &OpenAICompatProvider{} }

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIChatMessage  `json:"messages"`
	Temperature    float64              `json:"temperature"`
	MaxTokens      int                  `json:"max_tokens"`
	ResponseFormat *openAIResponseFmt   `json:"response_format,omitempty"`
}

type openAIResponseFmt struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAICompatProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResult, error) {
	req := openAIRequest{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIChatMessage{Role: m.Role, Content: m.Content})
	}
	if opts.JSONMode {
		req.ResponseFormat = &openAIResponseFmt{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshal openai-compatible request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, fmt.Errorf("build openai-compatible request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+opts.Credential)

	start := time.Now()
	resp, err := httpClientFor(opts).Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return ChatResult{}, fmt.Errorf("openai-compatible call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("read openai-compatible response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, fmt.Errorf("openai-compatible endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ChatResult{}, fmt.Errorf("parse openai-compatible response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("openai-compatible response had no choices")
	}

	return ChatResult{
		Content:    parsed.Choices[0].Message.Content,
		Model:      parsed.Model,
		Provider:   "openai-compatible",
		InputUsage: parsed.Usage.PromptTokens,
		OutputUsed: parsed.Usage.CompletionTokens,
		DurationMS: elapsed.Milliseconds(),
		Raw:        string(raw),
	}, nil
}

// --- Ollama-style provider ---

// OllamaProvider POSTs {model, messages, stream:false, options, format?,
// keep_alive} and enforces a double timeout: an abort signal via the
// request context AND a wall-clock race, because abort alone is unreliable
// against a long local generation (§4.10).
type OllamaProvider struct{}

func NewOllamaProvider() *OllamaProvider { return &OllamaProvider{} }

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
	NumCtx      int     `json:"num_ctx"`
}

type ollamaRequest struct {
	Model     string              `json:"model"`
	Messages  []openAIChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	Options   ollamaOptions       `json:"options"`
	Format    string              `json:"format,omitempty"`
	KeepAlive string              `json:"keep_alive,omitempty"`
}

type ollamaResponse struct {
	Model   string            `json:"model"`
	Message openAIChatMessage `json:"message"`
	EvalCount           int   `json:"eval_count"`
	PromptEvalCount     int   `json:"prompt_eval_count"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResult, error) {
	req := ollamaRequest{
		Model:  opts.Model,
		Stream: false,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
			NumCtx:      4096,
		},
		KeepAlive: "5m",
	}
	if opts.JSONMode {
		req.Format = "json"
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIChatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshal ollama request: %w", err)
	}

	timeout := time.Duration(opts.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	type callOutcome struct {
		result ChatResult
		err    error
	}
	done := make(chan callOutcome, 1)
	start := time.Now()
	go func() {
		resp, err := httpClientFor(opts).Do(httpReq)
		if err != nil {
			done <- callOutcome{err: fmt.Errorf("ollama call: %w", err)}
			return
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			done <- callOutcome{err: fmt.Errorf("read ollama response: %w", err)}
			return
		}
		if resp.StatusCode != http.StatusOK {
			done <- callOutcome{err: fmt.Errorf("ollama endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 300))}
			return
		}
		var parsed ollamaResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			done <- callOutcome{err: fmt.Errorf("parse ollama response: %w", err)}
			return
		}
		done <- callOutcome{result: ChatResult{
			Content:    parsed.Message.Content,
			Model:      parsed.Model,
			Provider:   "ollama",
			InputUsage: parsed.PromptEvalCount,
			OutputUsed: parsed.EvalCount,
			DurationMS: time.Since(start).Milliseconds(),
			Raw:        string(raw),
		}}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		return ChatResult{}, fmt.Errorf("ollama call exceeded wall-clock timeout: %w", callCtx.Err())
	}
}

// --- Anthropic-style provider ---

// AnthropicProvider uses header x-api-key auth and a separate top-level
// "system" field; it has no JSON-mode flag, so JSON output must be
// requested via the prompt itself (§4.10).
type AnthropicProvider struct{}

func NewAnthropicProvider() *AnthropicProvider { return &AnthropicProvider{} }

type anthropicRequest struct {
	Model     string                `json:"model"`
	System    string                `json:"system,omitempty"`
	Messages  []openAIChatMessage   `json:"messages"`
	MaxTokens int                   `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResult, error) {
	req := anthropicRequest{
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	for _, m := range messages {
		if m.Role == "system" {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, openAIChatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshal anthropic-style request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, fmt.Errorf("build anthropic-style request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", opts.Credential)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := httpClientFor(opts).Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return ChatResult{}, fmt.Errorf("anthropic-style call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("read anthropic-style response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, fmt.Errorf("anthropic-style endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ChatResult{}, fmt.Errorf("parse anthropic-style response: %w", err)
	}
	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return ChatResult{
		Content:    content,
		Model:      parsed.Model,
		Provider:   "anthropic-style",
		InputUsage: parsed.Usage.InputTokens,
		OutputUsed: parsed.Usage.OutputTokens,
		DurationMS: elapsed.Milliseconds(),
		Raw:        string(raw),
	}, nil
}

// ForProviderName resolves a configured provider string ("openai",
// "ollama", "anthropic") to its Provider implementation.
func ForProviderName(name string) (Provider, error) {
	switch name {
	case "openai", "openai-compatible":
		return NewOpenAICompatProvider(), nil
	case "ollama":
		return NewOllamaProvider(), nil
	case "anthropic", "anthropic-style":
		return NewAnthropicProvider(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
