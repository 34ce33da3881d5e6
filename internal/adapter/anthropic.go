package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/openberl/dispatch/internal/config"
	"github.com/openberl/dispatch/internal/envelope"
)

// anthropicDefaultMaxTokens applies when the envelope does not set a limit;
// the Messages API requires max_tokens.
const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	cfg      config.AdapterConfig
	client   *http.Client
	requests atomic.Int64
}

func NewAnthropicAdapter(cfg config.AdapterConfig, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{cfg: cfg, client: client}
}

func (a *AnthropicAdapter) Name() string { return a.cfg.Name }

func (a *AnthropicAdapter) Capabilities() []envelope.TaskCategory {
	return categoriesFromConfig(a.cfg.Capabilities)
}

// RequestCount returns how many times Execute has been called.
func (a *AnthropicAdapter) RequestCount() int64 { return a.requests.Load() }

func (a *AnthropicAdapter) TranslateRequest(ctx context.Context, req *envelope.Request) (*http.Request, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// The Messages API takes the system prompt out of band.
	var system string
	var messages []anthropicMessage
	for _, m := range req.Context {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, anthropicMessage{Role: "user", Content: req.Payload})

	maxTokens := anthropicDefaultMaxTokens
	if req.Metadata.MaxTokens > 0 {
		maxTokens = req.Metadata.MaxTokens
	}

	body := anthropicRequestBody{
		Model:       a.cfg.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Metadata.Temperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	url := a.cfg.BaseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	return httpReq, nil
}

func (a *AnthropicAdapter) TranslateResponse(resp *http.Response, orig *envelope.Request) (*envelope.Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Adapter: a.Name(), Message: "read provider response", Transient: true, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(a.Name(), resp.StatusCode, body)
	}

	var antResp anthropicResponseBody
	if err := json.Unmarshal(body, &antResp); err != nil {
		return nil, &ProviderError{Adapter: a.Name(), Message: "malformed provider response", Cause: err}
	}

	var content string
	for _, block := range antResp.Content {
		if block.Type == "text" {
			content = block.Text
			break
		}
	}
	if content == "" {
		return nil, &ProviderError{Adapter: a.Name(), Message: "provider response has no text content"}
	}

	usage := envelope.Usage{
		PromptTokens:     antResp.Usage.InputTokens,
		CompletionTokens: antResp.Usage.OutputTokens,
		TotalTokens:      antResp.Usage.InputTokens + antResp.Usage.OutputTokens,
	}

	return &envelope.Response{
		TaskCategory: orig.TaskCategory,
		RequestID:    orig.RequestID,
		AdapterName:  a.Name(),
		Result:       content,
		Usage:        &usage,
		CostEstimate: float64(usage.PromptTokens)*a.cfg.CostPerPromptToken +
			float64(usage.CompletionTokens)*a.cfg.CostPerCompletionToken,
	}, nil
}

func (a *AnthropicAdapter) Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	a.requests.Add(1)
	start := time.Now()

	httpReq, err := a.TranslateRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, networkError(a.Name(), err)
	}

	resp, err := a.TranslateResponse(httpResp, req)
	if err != nil {
		return nil, err
	}
	resp.Latency = time.Since(start)
	return resp, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponseBody struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
