package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openberl/dispatch/internal/config"
	"github.com/openberl/dispatch/internal/envelope"
)

// OpenAIAdapter handles communication with OpenAI-compatible chat APIs.
type OpenAIAdapter struct {
	cfg      config.AdapterConfig
	client   *http.Client
	requests atomic.Int64
}

func NewOpenAIAdapter(cfg config.AdapterConfig, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{cfg: cfg, client: client}
}

func (a *OpenAIAdapter) Name() string { return a.cfg.Name }

func (a *OpenAIAdapter) Capabilities() []envelope.TaskCategory {
	return categoriesFromConfig(a.cfg.Capabilities)
}

// RequestCount returns how many times Execute has been called.
func (a *OpenAIAdapter) RequestCount() int64 { return a.requests.Load() }

func (a *OpenAIAdapter) TranslateRequest(ctx context.Context, req *envelope.Request) (*http.Request, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	messages := make([]envelope.Message, 0, len(req.Context)+1)
	messages = append(messages, req.Context...)
	messages = append(messages, envelope.Message{Role: "user", Content: req.Payload})

	body := openAIRequestBody{
		Model:       a.cfg.Model,
		Messages:    messages,
		Temperature: req.Metadata.Temperature,
	}
	if req.Metadata.MaxTokens > 0 {
		body.MaxTokens = &req.Metadata.MaxTokens
	}
	applyOpenAIExtras(&body, req.Metadata.Extra)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	url := a.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	return httpReq, nil
}

func (a *OpenAIAdapter) TranslateResponse(resp *http.Response, orig *envelope.Request) (*envelope.Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Adapter: a.Name(), Message: "read provider response", Transient: true, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(a.Name(), resp.StatusCode, body)
	}

	var oaiResp openAIResponseBody
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, &ProviderError{Adapter: a.Name(), Message: "malformed provider response", Cause: err}
	}
	if len(oaiResp.Choices) == 0 {
		return nil, &ProviderError{Adapter: a.Name(), Message: "provider response has no choices"}
	}

	usage := envelope.Usage{
		PromptTokens:     oaiResp.Usage.PromptTokens,
		CompletionTokens: oaiResp.Usage.CompletionTokens,
		TotalTokens:      oaiResp.Usage.TotalTokens,
	}

	return &envelope.Response{
		TaskCategory: orig.TaskCategory,
		RequestID:    orig.RequestID,
		AdapterName:  a.Name(),
		Result:       oaiResp.Choices[0].Message.Content,
		Usage:        &usage,
		CostEstimate: float64(usage.PromptTokens)*a.cfg.CostPerPromptToken +
			float64(usage.CompletionTokens)*a.cfg.CostPerCompletionToken,
	}, nil
}

func (a *OpenAIAdapter) Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
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

// applyOpenAIExtras maps recognized pass-through extras onto the request
// body. Unrecognized keys are ignored here but still participate in cache
// keying.
func applyOpenAIExtras(body *openAIRequestBody, extra map[string]string) {
	if v, ok := extra["top_p"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			body.TopP = &f
		}
	}
	if v, ok := extra["stop"]; ok && v != "" {
		body.Stop = strings.Split(v, ",")
	}
}

func categoriesFromConfig(raw []string) []envelope.TaskCategory {
	cats := make([]envelope.TaskCategory, len(raw))
	for i, c := range raw {
		cats[i] = envelope.TaskCategory(c)
	}
	return cats
}

type openAIRequestBody struct {
	Model       string             `json:"model"`
	Messages    []envelope.Message `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
}

type openAIResponseBody struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int              `json:"index"`
		Message      envelope.Message `json:"message"`
		FinishReason string           `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
