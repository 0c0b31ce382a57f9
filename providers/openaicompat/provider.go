// Package openaicompat implements providers.Provider against any vendor
// that speaks the OpenAI chat-completions wire dialect (OpenAI itself
// and the large family of OpenAI-compatible gateways).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/types"
	"go.uber.org/zap"
)

// Provider talks to an OpenAI-compatible /v1/chat/completions endpoint.
type Provider struct {
	name   string
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New constructs an OpenAI-compatible provider registered under name.
func New(name string, cfg providers.Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &Provider{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

type wireMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function wireFunctionRef `json:"function"`
}

type wireFunctionRef struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	User        string        `json:"user,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string        `json:"model"`
	Created int64         `json:"created"`
	Choices []wireChoice  `json:"choices"`
	Usage   *wireUsage    `json:"usage,omitempty"`
}

type wireStreamDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireStreamChoice struct {
	Index        int             `json:"index"`
	Delta        wireStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type wireStreamChunk struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []wireStreamChoice `json:"choices"`
	Usage   *wireUsage         `json:"usage,omitempty"`
}

func toWireMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionRef{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []types.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (p *Provider) buildRequest(req *providers.ChatRequest, stream bool) wireRequest {
	return wireRequest{
		Model:       providers.ChooseModel(req.Model, p.cfg.Model),
		Messages:    toWireMessages(req.Messages),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
		Tools:       toWireTools(req.Tools),
		User:        req.User,
	}
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.cfg.BaseURL, "/"), path)
}

func (p *Provider) newHTTPRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.endpoint(path), reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

func (p *Provider) Completion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	httpReq, err := p.newHTTPRequest(ctx, http.MethodPost, "/v1/chat/completions", payload)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error()).WithProvider(p.name)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(p.name)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, types.NewError(types.ErrTranslationError, "decoding response: "+err.Error()).WithProvider(p.name)
	}
	return fromWireResponse(&wr, p.name), nil
}

func fromWireResponse(wr *wireResponse, provider string) *providers.ChatResponse {
	choices := make([]providers.ChatChoice, 0, len(wr.Choices))
	for _, c := range wr.Choices {
		msg := types.NewMessage(types.Role(c.Message.Role), c.Message.Content)
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		choices = append(choices, providers.ChatChoice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: c.FinishReason,
		})
	}
	usage := providers.ChatUsage{}
	if wr.Usage != nil {
		usage = providers.ChatUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		}
	}
	return &providers.ChatResponse{
		ID:       wr.ID,
		Model:    wr.Model,
		Provider: provider,
		Created:  wr.Created,
		Choices:  choices,
		Usage:    usage,
	}
}

// Stream performs a streaming completion. The returned channel is fed
// by a single goroutine that owns the upstream response body; the
// goroutine closes both the body and the channel on every exit path
// (normal completion, upstream error mid-stream, or context
// cancellation), so callers only need to range over the channel.
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	payload, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	httpReq, err := p.newHTTPRequest(ctx, http.MethodPost, "/v1/chat/completions", payload)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error()).WithProvider(p.name)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(p.name)
	}
	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		providers.SafeCloseBody(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	ch := make(chan providers.StreamChunk)
	go p.pump(resp.Body, ch)
	return ch, nil
}

func (p *Provider) pump(body io.ReadCloser, ch chan<- providers.StreamChunk) {
	defer body.Close()
	defer close(ch)

	sse := providers.NewSSEReader(body)
	for {
		payload, err := sse.Next()
		if err != nil {
			if err != io.EOF {
				ch <- providers.StreamChunk{Provider: p.name, Err: err}
			}
			return
		}
		if payload == "[DONE]" {
			ch <- providers.StreamChunk{Provider: p.name, Done: true}
			return
		}
		var wc wireStreamChunk
		if err := json.Unmarshal([]byte(payload), &wc); err != nil {
			ch <- providers.StreamChunk{Provider: p.name, Err: err}
			return
		}
		chunk := providers.StreamChunk{ID: wc.ID, Model: wc.Model, Provider: p.name}
		if wc.Usage != nil {
			chunk.Usage = &providers.ChatUsage{
				PromptTokens:     wc.Usage.PromptTokens,
				CompletionTokens: wc.Usage.CompletionTokens,
				TotalTokens:      wc.Usage.TotalTokens,
			}
		}
		if len(wc.Choices) > 0 {
			choice := wc.Choices[0]
			chunk.Delta = choice.Delta.Content
			if choice.FinishReason != nil {
				chunk.FinishReason = *choice.FinishReason
			}
		}
		ch <- chunk
	}
}

func (p *Provider) HealthCheck(ctx context.Context) (*providers.HealthStatus, error) {
	start := time.Now()
	httpReq, err := p.newHTTPRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return &providers.HealthStatus{Healthy: false}, err
	}
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &providers.HealthStatus{Healthy: false, Latency: latency, Message: err.Error()}, err
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &providers.HealthStatus{Healthy: false, Latency: latency, Message: msg},
			fmt.Errorf("openaicompat health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &providers.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	httpReq, err := p.newHTTPRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(p.name)
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}
	var out struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	models := make([]providers.Model, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, providers.Model{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return models, nil
}
