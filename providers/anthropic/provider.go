// Package anthropic implements providers.Provider against the Anthropic
// Messages API, which uses a distinct wire dialect from the
// OpenAI-compatible family (system-prompt hoisting, tool_use/tool_result
// content blocks, a required max_tokens, and a different SSE event
// vocabulary).
package anthropic

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

const (
	defaultBaseURL       = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	defaultMaxTokens     = 4096
)

// modelAliases maps the gateway's friendly model names onto the
// vendor's versioned model identifiers.
var modelAliases = map[string]string{
	"claude-3-opus":     "claude-3-opus-20240229",
	"claude-3-sonnet":   "claude-3-sonnet-20240229",
	"claude-3-haiku":    "claude-3-haiku-20240307",
	"claude-3.5-sonnet": "claude-3-5-sonnet-20241022",
}

// Provider talks to the Anthropic Messages API.
type Provider struct {
	name   string
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New constructs an Anthropic provider registered under name.
func New(name string, cfg providers.Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
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

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.cfg.BaseURL, "/"), path)
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type content struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	StopSeq     []string  `json:"stop_sequences,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Role         string    `json:"role"`
	Content      []content `json:"content"`
	Model        string    `json:"model"`
	StopReason   string    `json:"stop_reason"`
	StopSequence string    `json:"stop_sequence,omitempty"`
	Usage        *usage    `json:"usage,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Delta        *delta        `json:"delta,omitempty"`
	ContentBlock *content      `json:"content_block,omitempty"`
	Message      *wireResponse `json:"message,omitempty"`
	Usage        *usage        `json:"usage,omitempty"`
}

type delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func toMessages(msgs []types.Message) (string, []message) {
	var system strings.Builder
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		if m.Role == types.RoleTool || m.Role == types.RoleFunction {
			out = append(out, message{
				Role: "user",
				Content: []content{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}
		cm := message{Role: string(m.Role)}
		if m.Content != "" {
			cm.Content = append(cm.Content, content{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			cm.Content = append(cm.Content, content{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(cm.Content) > 0 {
			out = append(out, cm)
		}
	}
	return system.String(), out
}

func toTools(schemas []types.ToolSchema) []tool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, tool{Name: s.Name, Description: s.Description, InputSchema: s.Parameters})
	}
	return out
}

func resolveModel(requested, configured string) string {
	name := providers.ChooseModel(requested, configured)
	if alias, ok := modelAliases[name]; ok {
		return alias
	}
	return name
}

func resolveMaxTokens(req *providers.ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

func (p *Provider) buildRequest(req *providers.ChatRequest, stream bool) wireRequest {
	system, messages := toMessages(req.Messages)
	return wireRequest{
		Model:       resolveModel(req.Model, p.cfg.Model),
		Messages:    messages,
		System:      system,
		MaxTokens:   resolveMaxTokens(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeq:     req.Stop,
		Stream:      stream,
		Tools:       toTools(req.Tools),
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func fromResponse(wr *wireResponse, provider string) *providers.ChatResponse {
	var text strings.Builder
	var toolCalls []types.ToolCall
	for _, c := range wr.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
		case "tool_use":
			toolCalls = append(toolCalls, types.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Input})
		}
	}
	msg := types.NewAssistantMessage(text.String())
	if len(toolCalls) > 0 {
		msg = msg.WithToolCalls(toolCalls)
	}
	chatUsage := providers.ChatUsage{}
	if wr.Usage != nil {
		chatUsage = providers.ChatUsage{
			PromptTokens:     wr.Usage.InputTokens,
			CompletionTokens: wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
		}
	}
	return &providers.ChatResponse{
		ID:       wr.ID,
		Model:    wr.Model,
		Provider: provider,
		Choices: []providers.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapStopReason(wr.StopReason),
		}},
		Usage: chatUsage,
	}
}

func readErrMsg(body io.Reader) string {
	return providers.ReadErrorMessage(body)
}

func mapError(status int, msg string, provider string) *types.Error {
	return providers.MapHTTPError(status, msg, provider)
}

func (p *Provider) Completion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	body := p.buildRequest(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error()).WithProvider(p.name)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.name)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.name)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, types.NewError(types.ErrTranslationError, "decoding response: "+err.Error()).WithProvider(p.name)
	}
	return fromResponse(&wr, p.name), nil
}

// Stream performs a streaming completion against the Messages API's SSE
// event vocabulary (message_start, content_block_delta, message_delta,
// message_stop). A single goroutine owns the response body and closes
// both it and the output channel on every exit path.
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	body := p.buildRequest(req, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error()).WithProvider(p.name)
	}
	p.buildHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(p.name)
	}
	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		providers.SafeCloseBody(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.name)
	}

	ch := make(chan providers.StreamChunk)
	go p.pump(resp.Body, ch, body.Model)
	return ch, nil
}

func (p *Provider) pump(respBody io.ReadCloser, ch chan<- providers.StreamChunk, model string) {
	defer respBody.Close()
	defer close(ch)

	sse := providers.NewSSEReader(respBody)
	var msgID string
	for {
		payload, err := sse.Next()
		if err != nil {
			if err != io.EOF {
				ch <- providers.StreamChunk{Provider: p.name, Err: err}
			}
			return
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			ch <- providers.StreamChunk{Provider: p.name, Err: err}
			return
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				msgID = ev.Message.ID
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				ch <- providers.StreamChunk{ID: msgID, Model: model, Provider: p.name, Delta: ev.Delta.Text}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				chunk := providers.StreamChunk{ID: msgID, Model: model, Provider: p.name, FinishReason: mapStopReason(ev.Delta.StopReason)}
				if ev.Usage != nil {
					chunk.Usage = &providers.ChatUsage{CompletionTokens: ev.Usage.OutputTokens}
				}
				ch <- chunk
			}
		case "message_stop":
			ch <- providers.StreamChunk{ID: msgID, Model: model, Provider: p.name, Done: true}
			return
		}
	}
}

func (p *Provider) HealthCheck(ctx context.Context) (*providers.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/models"), nil)
	if err != nil {
		return &providers.HealthStatus{Healthy: false}, err
	}
	p.buildHeaders(httpReq)
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &providers.HealthStatus{Healthy: false, Latency: latency, Message: err.Error()}, err
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		msg := readErrMsg(resp.Body)
		return &providers.HealthStatus{Healthy: false, Latency: latency, Message: msg},
			fmt.Errorf("anthropic health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &providers.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/models"), nil)
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(p.name)
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.name)
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The Anthropic models endpoint is not guaranteed stable across
		// accounts; fall back to the known alias table rather than fail.
		models := make([]providers.Model, 0, len(modelAliases))
		for alias := range modelAliases {
			models = append(models, providers.Model{ID: alias, OwnedBy: "anthropic"})
		}
		return models, nil
	}
	models := make([]providers.Model, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, providers.Model{ID: m.ID, OwnedBy: "anthropic"})
	}
	return models, nil
}
