// Package gemini implements providers.Provider against the Google
// Gemini generateContent wire dialect. Authentication and streaming
// intentionally differ from Google's own SDK defaults: the API key
// travels as the `key` query parameter (not an `x-goog-api-key`
// header), and streaming uses true server-sent events via
// `:streamGenerateContent?alt=sse` rather than newline-delimited JSON.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/types"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Provider talks to the Gemini generateContent API.
type Provider struct {
	name   string
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Gemini provider registered under name.
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

type part struct {
	Text             string           `json:"text,omitempty"`
	FunctionCall     *functionCall    `json:"functionCall,omitempty"`
	FunctionResponse *functionResp    `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiContent struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float32  `json:"temperature,omitempty"`
	TopP            float32  `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type wireRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type candidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

type wireResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

func toContents(msgs []types.Message) (*geminiContent, []geminiContent) {
	var system *geminiContent
	out := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			system = &geminiContent{Role: "system", Parts: []part{{Text: m.Content}}}
		case types.RoleTool, types.RoleFunction:
			out = append(out, geminiContent{
				Role: "function",
				Parts: []part{{
					FunctionResponse: &functionResp{Name: m.Name, Response: json.RawMessage(fmt.Sprintf(`{"result":%q}`, m.Content))},
				}},
			})
		default:
			role := "user"
			if m.Role == types.RoleAssistant {
				role = "model"
			}
			gc := geminiContent{Role: role}
			if m.Content != "" {
				gc.Parts = append(gc.Parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				gc.Parts = append(gc.Parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			if len(gc.Parts) > 0 {
				out = append(out, gc)
			}
		}
	}
	return system, out
}

func toTools(schemas []types.ToolSchema) []geminiTool {
	if len(schemas) == 0 {
		return nil
	}
	decls := make([]functionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		decls = append(decls, functionDeclaration{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func (p *Provider) buildRequest(req *providers.ChatRequest) wireRequest {
	system, contents := toContents(req.Messages)
	return wireRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		},
		Tools: toTools(req.Tools),
	}
}

// endpoint builds a generateContent URL with the api key carried as a
// query parameter, per this gateway's Gemini dialect.
func (p *Provider) endpoint(model, method string, sse bool) string {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, method)
	q := url.Values{}
	q.Set("key", p.cfg.APIKey)
	if sse {
		q.Set("alt", "sse")
	}
	return u + "?" + q.Encode()
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "TOOL_CALL", "FUNCTION_CALL":
		return "tool_calls"
	default:
		return strings.ToLower(reason)
	}
}

func fromResponse(model string, wr *wireResponse, provider string) *providers.ChatResponse {
	choices := make([]providers.ChatChoice, 0, len(wr.Candidates))
	for _, c := range wr.Candidates {
		var text strings.Builder
		var toolCalls []types.ToolCall
		for _, pt := range c.Content.Parts {
			if pt.Text != "" {
				text.WriteString(pt.Text)
			}
			if pt.FunctionCall != nil {
				toolCalls = append(toolCalls, types.ToolCall{Name: pt.FunctionCall.Name, Arguments: pt.FunctionCall.Args})
			}
		}
		msg := types.NewAssistantMessage(text.String())
		if len(toolCalls) > 0 {
			msg = msg.WithToolCalls(toolCalls)
		}
		choices = append(choices, providers.ChatChoice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: mapFinishReason(c.FinishReason),
		})
	}
	usage := providers.ChatUsage{}
	if wr.UsageMetadata != nil {
		usage = providers.ChatUsage{
			PromptTokens:     wr.UsageMetadata.PromptTokenCount,
			CompletionTokens: wr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wr.UsageMetadata.TotalTokenCount,
		}
	}
	return &providers.ChatResponse{
		Model:    model,
		Provider: provider,
		Choices:  choices,
		Usage:    usage,
	}
}

func (p *Provider) Completion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	model := providers.ChooseModel(req.Model, p.cfg.Model)
	payload, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model, "generateContent", false), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error()).WithProvider(p.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
	return fromResponse(model, &wr, p.name), nil
}

// Stream performs a streaming completion via streamGenerateContent with
// alt=sse. As with the other adapters, a single goroutine owns the
// response body and guarantees it (and the output channel) are closed
// on every exit path.
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	model := providers.ChooseModel(req.Model, p.cfg.Model)
	payload, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model, "streamGenerateContent", true), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error()).WithProvider(p.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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
	go p.pump(resp.Body, ch, model)
	return ch, nil
}

func (p *Provider) pump(respBody io.ReadCloser, ch chan<- providers.StreamChunk, model string) {
	defer respBody.Close()
	defer close(ch)

	sse := providers.NewSSEReader(respBody)
	for {
		payload, err := sse.Next()
		if err != nil {
			if err != io.EOF {
				ch <- providers.StreamChunk{Provider: p.name, Err: err}
			}
			return
		}
		var wr wireResponse
		if err := json.Unmarshal([]byte(payload), &wr); err != nil {
			ch <- providers.StreamChunk{Provider: p.name, Err: err}
			return
		}
		if len(wr.Candidates) == 0 {
			continue
		}
		c := wr.Candidates[0]
		var text strings.Builder
		for _, pt := range c.Content.Parts {
			text.WriteString(pt.Text)
		}
		chunk := providers.StreamChunk{Model: model, Provider: p.name, Delta: text.String()}
		if c.FinishReason != "" {
			chunk.FinishReason = mapFinishReason(c.FinishReason)
		}
		if wr.UsageMetadata != nil {
			chunk.Usage = &providers.ChatUsage{
				PromptTokens:     wr.UsageMetadata.PromptTokenCount,
				CompletionTokens: wr.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      wr.UsageMetadata.TotalTokenCount,
			}
		}
		ch <- chunk
		if c.FinishReason != "" {
			ch <- providers.StreamChunk{Model: model, Provider: p.name, Done: true}
			return
		}
	}
}

func (p *Provider) HealthCheck(ctx context.Context) (*providers.HealthStatus, error) {
	start := time.Now()
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	q := url.Values{}
	q.Set("key", p.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1beta/models?"+q.Encode(), nil)
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
			fmt.Errorf("gemini health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &providers.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	q := url.Values{}
	q.Set("key", p.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1beta/models?"+q.Encode(), nil)
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
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrTranslationError, err.Error()).WithProvider(p.name)
	}
	models := make([]providers.Model, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, providers.Model{ID: strings.TrimPrefix(m.Name, "models/"), OwnedBy: "google"})
	}
	return models, nil
}
