// Package providers defines the common contract every vendor adapter
// (OpenAI-compatible, Anthropic, Gemini) implements, plus the canonical
// chat request/response shapes the rest of the gateway is built around.
package providers

import (
	"context"
	"time"

	"github.com/agentflow/gateway/types"
)

// ChatRequest is the canonical, vendor-neutral chat completion request.
// Dispatch translates it into each vendor's wire dialect.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []types.Message    `json:"messages"`
	Temperature float32            `json:"temperature,omitempty"`
	TopP        float32            `json:"top_p,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	User        string             `json:"user,omitempty"`
}

// ChatUsage reports token accounting for a completion.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// Estimated is true when the provider did not return usage and the
	// gateway's token estimator filled it in.
	Estimated bool `json:"estimated,omitempty"`
}

// ChatChoice is a single completion candidate.
type ChatChoice struct {
	Index        int           `json:"index"`
	Message      types.Message `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChatResponse is the canonical chat completion response.
type ChatResponse struct {
	ID       string       `json:"id"`
	Model    string       `json:"model"`
	Provider string       `json:"provider"`
	Created  int64        `json:"created"`
	Choices  []ChatChoice `json:"choices"`
	Usage    ChatUsage    `json:"usage"`
}

// StreamChunk is one event of a streamed completion. Err is set exactly
// once, as the terminal event on the channel, if streaming fails.
type StreamChunk struct {
	ID           string    `json:"id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Delta        string    `json:"delta,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Done         bool      `json:"done,omitempty"`
	Err          error     `json:"-"`
}

// Model describes one model a provider exposes.
type Model struct {
	ID            string `json:"id"`
	OwnedBy       string `json:"owned_by,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// HealthStatus is the result of a single health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// IsHealthy and Elapsed satisfy health.HealthStatusReporter, letting the
// health package's prober consume a *HealthStatus without the health
// package importing providers.
func (h *HealthStatus) IsHealthy() bool        { return h.Healthy }
func (h *HealthStatus) Elapsed() time.Duration { return h.Latency }

// Provider is implemented by every vendor adapter. Completion and Stream
// must translate req into the vendor's wire dialect and translate the
// response back into the canonical shapes above.
type Provider interface {
	// Name returns the provider's registered name, e.g. "openai", "claude".
	Name() string

	// Completion performs a single non-streaming chat completion.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming chat completion. The returned channel is
	// closed by the provider once the terminal chunk (Done or Err) has
	// been delivered; callers must drain it to avoid leaking the
	// goroutine that owns the upstream response body.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight upstream reachability probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// SupportsNativeFunctionCalling reports whether the vendor's wire
	// format has first-class tool/function-call support.
	SupportsNativeFunctionCalling() bool

	// ListModels returns the models this provider currently exposes.
	ListModels(ctx context.Context) ([]Model, error)
}
