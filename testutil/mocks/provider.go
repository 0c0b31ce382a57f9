// =============================================================================
// 🎭 MockProvider - Provider 模拟实现
// =============================================================================
// 用于测试的 providers.Provider 模拟，支持自定义响应和错误注入
//
// 使用方法:
//
//	provider := mocks.NewMockProvider().
//	    WithResponse("Hello, World!").
//	    WithTokenUsage(100, 50)
//
//	// 或者使用流式响应
//	provider := mocks.NewMockProvider().
//	    WithStreamChunks([]string{"Hello", ", ", "World", "!"})
// =============================================================================
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/types"
)

// =============================================================================
// 🎯 MockProvider 结构
// =============================================================================

// MockProvider is a scriptable providers.Provider implementation for
// dispatcher and streaming-accountant tests.
type MockProvider struct {
	mu sync.RWMutex

	name string

	response     string
	streamChunks []string
	toolCalls    []types.ToolCall
	err          error
	streamErr    error

	promptTokens     int
	completionTokens int

	calls []MockProviderCall

	completionFunc func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)

	failAfter int
	callCount int
}

// MockProviderCall records one Completion invocation.
type MockProviderCall struct {
	Request  *providers.ChatRequest
	Response *providers.ChatResponse
	Error    error
}

// =============================================================================
// 🔧 构造函数和 Builder 方法
// =============================================================================

// NewMockProvider creates a MockProvider registered under name "mock".
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:             "mock",
		response:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// Named overrides the provider's reported name.
func (m *MockProvider) Named(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse sets the fixed completion content.
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError makes Completion always fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamError makes Stream always fail with err.
func (m *MockProvider) WithStreamError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
	return m
}

// WithStreamChunks sets the delta strings yielded by Stream, one
// providers.StreamChunk per entry, terminated by a Done chunk.
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithToolCalls attaches tool calls to the completion response.
func (m *MockProvider) WithToolCalls(toolCalls []types.ToolCall) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls = toolCalls
	return m
}

// WithTokenUsage sets the usage reported on the completion response.
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithFailAfter makes Completion fail once callCount exceeds n —
// useful for exercising the dispatcher's retry loop.
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithCompletionFunc overrides Completion entirely.
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc overrides Stream entirely.
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// =============================================================================
// 🎯 providers.Provider 接口实现
// =============================================================================

func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *MockProvider) SupportsNativeFunctionCalling() bool { return true }

func (m *MockProvider) HealthCheck(ctx context.Context) (*providers.HealthStatus, error) {
	return &providers.HealthStatus{Healthy: true, Latency: 10 * time.Millisecond}, nil
}

func (m *MockProvider) ListModels(ctx context.Context) ([]providers.Model, error) {
	return []providers.Model{{ID: "mock-model", OwnedBy: "mock"}}, nil
}

// Completion implements providers.Provider.
func (m *MockProvider) Completion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++

	if m.failAfter > 0 && m.callCount > m.failAfter {
		err := errors.New("mock provider: configured to fail after N calls")
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: err})
		return nil, err
	}
	if m.err != nil {
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: m.err})
		return nil, m.err
	}
	if m.completionFunc != nil {
		resp, err := m.completionFunc(ctx, req)
		m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
		return resp, err
	}

	msg := types.NewAssistantMessage(m.response)
	if len(m.toolCalls) > 0 {
		msg = msg.WithToolCalls(m.toolCalls)
	}

	finish := "stop"
	if len(m.toolCalls) > 0 {
		finish = "tool_calls"
	}

	resp := &providers.ChatResponse{
		ID:       "mock-response-id",
		Provider: m.name,
		Model:    req.Model,
		Choices: []providers.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
		Usage: providers.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
	}
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp})
	return resp, nil
}

// Stream implements providers.Provider. Absent an override, it emits one
// StreamChunk per configured chunk string followed by a Done chunk.
func (m *MockProvider) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	m.mu.Lock()
	m.callCount++
	if m.streamErr != nil {
		m.mu.Unlock()
		return nil, m.streamErr
	}
	if m.streamFunc != nil {
		fn := m.streamFunc
		m.mu.Unlock()
		return fn(ctx, req)
	}
	chunks := append([]string{}, m.streamChunks...)
	name := m.name
	m.mu.Unlock()

	ch := make(chan providers.StreamChunk, len(chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- providers.StreamChunk{Provider: name, Delta: c}:
			}
		}
		ch <- providers.StreamChunk{Provider: name, Done: true}
	}()
	return ch, nil
}

// =============================================================================
// 🔍 查询方法
// =============================================================================

func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall{}, m.calls...)
}

func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

func (m *MockProvider) GetLastCall() *MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
}

// =============================================================================
// 🎭 预设 Provider 工厂
// =============================================================================

// NewSuccessProvider builds a provider that always returns response.
func NewSuccessProvider(name, response string) *MockProvider {
	return NewMockProvider().Named(name).WithResponse(response)
}

// NewErrorProvider builds a provider whose Completion always fails.
func NewErrorProvider(name string, err error) *MockProvider {
	return NewMockProvider().Named(name).WithError(err)
}

// NewFlakeyProvider builds a provider that fails after the Nth call.
func NewFlakeyProvider(name string, failAfter int, response string) *MockProvider {
	return NewMockProvider().Named(name).WithResponse(response).WithFailAfter(failAfter)
}
