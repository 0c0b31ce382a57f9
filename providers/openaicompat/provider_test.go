package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	return New("test-openai", providers.Config{BaseURL: srv.URL, APIKey: "sk-test"}, zap.NewNop())
}

func TestCompletion_SendsTranslatedRequestAndAuthHeader(t *testing.T) {
	var gotReq wireRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(wireResponse{
			ID: "cmpl-1", Model: "gpt-4o", Created: 1,
			Choices: []wireChoice{{Index: 0, Message: wireMessage{Role: "assistant", Content: "hi there"}, FinishReason: "stop"}},
			Usage:   &wireUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		})
	}))
	defer srv.Close()

	p := testProvider(t, srv)
	req := &providers.ChatRequest{
		Model: "gpt-4o",
		Messages: []types.Message{
			types.NewSystemMessage("be nice"),
			types.NewUserMessage("hello"),
		},
	}
	resp, err := p.Completion(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)

	assert.Equal(t, "test-openai", resp.Provider)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestCompletion_MapsToolCallsBothWays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var gotReq wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, "call-1", gotReq.Messages[1].ToolCalls[0].ID)

		_ = json.NewEncoder(w).Encode(wireResponse{
			ID: "cmpl-2", Model: "gpt-4o",
			Choices: []wireChoice{{
				Message: wireMessage{
					Role: "assistant",
					ToolCalls: []wireToolCall{{
						ID: "call-2", Type: "function",
						Function: wireFunctionRef{Name: "get_weather", Arguments: json.RawMessage(`{"city":"NYC"}`)},
					}},
				},
				FinishReason: "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	p := testProvider(t, srv)
	req := &providers.ChatRequest{
		Model: "gpt-4o",
		Messages: []types.Message{
			types.NewUserMessage("what's the weather"),
			types.NewAssistantMessage("").WithToolCalls([]types.ToolCall{
				{ID: "call-1", Name: "get_weather", Arguments: json.RawMessage(`{}`)},
			}),
		},
	}
	resp, err := p.Completion(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.Choices[0].Message.ToolCalls[0].Name)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
}

func TestCompletion_MapsHTTPErrorStatusToTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	p := testProvider(t, srv)
	req := &providers.ChatRequest{Model: "gpt-4o", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, err := p.Completion(context.Background(), req)
	require.Error(t, err)

	gwErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrAuthentication, gwErr.Code)
	assert.False(t, gwErr.Retryable)
}

func TestCompletion_MapsRetryableUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	p := testProvider(t, srv)
	req := &providers.ChatRequest{Model: "gpt-4o", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, err := p.Completion(context.Background(), req)
	require.Error(t, err)
	gwErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.True(t, gwErr.Retryable)
}

func TestStream_RelaysDeltasUntilDoneSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		write := func(data string) {
			fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		}
		write(mustJSON(wireStreamChunk{ID: "1", Choices: []wireStreamChoice{{Delta: wireStreamDelta{Content: "Hel"}}}}))
		write(mustJSON(wireStreamChunk{ID: "1", Choices: []wireStreamChoice{{Delta: wireStreamDelta{Content: "lo"}}}}))
		write(mustJSON(wireStreamChunk{ID: "1", Usage: &wireUsage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}}))
		write("[DONE]")
	}))
	defer srv.Close()

	p := testProvider(t, srv)
	req := &providers.ChatRequest{Model: "gpt-4o", Messages: []types.Message{types.NewUserMessage("hi")}}
	ch, err := p.Stream(context.Background(), req)
	require.NoError(t, err)

	var text string
	var sawDone bool
	var usage *providers.ChatUsage
	for c := range ch {
		require.NoError(t, c.Err)
		text += c.Delta
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.Done {
			sawDone = true
		}
	}
	assert.Equal(t, "Hello", text)
	assert.True(t, sawDone)
	require.NotNil(t, usage)
	assert.Equal(t, 6, usage.TotalTokens)
}

func TestStream_ErrorStatusReturnedBeforeChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := testProvider(t, srv)
	req := &providers.ChatRequest{Model: "gpt-4o", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, err := p.Stream(context.Background(), req)
	require.Error(t, err)
	gwErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.True(t, gwErr.Retryable)
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
