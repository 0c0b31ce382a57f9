package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentflow/gateway/api"
	"github.com/agentflow/gateway/dispatch"
	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/store"
	"github.com/agentflow/gateway/stream"
	"github.com/agentflow/gateway/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChatHandler serves the chat completion and model listing endpoints.
type ChatHandler struct {
	dispatcher *dispatch.Dispatcher
	accountant *stream.Accountant
	store      *store.Store
	logger     *zap.Logger
}

// NewChatHandler constructs a ChatHandler over the gateway's routing
// stack.
func NewChatHandler(dispatcher *dispatch.Dispatcher, accountant *stream.Accountant, st *store.Store, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{dispatcher: dispatcher, accountant: accountant, store: st, logger: logger}
}

// HandleCompletion serves POST /v1/chat/completions for non-streaming
// requests.
// @Summary Chat completion
// @Description Send a chat completion request
// @Tags chat
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "chat request"
// @Success 200 {object} api.ChatResponse
// @Failure 400 {object} api.Response
// @Failure 500 {object} api.Response
// @Security ApiKeyAuth
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Stream {
		h.serveStream(w, r, &req)
		return
	}
	if err := validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	gatewayReq := toGatewayRequest(&req)
	requestID := req.TraceID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	start := time.Now()
	resp, outcome, err := h.dispatcher.Completion(r.Context(), requestID, gatewayReq, req.Fallbacks)
	duration := time.Since(start)
	if err != nil {
		h.handleDispatchError(w, err)
		return
	}

	h.logger.Info("chat completion",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.String("provider", outcome.ProviderName),
		zap.Int("attempts", outcome.Attempts),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", duration),
	)

	WriteSuccess(w, toAPIResponse(resp))
}

// HandleStream serves POST /v1/chat/completions with stream=true (or
// the dedicated streaming route) via server-sent events.
// @Summary Streaming chat completion
// @Tags chat
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "chat request"
// @Success 200 {string} string "SSE stream"
// @Security ApiKeyAuth
// @Router /v1/chat/completions/stream [post]
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	h.serveStream(w, r, &req)
}

// serveStream validates an already decoded request and relays the
// upstream stream to the client as server-sent events.
func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, req *api.ChatRequest) {
	if err := validateChatRequest(req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	gatewayReq := toGatewayRequest(req)
	gatewayReq.Stream = true

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	upstream, err := h.accountant.Stream(r.Context(), gatewayReq, req.Fallbacks)
	if err != nil {
		h.handleDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range upstream {
		if chunk.Err != nil {
			h.logger.Error("stream error", zap.Error(chunk.Err))
			errPayload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			w.Write([]byte("event: error\ndata: "))
			w.Write(errPayload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}
		apiChunk := &api.StreamChunk{
			ID:           chunk.ID,
			Provider:     chunk.Provider,
			Model:        chunk.Model,
			Delta:        chunk.Delta,
			FinishReason: chunk.FinishReason,
			Usage:        toAPIUsage(chunk.Usage),
		}
		w.Write([]byte("data: "))
		if err := json.NewEncoder(w).Encode(apiChunk); err != nil {
			h.logger.Error("failed to write chunk", zap.Error(err))
			return
		}
		w.Write([]byte("\n\n"))
		flusher.Flush()
		if chunk.Done {
			break
		}
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// HandleListModels serves GET /v1/models: every logical model with at
// least one enabled provider binding, deduplicated by name.
// @Summary List models
// @Tags models
// @Produce json
// @Success 200 {object} api.ModelListResponse
// @Router /v1/models [get]
func (h *ChatHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListLogicalModels(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, err.Error()), h.logger)
		return
	}
	data := make([]api.ModelInfo, 0, len(names))
	for _, n := range names {
		data = append(data, api.ModelInfo{ID: n, Object: "model"})
	}
	WriteSuccess(w, &api.ModelListResponse{Object: "list", Data: data})
}

func validateChatRequest(req *api.ChatRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	return nil
}

func toGatewayRequest(req *api.ChatRequest) *providers.ChatRequest {
	messages := make([]types.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = types.Message{
			Role:       types.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			messages[i].ToolCalls = append(messages[i].ToolCalls, types.ToolCall{
				ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
			})
		}
		for _, img := range m.Images {
			messages[i].Images = append(messages[i].Images, types.ImageContent{
				Type: img.Type, URL: img.URL, Data: img.Data,
			})
		}
	}

	tools := make([]types.ToolSchema, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = types.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}

	return &providers.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      req.Stream,
		Tools:       tools,
		User:        req.User,
	}
}

func toAPIResponse(resp *providers.ChatResponse) *api.ChatResponse {
	choices := make([]api.ChatChoice, len(resp.Choices))
	for i, c := range resp.Choices {
		msg := api.Message{
			Role:       string(c.Message.Role),
			Content:    c.Message.Content,
			Name:       c.Message.Name,
			ToolCallID: c.Message.ToolCallID,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		choices[i] = api.ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: msg}
	}
	return &api.ChatResponse{
		ID:        resp.ID,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Choices:   choices,
		Usage:     api.ChatUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens, Estimated: resp.Usage.Estimated},
		CreatedAt: time.Unix(resp.Created, 0),
	}
}

func toAPIUsage(u *providers.ChatUsage) *api.ChatUsage {
	if u == nil {
		return nil
	}
	return &api.ChatUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens, Estimated: u.Estimated}
}

func (h *ChatHandler) handleDispatchError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "dispatch error").WithCause(err), h.logger)
}
