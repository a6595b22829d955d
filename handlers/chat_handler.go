package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/utils"
)

// ChatCompletionRequest is the body of POST /api/v1/chat
type ChatCompletionRequest struct {
	Messages             []ChatMessage     `json:"messages" validate:"required,min=1,dive"`
	Tools                []ChatTool        `json:"tools,omitempty" validate:"omitempty,dive"`
	Model                string            `json:"model,omitempty" validate:"omitempty,max=200"`
	MaxTokens            int               `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature          float64           `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	JSONMode             bool              `json:"json_mode,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty" validate:"omitempty,dive,capability"`
	TimeoutMs            int               `json:"timeout_ms,omitempty" validate:"gte=0"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role       string         `json:"role" validate:"required,oneof=system user assistant tool"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	Images     []string       `json:"images,omitempty" validate:"omitempty,dive,required"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty" validate:"omitempty,dive"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatToolCall is a function call made by the model
type ChatToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name" validate:"required"`
	Arguments string `json:"arguments"`
}

// ChatTool is a function schema offered to the model
type ChatTool struct {
	Name        string                 `json:"name" validate:"required"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatCompletionResponse is the routed completion
type ChatCompletionResponse struct {
	ID                 string    `json:"id"`
	RequestID          string    `json:"request_id"`
	Content            string         `json:"content"`
	ToolCalls          []ChatToolCall `json:"tool_calls,omitempty"`
	Provider           string         `json:"provider"`
	Model              string         `json:"model"`
	FinishReason       string         `json:"finish_reason,omitempty"`
	Usage              ChatUsage      `json:"usage"`
	CostUSD            float64        `json:"cost_usd"`
	LatencyMs          int64          `json:"latency_ms"`
	FallbackAttempted  bool           `json:"fallback_attempted"`
	AttemptedProviders []string       `json:"attempted_providers"`
}

// ChatUsage represents token usage information
type ChatUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatRouter routes a chat request to a provider
type ChatRouter interface {
	Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// ChatHandler handles chat requests
type ChatHandler struct {
	router ChatRouter
	logger *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(router ChatRouter, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		router: router,
		logger: logger,
	}
}

// HandleChat handles POST /api/v1/chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var chatReq ChatCompletionRequest
	if err := utils.DecodeJSON(r, &chatReq); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := utils.ValidateStruct(&chatReq); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	providerReq := chatReq.toProviderRequest()
	providerReq.RequestID = requestID

	resp, err := h.router.Chat(ctx, providerReq)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, toChatResponse(resp)); err != nil {
		h.logger.Error("failed to write chat response", zap.Error(err))
	}
}

func (c *ChatCompletionRequest) toProviderRequest() *providers.ChatRequest {
	req := &providers.ChatRequest{
		Messages:    make([]providers.Message, 0, len(c.Messages)),
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		JSONMode:    c.JSONMode,
		Metadata:    c.Metadata,
	}
	for _, m := range c.Messages {
		msg := providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			Images:     m.Images,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range c.Tools {
		req.Tools = append(req.Tools, providers.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	for _, name := range c.RequiredCapabilities {
		req.Capabilities = append(req.Capabilities, providers.Capability(name))
	}
	if c.TimeoutMs > 0 {
		req.Timeout = time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return req
}

func toChatResponse(resp *providers.ChatResponse) ChatCompletionResponse {
	attempted := resp.AttemptedProviders
	if attempted == nil {
		attempted = []string{resp.ProviderID}
	}
	var calls []ChatToolCall
	for _, call := range resp.ToolCalls {
		calls = append(calls, ChatToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	}
	return ChatCompletionResponse{
		ID:           resp.ID,
		RequestID:    resp.RequestID,
		Content:      resp.Content,
		ToolCalls:    calls,
		Provider:     resp.ProviderID,
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		Usage: ChatUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		CostUSD:            resp.CostUSD,
		LatencyMs:          resp.Latency.Milliseconds(),
		FallbackAttempted:  resp.FallbackAttempted,
		AttemptedProviders: attempted,
	}
}
