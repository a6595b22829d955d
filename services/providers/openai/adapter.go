package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// OpenAIAdapter implements the Adapter interface for OpenAI-compatible APIs
type OpenAIAdapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
	identity   providers.Identity
	models     map[string]providers.ModelInfo
	order      []string
}

// Option customizes an adapter
type Option func(*OpenAIAdapter)

// WithCatalog replaces the built-in model catalog
func WithCatalog(catalog ...providers.ModelInfo) Option {
	return func(a *OpenAIAdapter) {
		a.models = make(map[string]providers.ModelInfo, len(catalog))
		a.order = a.order[:0]
		for _, m := range catalog {
			a.models[m.ID] = m
			a.order = append(a.order, m.ID)
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(a *OpenAIAdapter) {
		a.httpClient = client
	}
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.ProviderConfig, opts ...Option) *OpenAIAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.ID == "" {
		config.ID = "openai"
	}
	if config.Name == "" {
		config.Name = config.ID
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if len(config.Capabilities) == 0 {
		config.Capabilities = []providers.Capability{
			providers.CapabilityChat,
			providers.CapabilityFunctionCalling,
			providers.CapabilityJSONMode,
		}
	}

	adapter := &OpenAIAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		identity: providers.Identity{
			ID:           config.ID,
			Name:         config.Name,
			Tier:         providers.TierCloud,
			Capabilities: providers.NewCapabilitySet(config.Capabilities...),
		},
	}

	WithCatalog(DefaultCatalog()...)(adapter)
	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Identity returns the provider identity
func (a *OpenAIAdapter) Identity() providers.Identity {
	return a.identity
}

// Models returns the model catalog in declaration order
func (a *OpenAIAdapter) Models() []providers.ModelInfo {
	out := make([]providers.ModelInfo, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.models[id])
	}
	return out
}

// Chat performs a single chat completion request
func (a *OpenAIAdapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	if missing := a.identity.Capabilities.Missing(req.RequiredCapabilities()); len(missing) > 0 {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeCapabilityUnsupported,
			fmt.Sprintf("missing capabilities %v", missing), 0, nil)
	}

	// Build OpenAI request
	openaiReq := a.buildOpenAIRequest(req)

	reqBody, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeUnknown, "failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeUnknown, "failed to create request", 0, err)
	}
	a.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransportError(a.identity.ID, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.ClassifyTransportError(a.identity.ID, err)
	}

	// Handle error responses
	if httpResp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(httpResp, respBody)
	}

	var openaiResp OpenAIChatResponse
	if err := json.Unmarshal(respBody, &openaiResp); err != nil {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeUnknown, "failed to unmarshal response", httpResp.StatusCode, err)
	}

	return a.convertToUnifiedResponse(&openaiResp, openaiReq.Model, time.Since(startTime)), nil
}

// HealthCheck lists models to verify reachability and credentials
func (a *OpenAIAdapter) HealthCheck(ctx context.Context) models.ProviderHealth {
	startTime := time.Now()
	health := models.ProviderHealth{
		ProviderID: a.identity.ID,
		Status:     models.HealthStatusUnhealthy,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/models", nil)
	if err != nil {
		health.LastError = err.Error()
		health.LastCheckedAt = time.Now()
		return health
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	health.LastCheckedAt = time.Now()
	health.LatencyMs = time.Since(startTime).Milliseconds()
	if err != nil {
		health.LastError = providers.ClassifyTransportError(a.identity.ID, err).Error()
		return health
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		health.LastError = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return health
	}

	health.Status = models.HealthStatusHealthy
	health.ReportedVersion = resp.Header.Get("Openai-Version")
	return health
}

func (a *OpenAIAdapter) setHeaders(req *http.Request) {
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
}

// buildOpenAIRequest converts unified request to OpenAI format
func (a *OpenAIAdapter) buildOpenAIRequest(req *providers.ChatRequest) *OpenAIChatRequest {
	model := req.Model
	if model == "" {
		model = a.config.DefaultModel
	}

	openaiReq := &OpenAIChatRequest{
		Model:    model,
		Messages: make([]OpenAIMessage, len(req.Messages)),
	}

	for i, msg := range req.Messages {
		openaiReq.Messages[i] = toOpenAIMessage(msg)
	}

	for _, tool := range req.Tools {
		openaiReq.Tools = append(openaiReq.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		openaiReq.Temperature = &req.Temperature
	}
	if req.JSONMode {
		openaiReq.ResponseFormat = &OpenAIResponseFormat{Type: "json_object"}
	}

	return openaiReq
}

func toOpenAIMessage(msg providers.Message) OpenAIMessage {
	out := OpenAIMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}

	if len(msg.Images) > 0 {
		parts := make([]OpenAIContentPart, 0, len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, OpenAIContentPart{Type: "text", Text: msg.Content})
		}
		for _, img := range msg.Images {
			parts = append(parts, OpenAIContentPart{Type: "image_url", ImageURL: &OpenAIImageURL{URL: img}})
		}
		out.Content = parts
	}

	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, OpenAIToolCall{
			ID:   call.ID,
			Type: "function",
			Function: OpenAIFunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	// assistant turns that only carry tool calls send a null content
	if len(out.ToolCalls) > 0 && msg.Content == "" {
		out.Content = nil
	}
	return out
}

// convertToUnifiedResponse converts OpenAI response to unified format
func (a *OpenAIAdapter) convertToUnifiedResponse(openaiResp *OpenAIChatResponse, requested string, latency time.Duration) *providers.ChatResponse {
	id := openaiResp.ID
	if id == "" {
		id = uuid.NewString()
	}

	resp := &providers.ChatResponse{
		ID:         id,
		ProviderID:     a.identity.ID,
		Model:          openaiResp.Model,
		RequestedModel: requested,
		Usage: providers.Usage{
			InputTokens:  openaiResp.Usage.PromptTokens,
			OutputTokens: openaiResp.Usage.CompletionTokens,
		},
		Latency: latency,
	}

	if resp.Model == "" {
		resp.Model = requested
	}

	if len(openaiResp.Choices) > 0 {
		choice := openaiResp.Choices[0]
		resp.Content = choice.Message.Content
		resp.FinishReason = choice.FinishReason
		for _, call := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, providers.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}

	return resp
}

// handleErrorResponse handles OpenAI error responses
func (a *OpenAIAdapter) handleErrorResponse(resp *http.Response, body []byte) error {
	message := string(body)
	var errResp OpenAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	adapterErr := providers.NewAdapterError(a.identity.ID, providers.ClassifyStatus(resp.StatusCode), message, resp.StatusCode, nil)
	if adapterErr.Type == services.ErrorTypeRateLimited {
		adapterErr.RetryAfter = providers.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return adapterErr
}

// DefaultCatalog returns the built-in OpenAI model catalog
func DefaultCatalog() []providers.ModelInfo {
	return []providers.ModelInfo{
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextWindow: 128000, InputPricePer1K: 0.00015, OutputPricePer1K: 0.0006},
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, InputPricePer1K: 0.005, OutputPricePer1K: 0.015},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextWindow: 128000, InputPricePer1K: 0.01, OutputPricePer1K: 0.03},
		{ID: "gpt-4", Name: "GPT-4", ContextWindow: 8192, InputPricePer1K: 0.03, OutputPricePer1K: 0.06},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextWindow: 16385, InputPricePer1K: 0.0005, OutputPricePer1K: 0.0015},
	}
}

// OpenAI-specific request/response types

type OpenAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []OpenAIMessage       `json:"messages"`
	Tools          []OpenAITool          `json:"tools,omitempty"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	ResponseFormat *OpenAIResponseFormat `json:"response_format,omitempty"`
}

// OpenAIMessage is an outgoing message. Content is a string, a slice of
// OpenAIContentPart, or nil for an assistant turn that only calls tools.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

type OpenAIImageURL struct {
	URL string `json:"url"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIResponseMessage is the assistant message of a choice; content is
// null when the model only calls tools
type OpenAIResponseMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type OpenAIResponseFormat struct {
	Type string `json:"type"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

type OpenAIChoice struct {
	Index        int                   `json:"index"`
	Message      OpenAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIErrorResponse struct {
	Error OpenAIError `json:"error"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
