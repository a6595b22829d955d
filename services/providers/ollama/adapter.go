package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2"
)

// OllamaAdapter implements the Adapter interface for a local Ollama server
type OllamaAdapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
	identity   providers.Identity
}

// NewOllamaAdapter creates a new Ollama adapter
func NewOllamaAdapter(config providers.ProviderConfig) *OllamaAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.ID == "" {
		config.ID = "local"
	}
	if config.Name == "" {
		config.Name = "ollama"
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if len(config.Capabilities) == 0 {
		config.Capabilities = []providers.Capability{providers.CapabilityChat, providers.CapabilityJSONMode}
	}

	return &OllamaAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		identity: providers.Identity{
			ID:           config.ID,
			Name:         config.Name,
			Tier:         providers.TierLocal,
			Capabilities: providers.NewCapabilitySet(config.Capabilities...),
		},
	}
}

// Identity returns the provider identity
func (a *OllamaAdapter) Identity() providers.Identity {
	return a.identity
}

// Chat sends a non-streaming /api/chat request
func (a *OllamaAdapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	if missing := a.identity.Capabilities.Missing(req.RequiredCapabilities()); len(missing) > 0 {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeCapabilityUnsupported,
			fmt.Sprintf("missing capabilities %v", missing), 0, nil)
	}

	wireReq := a.buildChatRequest(req)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeUnknown, "failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeUnknown, "failed to create request", 0, err)
	}
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

	if httpResp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		message := string(respBody)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			message = errResp.Error
		}
		return nil, providers.NewAdapterError(a.identity.ID, providers.ClassifyStatus(httpResp.StatusCode), message, httpResp.StatusCode, nil)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, providers.NewAdapterError(a.identity.ID, services.ErrorTypeUnknown, "failed to unmarshal response", httpResp.StatusCode, err)
	}

	finish := chatResp.DoneReason
	if finish == "" && chatResp.Done {
		finish = "stop"
	}

	resp := &providers.ChatResponse{
		ID:             uuid.NewString(),
		Content:        chatResp.Message.Content,
		ProviderID:     a.identity.ID,
		Model:          chatResp.Model,
		RequestedModel: wireReq.Model,
		Usage: providers.Usage{
			InputTokens:  chatResp.PromptEvalCount,
			OutputTokens: chatResp.EvalCount,
		},
		Latency:      time.Since(startTime),
		FinishReason: finish,
	}

	// Ollama sends arguments as an object and assigns no call ids
	for i, call := range chatResp.Message.ToolCalls {
		args := string(call.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, providers.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}

// HealthCheck queries /api/version
func (a *OllamaAdapter) HealthCheck(ctx context.Context) models.ProviderHealth {
	startTime := time.Now()
	health := models.ProviderHealth{
		ProviderID: a.identity.ID,
		Status:     models.HealthStatusUnhealthy,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/api/version", nil)
	if err != nil {
		health.LastError = err.Error()
		health.LastCheckedAt = time.Now()
		return health
	}

	resp, err := a.httpClient.Do(req)
	health.LastCheckedAt = time.Now()
	health.LatencyMs = time.Since(startTime).Milliseconds()
	if err != nil {
		health.LastError = providers.ClassifyTransportError(a.identity.ID, err).Error()
		return health
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		health.LastError = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return health
	}

	var version VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		health.LastError = fmt.Sprintf("invalid version response: %v", err)
		return health
	}

	health.Status = models.HealthStatusHealthy
	health.ReportedVersion = version.Version
	return health
}

func (a *OllamaAdapter) buildChatRequest(req *providers.ChatRequest) *ChatRequest {
	model := req.Model
	if model == "" {
		model = a.config.DefaultModel
	}

	out := &ChatRequest{
		Model:    model,
		Messages: make([]Message, len(req.Messages)),
		Stream:   false,
	}
	for i, msg := range req.Messages {
		out.Messages[i] = toWireMessage(msg)
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Type: "function",
			Function: ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if req.JSONMode {
		out.Format = "json"
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		out.Options = &Options{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	return out
}

func toWireMessage(msg providers.Message) Message {
	out := Message{Role: msg.Role, Content: msg.Content}
	for _, img := range msg.Images {
		// Ollama takes bare base64 image data
		if i := strings.Index(img, ";base64,"); strings.HasPrefix(img, "data:") && i >= 0 {
			img = img[i+len(";base64,"):]
		}
		out.Images = append(out.Images, img)
	}
	for _, call := range msg.ToolCalls {
		args := json.RawMessage(call.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Function: ToolCallFunction{Name: call.Name, Arguments: args},
		})
	}
	return out
}

// Ollama wire types

type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Tool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   string    `json:"format,omitempty"`
	Options  *Options  `json:"options,omitempty"`
	Tools    []Tool    `json:"tools,omitempty"`
}

type ChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
