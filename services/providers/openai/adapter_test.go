package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

func TestNewOpenAIAdapter(t *testing.T) {
	config := providers.ProviderConfig{
		APIKey: "test-key",
	}

	adapter := NewOpenAIAdapter(config)

	if adapter == nil {
		t.Fatal("NewOpenAIAdapter() returned nil")
	}

	id := adapter.Identity()
	if id.ID != "openai" {
		t.Errorf("ID = %s, want openai", id.ID)
	}

	if id.Tier != providers.TierCloud {
		t.Errorf("Tier = %s, want cloud", id.Tier)
	}

	if !id.Capabilities.Has(providers.CapabilityFunctionCalling) {
		t.Error("default capabilities should include function_calling")
	}

	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}

	if len(adapter.Models()) == 0 {
		t.Error("Models not initialized")
	}
}

func TestOpenAIAdapter_Models(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{})

	expectedModels := []string{"gpt-4", "gpt-3.5-turbo", "gpt-4-turbo", "gpt-4o", "gpt-4o-mini"}
	for _, expected := range expectedModels {
		found := false
		for _, model := range adapter.Models() {
			if model.ID == expected {
				found = true
				if model.InputPricePer1K <= 0 || model.OutputPricePer1K <= 0 {
					t.Errorf("model %s has no pricing", expected)
				}
				break
			}
		}
		if !found {
			t.Errorf("Expected model %s not found in catalog", expected)
		}
	}

	custom := NewOpenAIAdapter(providers.ProviderConfig{ID: "cloud-b"}, WithCatalog())
	if len(custom.Models()) != 0 {
		t.Errorf("WithCatalog() should clear the catalog, got %d models", len(custom.Models()))
	}
}

func TestOpenAIAdapter_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}

		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			t.Error("Authorization header missing or invalid")
		}

		body, _ := io.ReadAll(r.Body)
		var req OpenAIChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("invalid request body: %v", err)
		}

		if len(req.Tools) != 1 || req.Tools[0].Type != "function" {
			t.Errorf("tools not forwarded: %+v", req.Tools)
		}

		resp := OpenAIChatResponse{
			ID:      "chatcmpl-test123",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []OpenAIChoice{
				{
					Index: 0,
					Message: OpenAIResponseMessage{
						Role:    "assistant",
						Content: "This is a test response",
					},
					FinishReason: "stop",
				},
			},
			Usage: OpenAIUsage{
				PromptTokens:     10,
				CompletionTokens: 20,
				TotalTokens:      30,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{
		ID:      "cloud-a",
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	req := &providers.ChatRequest{
		Model: "gpt-4",
		Messages: []providers.Message{
			{Role: "user", Content: "Hello"},
		},
		Tools:       []providers.Tool{{Name: "lookup"}},
		MaxTokens:   100,
		Temperature: 0.7,
	}

	resp, err := adapter.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.ID != "chatcmpl-test123" {
		t.Errorf("ID = %s, want chatcmpl-test123", resp.ID)
	}

	if resp.ProviderID != "cloud-a" {
		t.Errorf("ProviderID = %s, want cloud-a", resp.ProviderID)
	}

	if resp.Content != "This is a test response" {
		t.Errorf("Unexpected response content: %s", resp.Content)
	}

	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 20 {
		t.Errorf("Usage = %+v, want 10/20", resp.Usage)
	}
}

func TestOpenAIAdapter_Chat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantType   services.ErrorType
		wantDelay  time.Duration
	}{
		{"bad request", http.StatusBadRequest, "", services.ErrorTypeUnknown, 0},
		{"rate limited", http.StatusTooManyRequests, "3", services.ErrorTypeRateLimited, 3 * time.Second},
		{"server error", http.StatusInternalServerError, "", services.ErrorTypeUnavailable, 0},
		{"bad gateway", http.StatusBadGateway, "", services.ErrorTypeUnavailable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(OpenAIErrorResponse{
					Error: OpenAIError{Message: "scripted", Type: "test_error"},
				})
			}))
			defer server.Close()

			adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k", BaseURL: server.URL})

			_, err := adapter.Chat(context.Background(), &providers.ChatRequest{
				Messages: []providers.Message{{Role: "user", Content: "test"}},
			})
			if err == nil {
				t.Fatal("Expected error but got none")
			}

			var adapterErr *providers.AdapterError
			if !errors.As(err, &adapterErr) {
				t.Fatalf("Expected AdapterError, got %T", err)
			}

			if adapterErr.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", adapterErr.Type, tt.wantType)
			}

			if adapterErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", adapterErr.StatusCode, tt.status)
			}

			if adapterErr.RetryAfter != tt.wantDelay {
				t.Errorf("RetryAfter = %v, want %v", adapterErr.RetryAfter, tt.wantDelay)
			}

			if calls != 1 {
				t.Errorf("adapter must not retry internally, got %d calls", calls)
			}
		})
	}
}

func TestOpenAIAdapter_Chat_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k", BaseURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := adapter.Chat(ctx, &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "slow"}},
	})

	if services.ErrorTypeOf(err) != services.ErrorTypeTimeout {
		t.Errorf("error type = %s, want timeout (%v)", services.ErrorTypeOf(err), err)
	}
}

func TestOpenAIAdapter_Chat_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k", BaseURL: url})

	_, err := adapter.Chat(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "test"}},
	})

	if services.ErrorTypeOf(err) != services.ErrorTypeUnavailable {
		t.Errorf("error type = %s, want unavailable (%v)", services.ErrorTypeOf(err), err)
	}
}

func TestOpenAIAdapter_Chat_CapabilityUnsupported(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{
		BaseURL:      server.URL,
		Capabilities: []providers.Capability{providers.CapabilityChat},
	})

	_, err := adapter.Chat(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "test"}},
		JSONMode: true,
	})

	if services.ErrorTypeOf(err) != services.ErrorTypeCapabilityUnsupported {
		t.Errorf("error type = %s, want capability_unsupported", services.ErrorTypeOf(err))
	}

	if called {
		t.Error("backend must not be called for an unsupported capability")
	}
}

func TestOpenAIAdapter_HealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/models" {
				t.Errorf("Expected path /models, got %s", r.URL.Path)
			}
			w.Header().Set("Openai-Version", "2020-10-01")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"data": []}`))
		}))
		defer server.Close()

		adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key", BaseURL: server.URL})

		health := adapter.HealthCheck(context.Background())

		if health.Status != models.HealthStatusHealthy {
			t.Errorf("Status = %s, want healthy", health.Status)
		}

		if health.ReportedVersion != "2020-10-01" {
			t.Errorf("ReportedVersion = %s", health.ReportedVersion)
		}

		if health.LastCheckedAt.IsZero() {
			t.Error("LastCheckedAt not set")
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key", BaseURL: server.URL})

		health := adapter.HealthCheck(context.Background())

		if health.Status != models.HealthStatusUnhealthy {
			t.Errorf("Status = %s, want unhealthy", health.Status)
		}

		if health.LastError == "" {
			t.Error("LastError not captured")
		}
	})
}

func TestBuildOpenAIRequest(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{DefaultModel: "gpt-4o"})

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You are helpful"},
			{Role: "user", Content: "Hello", Name: "Alice"},
		},
		MaxTokens:   100,
		Temperature: 0.7,
		JSONMode:    true,
	}

	openaiReq := adapter.buildOpenAIRequest(req)

	if openaiReq.Model != "gpt-4o" {
		t.Errorf("Model = %s, want default gpt-4o", openaiReq.Model)
	}

	if len(openaiReq.Messages) != 2 {
		t.Fatalf("Messages length = %d, want 2", len(openaiReq.Messages))
	}

	if openaiReq.Messages[1].Name != "Alice" {
		t.Errorf("Name = %s, want Alice", openaiReq.Messages[1].Name)
	}

	if openaiReq.MaxTokens == nil || *openaiReq.MaxTokens != 100 {
		t.Error("MaxTokens not set correctly")
	}

	if openaiReq.Temperature == nil || *openaiReq.Temperature != 0.7 {
		t.Error("Temperature not set correctly")
	}

	if openaiReq.ResponseFormat == nil || openaiReq.ResponseFormat.Type != "json_object" {
		t.Error("ResponseFormat not set for JSON mode")
	}
}

func TestOpenAIAdapter_Chat_ToolCallsAndSnapshotModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-tools",
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "get_weather", "arguments": "{\"city\":\"Medellin\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 100000, "completion_tokens": 100000, "total_tokens": 200000}
		}`)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{
		ID:           "cloud-a",
		APIKey:       "test-key",
		BaseURL:      server.URL,
		DefaultModel: "gpt-4o-mini",
	})

	resp, err := adapter.Chat(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "weather?"}},
		Tools:    []providers.Tool{{Name: "get_weather"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("Model = %s, want the reported snapshot", resp.Model)
	}
	if resp.RequestedModel != "gpt-4o-mini" || resp.PricedModel() != "gpt-4o-mini" {
		t.Errorf("RequestedModel = %s, PricedModel = %s, want gpt-4o-mini", resp.RequestedModel, resp.PricedModel())
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %s, want tool_calls", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v, want one call", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "get_weather" || call.Arguments != `{"city":"Medellin"}` {
		t.Errorf("ToolCall = %+v", call)
	}
}

func TestBuildOpenAIRequest_ToolTurnsAndImages(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{})

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "user", Content: "what is this?", Images: []string{"https://example.com/cat.png"}},
			{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"cat"}`}}},
			{Role: "tool", Content: `{"answer":"cat"}`, ToolCallID: "call_1"},
		},
	}

	body, err := json.Marshal(adapter.buildOpenAIRequest(req))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var wire struct {
		Messages []struct {
			Role       string           `json:"role"`
			Content    json.RawMessage  `json:"content"`
			ToolCallID string           `json:"tool_call_id"`
			ToolCalls  []OpenAIToolCall `json:"tool_calls"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var parts []OpenAIContentPart
	if err := json.Unmarshal(wire.Messages[0].Content, &parts); err != nil {
		t.Fatalf("image message content should be a part list: %v", err)
	}
	if len(parts) != 2 || parts[0].Text != "what is this?" || parts[1].ImageURL == nil || parts[1].ImageURL.URL != "https://example.com/cat.png" {
		t.Errorf("parts = %+v", parts)
	}

	if string(wire.Messages[1].Content) != "null" {
		t.Errorf("tool-call turn content = %s, want null", wire.Messages[1].Content)
	}
	if len(wire.Messages[1].ToolCalls) != 1 || wire.Messages[1].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool calls = %+v", wire.Messages[1].ToolCalls)
	}

	if wire.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool_call_id = %s, want call_1", wire.Messages[2].ToolCallID)
	}
}
