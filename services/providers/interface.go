package providers

import (
	"context"
	"sort"
	"time"

	"github.com/upb/provider-router/models"
)

// Adapter represents a unified LLM provider backend
type Adapter interface {
	// Identity returns the static identity of the provider
	Identity() Identity

	// Chat performs a single chat completion attempt. Implementations never
	// retry; every failure is returned as an *AdapterError.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// HealthCheck runs one liveness probe against the backend
	HealthCheck(ctx context.Context) models.ProviderHealth
}

// Tier separates the zero-cost local engine from metered cloud services
type Tier string

const (
	TierLocal Tier = "local"
	TierCloud Tier = "cloud"
)

// Capability is a feature a provider declares support for
type Capability string

const (
	CapabilityChat            Capability = "chat"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityStreaming       Capability = "streaming"
	CapabilityEmbeddings      Capability = "embeddings"
	CapabilityVision          Capability = "vision"
	CapabilityJSONMode        Capability = "json_mode"
)

// KnownCapabilities lists every capability a provider may declare
var KnownCapabilities = []Capability{
	CapabilityChat,
	CapabilityFunctionCalling,
	CapabilityStreaming,
	CapabilityEmbeddings,
	CapabilityVision,
	CapabilityJSONMode,
}

// IsKnown reports whether c is one of KnownCapabilities
func (c Capability) IsKnown() bool {
	for _, k := range KnownCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// CapabilitySet is an unordered set of capabilities
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet creates a set from the given capabilities
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Add inserts c into the set
func (s CapabilitySet) Add(c Capability) {
	s[c] = struct{}{}
}

// Missing returns the members of required that are not in s, sorted
func (s CapabilitySet) Missing(required CapabilitySet) []Capability {
	var missing []Capability
	for c := range required {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// List returns the set members sorted
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Identity is the static description of a provider
type Identity struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Tier         Tier          `json:"tier"`
	Capabilities CapabilitySet `json:"-"`
}

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	// RequestID correlates logs and the cost record
	RequestID string `json:"request_id,omitempty"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// Tools are function schemas; their presence requires function_calling
	Tools []Tool `json:"tools,omitempty"`

	// Model overrides the provider's default model
	Model string `json:"model,omitempty"`

	// Timeout overrides the policy request timeout
	Timeout time.Duration `json:"-"`

	// Capabilities are extra capabilities the caller requires
	Capabilities []Capability `json:"required_capabilities,omitempty"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// JSONMode asks for a JSON object response
	JSONMode bool `json:"json_mode,omitempty"`

	// Metadata for tracking and logging
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RequiredCapabilities returns every capability needed to serve the request
func (r *ChatRequest) RequiredCapabilities() CapabilitySet {
	set := NewCapabilitySet(CapabilityChat)
	for _, c := range r.Capabilities {
		set.Add(c)
	}
	if len(r.Tools) > 0 {
		set.Add(CapabilityFunctionCalling)
	}
	if r.JSONMode {
		set.Add(CapabilityJSONMode)
	}
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			set.Add(CapabilityVision)
			break
		}
	}
	return set
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", "assistant" or "tool"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// Name is an optional identifier for the message sender
	Name string `json:"name,omitempty"`

	// Images are attached to the message as URLs or base64 data URIs
	Images []string `json:"images,omitempty"`

	// ToolCalls are calls an assistant message made earlier in the conversation
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message to the call it answers
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
// Arguments is the raw JSON object text.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable function
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatResponse represents a unified chat completion response
type ChatResponse struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"request_id"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ProviderID string     `json:"provider_id"`

	// Model is the name the backend reported, which may be a dated snapshot
	Model string `json:"model"`

	// RequestedModel is the model the adapter asked for; pricing uses it
	RequestedModel string `json:"requested_model,omitempty"`

	Usage              Usage         `json:"usage"`
	Latency            time.Duration `json:"latency"`
	FinishReason       string        `json:"finish_reason,omitempty"`
	FallbackAttempted  bool          `json:"fallback_attempted"`
	AttemptedProviders []string      `json:"attempted_providers,omitempty"`
	CostUSD            float64       `json:"cost_usd"`
}

// PricedModel is the model name the cost ledger should price
func (r *ChatResponse) PricedModel() string {
	if r.RequestedModel != "" {
		return r.RequestedModel
	}
	return r.Model
}

// Usage represents token usage statistics
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelInfo contains metadata and pricing for a model
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`

	// Pricing per 1K tokens in USD
	InputPricePer1K  float64 `json:"input_price_per_1k"`
	OutputPricePer1K float64 `json:"output_price_per_1k"`
}

// Cataloged is implemented by adapters that ship a model catalog
type Cataloged interface {
	Models() []ModelInfo
}

// ProviderConfig holds common configuration for adapters
type ProviderConfig struct {
	// ID is the stable provider identifier (e.g. "local", "cloud-a")
	ID string

	// Name is the human-readable name
	Name string

	// APIKey for authentication
	APIKey string

	// BaseURL for the API
	BaseURL string

	// DefaultModel used when the request does not override it
	DefaultModel string

	// Timeout bounds each HTTP call
	Timeout time.Duration

	// Capabilities the backend supports
	Capabilities []Capability

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:      60 * time.Second,
		Capabilities: []Capability{CapabilityChat},
		Headers:      make(map[string]string),
	}
}
