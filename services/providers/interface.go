package providers

import (
	"context"
	"time"
)

// Provider represents a unified LLM provider interface
type Provider interface {
	// Name returns the provider id (e.g., "openai", "anthropic", "local")
	Name() string

	// Initialize prepares the provider for use with the given configuration
	Initialize(ctx context.Context, config ProviderConfig) error

	// TestConnection performs a lightweight round trip against the provider
	TestConnection(ctx context.Context) error

	// Models returns the descriptors this provider declares at registration time
	Models() []ModelDescriptor

	// ChatCompletion performs a whole-response chat completion
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream performs a streaming chat completion, invoking callback
	// for every chunk in provider order. The last chunk is always a final chunk.
	ChatCompletionStream(ctx context.Context, req *ChatRequest, callback StreamCallback) error
}

// Canceler is implemented by providers that can abort an in-flight request by id
type Canceler interface {
	Cancel(requestID string)
}

// ModelLister is implemented by providers that can query their live model catalog
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// StreamCallback is called for each chunk in a streaming response
type StreamCallback func(chunk Chunk) error

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role" validate:"required,oneof=system user assistant"`

	// Content is the message text
	Content string `json:"content"`

	// Metadata is optional structured data attached by the caller
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Capability is a feature a model supports
type Capability string

const (
	CapabilityText      Capability = "text"
	CapabilityVision    Capability = "vision"
	CapabilityAudio     Capability = "audio"
	CapabilityStreaming Capability = "streaming"
	CapabilityReasoning Capability = "reasoning"
)

// Pricing is expressed in USD per one million tokens
type Pricing struct {
	InputPer1M  float64 `json:"input_per_1m" yaml:"input_per_1m" toml:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m" yaml:"output_per_1m" toml:"output_per_1m"`
}

// ModelDescriptor contains static metadata about a model
type ModelDescriptor struct {
	// ID is the model identifier
	ID string `json:"id" yaml:"id" toml:"id"`

	// Provider that owns this model
	Provider string `json:"provider" yaml:"provider" toml:"provider"`

	// Name is the human-readable name
	Name string `json:"name,omitempty" yaml:"name" toml:"name"`

	// ContextWindow size in tokens
	ContextWindow int `json:"context_window" yaml:"context_window" toml:"context_window"`

	// MaxOutputTokens supported by the model
	MaxOutputTokens int `json:"max_output_tokens" yaml:"max_output_tokens" toml:"max_output_tokens"`

	// DefaultTemperature used when nothing else resolves one
	DefaultTemperature float64 `json:"default_temperature" yaml:"default_temperature" toml:"default_temperature"`

	// Capabilities advertised by the model
	Capabilities []Capability `json:"capabilities,omitempty" yaml:"capabilities" toml:"capabilities"`

	// Pricing is nil for free or local models
	Pricing *Pricing `json:"pricing,omitempty" yaml:"pricing" toml:"pricing"`
}

// Supports reports whether the model advertises the capability
func (m ModelDescriptor) Supports(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ChatRequest is the enriched request handed to a provider. It is built by the
// engine from the caller's request and is never modified after dispatch.
type ChatRequest struct {
	// RequestID is generated by the engine
	RequestID string `json:"-"`

	// Model identifier (e.g., "gpt-4o", "claude-sonnet-4-5")
	Model string `json:"model"`

	// Messages in the conversation, system prompt first when present
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64 `json:"temperature"`

	// TopP controls nucleus sampling
	TopP *float64 `json:"top_p,omitempty"`

	// FrequencyPenalty reduces repetition (-2.0 to 2.0)
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	// PresencePenalty encourages new topics (-2.0 to 2.0)
	PresencePenalty *float64 `json:"presence_penalty,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// Stream enables streaming responses
	Stream bool `json:"stream,omitempty"`

	// Metadata for tracking and logging
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Usage represents token usage statistics
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse represents a unified, fully accumulated completion
type ChatResponse struct {
	// ID is the provider's identifier for this completion
	ID string `json:"id"`

	// RequestID is the engine's identifier for the logical request
	RequestID string `json:"request_id"`

	// Provider that handled the request
	Provider string `json:"provider"`

	// Model used for the completion
	Model string `json:"model"`

	// Content is the full answer text
	Content string `json:"content"`

	// Reasoning is the full reasoning text, when the model emits it
	Reasoning string `json:"reasoning,omitempty"`

	// Usage statistics
	Usage Usage `json:"usage"`

	// FinishReason indicates why the completion finished
	FinishReason string `json:"finish_reason,omitempty"`

	// Cost of this completion in USD
	Cost float64 `json:"cost"`

	// FromCache is set when the response was served from the response cache
	FromCache bool `json:"from_cache"`

	// Latency of the request
	Latency time.Duration `json:"latency"`

	// Created timestamp
	Created time.Time `json:"created"`
}

// ChunkType tags a streaming chunk
type ChunkType string

const (
	ChunkDelta ChunkType = "delta"
	ChunkFinal ChunkType = "final"
)

// Chunk is one element of a completion stream. A stream is a finite sequence
// of delta chunks terminated by exactly one final chunk.
type Chunk struct {
	Type ChunkType `json:"type"`

	// Delta is incremental answer text
	Delta string `json:"delta,omitempty"`

	// ReasoningDelta is incremental reasoning text
	ReasoningDelta string `json:"reasoning_delta,omitempty"`

	// Final is set only on the final chunk
	Final *ChatResponse `json:"final,omitempty"`
}

// DeltaChunk builds a delta chunk
func DeltaChunk(text, reasoning string) Chunk {
	return Chunk{Type: ChunkDelta, Delta: text, ReasoningDelta: reasoning}
}

// FinalChunk builds a final chunk
func FinalChunk(resp *ChatResponse) Chunk {
	return Chunk{Type: ChunkFinal, Final: resp}
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout for requests
	Timeout time.Duration

	// MaxRetries the vendor SDK may perform on its own
	MaxRetries int

	// Additional headers
	Headers map[string]string

	// OrgID for organization-specific endpoints
	OrgID string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 60 * time.Second,
		Headers: make(map[string]string),
	}
}
