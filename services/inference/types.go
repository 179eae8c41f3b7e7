package inference

import (
	"errors"
	"time"

	"github.com/upb/llm-orchestrator/services/prompt"
	"github.com/upb/llm-orchestrator/services/providers"
)

var (
	// ErrInvalidRequest is returned for requests that fail validation
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTooManyRequests is returned when the concurrency ceiling is reached
	// under the reject policy
	ErrTooManyRequests = errors.New("too many concurrent requests")

	// ErrEngineClosed is returned after Close
	ErrEngineClosed = errors.New("engine closed")
)

// ConcurrencyPolicy decides what happens beyond the concurrency ceiling
type ConcurrencyPolicy string

const (
	// PolicyReject fails fast with ErrTooManyRequests
	PolicyReject ConcurrencyPolicy = "reject"

	// PolicyQueue waits for a slot, bounded by the caller's context
	PolicyQueue ConcurrencyPolicy = "queue"
)

// CompletionRequest is a caller's request. It is never modified by the engine.
type CompletionRequest struct {
	// Model is optional; when empty the engine recommends one from Mode and Profile
	Model string `json:"model,omitempty"`

	Messages []providers.Message `json:"messages" validate:"required,min=1,dive"`

	// Sampling parameters; nil means "let the prompt builder decide"
	Temperature      *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int     `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
	TopP             *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`

	// Hints
	Mode    providers.Mode               `json:"mode,omitempty"`
	Shape   prompt.AnswerShape           `json:"shape,omitempty"`
	Profile providers.PerformanceProfile `json:"profile,omitempty"`

	// SessionID links the completion to a stored conversation
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Stream bool `json:"stream,omitempty"`
}

// CompletionResponse is the buffered result of Complete
type CompletionResponse struct {
	RequestID       string          `json:"request_id"`
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	Content         string          `json:"content"`
	Reasoning       string          `json:"reasoning,omitempty"`
	FinishReason    string          `json:"finish_reason"`
	Usage           providers.Usage `json:"usage"`
	Cost            float64         `json:"cost"`
	FromCache       bool            `json:"from_cache"`
	EstimatedTokens int             `json:"estimated_prompt_tokens"`
	LatencyMs       int64           `json:"latency_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}

func newCompletionResponse(final *providers.ChatResponse, estimated int, latency time.Duration) *CompletionResponse {
	return &CompletionResponse{
		RequestID:       final.RequestID,
		ID:              final.ID,
		Provider:        final.Provider,
		Model:           final.Model,
		Content:         final.Content,
		Reasoning:       final.Reasoning,
		FinishReason:    final.FinishReason,
		Usage:           final.Usage,
		Cost:            final.Cost,
		FromCache:       final.FromCache,
		EstimatedTokens: estimated,
		LatencyMs:       latency.Milliseconds(),
		CreatedAt:       time.Now(),
	}
}

// Metrics is a snapshot of engine counters
type Metrics struct {
	Requests       int64   `json:"requests"`
	Successes      int64   `json:"successes"`
	Failures       int64   `json:"failures"`
	Cancelled      int64   `json:"cancelled"`
	Rejected       int64   `json:"rejected"`
	CacheHits      int64   `json:"cache_hits"`
	CacheMisses    int64   `json:"cache_misses"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	ErrorRate      float64 `json:"error_rate"`
	SavedCost      float64 `json:"saved_cost"`
	ActiveRequests int     `json:"active_requests"`
}
