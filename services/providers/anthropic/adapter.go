// Package anthropic adapts the Anthropic Messages API to the providers contract.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/upb/llm-orchestrator/services/providers"
)

const (
	providerName = "anthropic"

	// defaultMaxTokens is used when neither the request nor the model sets a limit.
	defaultMaxTokens = 4096

	// statusOverloaded is Anthropic's non-standard "overloaded" status.
	statusOverloaded = 529
)

// Adapter implements providers.Provider using the official Anthropic SDK.
type Adapter struct {
	client anthropic.Client
	config providers.ProviderConfig
	models []providers.ModelDescriptor

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

var (
	_ providers.Provider    = (*Adapter)(nil)
	_ providers.Canceler    = (*Adapter)(nil)
	_ providers.ModelLister = (*Adapter)(nil)
)

// NewAdapter creates an Anthropic adapter. The SDK's own retries default to
// zero because the dispatcher owns retry policy.
func NewAdapter(config providers.ProviderConfig) *Adapter {
	a := &Adapter{
		models:   defaultModels(),
		inflight: make(map[string]context.CancelFunc),
	}
	a.applyConfig(config)
	return a
}

func (a *Adapter) applyConfig(config providers.ProviderConfig) {
	a.config = config

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: config.Timeout,
			},
		}))
	}
	for k, v := range config.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	a.client = anthropic.NewClient(opts...)
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providerName
}

// Initialize rebuilds the SDK client from config
func (a *Adapter) Initialize(ctx context.Context, config providers.ProviderConfig) error {
	if config.APIKey == "" {
		return providers.NewProviderError(providerName, providers.ErrCodeInvalidAPIKey, "api key is required", 0, nil)
	}
	a.applyConfig(config)
	return nil
}

// Models returns the declared model descriptors
func (a *Adapter) Models() []providers.ModelDescriptor {
	out := make([]providers.ModelDescriptor, len(a.models))
	copy(out, a.models)
	return out
}

// TestConnection lists models as a cheap authenticated round trip
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}

// ListModels queries the live model catalog
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, a.classify(ctx, err)
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Cancel aborts the in-flight call for requestID, if any
func (a *Adapter) Cancel(requestID string) {
	a.mu.Lock()
	cancel, ok := a.inflight[requestID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// ChatCompletion returns the whole response, read from the streaming
// endpoint. The SDK rejects non-streaming calls whose max_tokens may run past
// its ten minute limit, which every declared model's default does.
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, done := a.track(ctx, req.RequestID)
	defer done()

	return a.collect(ctx, req, nil)
}

// ChatCompletionStream streams text and thinking deltas from the Messages API
func (a *Adapter) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest, callback providers.StreamCallback) error {
	ctx, done := a.track(ctx, req.RequestID)
	defer done()

	resp, err := a.collect(ctx, req, callback)
	if err != nil {
		return err
	}
	return callback(providers.FinalChunk(resp))
}

// collect reads one Messages stream into a response, passing each delta to
// onDelta when it is set
func (a *Adapter) collect(ctx context.Context, req *providers.ChatRequest, onDelta providers.StreamCallback) (*providers.ChatResponse, error) {
	startTime := time.Now()

	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	var (
		acc       anthropic.Message
		content   strings.Builder
		reasoning strings.Builder
		events    int
	)

	for stream.Next() {
		event := stream.Current()
		events++
		if err := acc.Accumulate(event); err != nil {
			return nil, providers.NewProviderError(providerName, providers.ErrCodeServerError, "malformed stream event", 0, err)
		}

		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		var chunk providers.Chunk
		switch d := delta.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			content.WriteString(d.Text)
			chunk = providers.DeltaChunk(d.Text, "")
		case anthropic.ThinkingDelta:
			reasoning.WriteString(d.Thinking)
			chunk = providers.DeltaChunk("", d.Thinking)
		default:
			continue
		}
		if onDelta == nil {
			continue
		}
		if err := onDelta(chunk); err != nil {
			return nil, err
		}
	}

	if err := stream.Err(); err != nil {
		return nil, a.classify(ctx, err)
	}
	if events == 0 {
		return nil, providers.NewProviderError(providerName, providers.ErrCodeServerError, "stream ended without data", 0, nil)
	}

	model := string(acc.Model)
	if model == "" {
		model = req.Model
	}

	return &providers.ChatResponse{
		ID:           acc.ID,
		RequestID:    req.RequestID,
		Provider:     providerName,
		Model:        model,
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		FinishReason: string(acc.StopReason),
		Usage:        usage(acc.Usage.InputTokens, acc.Usage.OutputTokens),
		Latency:      time.Since(startTime),
		Created:      time.Now(),
	}, nil
}

func (a *Adapter) track(ctx context.Context, requestID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	if requestID == "" {
		return ctx, cancel
	}

	a.mu.Lock()
	a.inflight[requestID] = cancel
	a.mu.Unlock()

	return ctx, func() {
		a.mu.Lock()
		delete(a.inflight, requestID)
		a.mu.Unlock()
		cancel()
	}
}

func (a *Adapter) buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
		for _, m := range a.models {
			if m.ID == req.Model && m.MaxOutputTokens > 0 {
				maxTokens = int64(m.MaxOutputTokens)
			}
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleSystem:
			system = append(system, msg.Content)
		case providers.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

// classify maps SDK errors onto the provider taxonomy
func (a *Adapter) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := providers.ClassifyStatus(apiErr.StatusCode, false)
		if apiErr.StatusCode == statusOverloaded {
			code = providers.ErrCodeServiceUnavailable
		}
		return providers.NewProviderError(providerName, code, http.StatusText(apiErr.StatusCode), apiErr.StatusCode, err)
	}

	return providers.FromTransportError(providerName, err)
}

func usage(in, out int64) providers.Usage {
	return providers.Usage{
		InputTokens:  int(in),
		OutputTokens: int(out),
		TotalTokens:  int(in + out),
	}
}

func defaultModels() []providers.ModelDescriptor {
	caps := []providers.Capability{
		providers.CapabilityText,
		providers.CapabilityStreaming,
		providers.CapabilityVision,
		providers.CapabilityReasoning,
	}

	return []providers.ModelDescriptor{
		{
			ID:                 "claude-opus-4-1",
			Provider:           providerName,
			Name:               "Claude Opus 4.1",
			ContextWindow:      200000,
			MaxOutputTokens:    32000,
			DefaultTemperature: 1.0,
			Capabilities:       caps,
			Pricing:            &providers.Pricing{InputPer1M: 15.00, OutputPer1M: 75.00},
		},
		{
			ID:                 "claude-sonnet-4-5",
			Provider:           providerName,
			Name:               "Claude Sonnet 4.5",
			ContextWindow:      200000,
			MaxOutputTokens:    64000,
			DefaultTemperature: 1.0,
			Capabilities:       caps,
			Pricing:            &providers.Pricing{InputPer1M: 3.00, OutputPer1M: 15.00},
		},
		{
			ID:                 "claude-haiku-4-5",
			Provider:           providerName,
			Name:               "Claude Haiku 4.5",
			ContextWindow:      200000,
			MaxOutputTokens:    64000,
			DefaultTemperature: 1.0,
			Capabilities:       caps,
			Pricing:            &providers.Pricing{InputPer1M: 1.00, OutputPer1M: 5.00},
		},
	}
}
