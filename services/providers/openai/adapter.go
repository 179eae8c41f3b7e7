package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/upb/llm-orchestrator/services/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultName    = "openai"

	maxLineSize = 1 << 20
)

// Adapter implements the Provider interface for OpenAI and any server that
// speaks the OpenAI chat completions protocol (Ollama, vLLM, LM Studio, ...).
type Adapter struct {
	name       string
	config     providers.ProviderConfig
	httpClient *http.Client
	models     []providers.ModelDescriptor
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

var (
	_ providers.Provider    = (*Adapter)(nil)
	_ providers.Canceler    = (*Adapter)(nil)
	_ providers.ModelLister = (*Adapter)(nil)
)

// Option configures an Adapter
type Option func(*Adapter)

// WithName overrides the provider id, e.g. "local" for an Ollama endpoint
func WithName(name string) Option {
	return func(a *Adapter) {
		if name != "" {
			a.name = name
		}
	}
}

// WithModels replaces the built-in model table
func WithModels(models ...providers.ModelDescriptor) Option {
	return func(a *Adapter) {
		a.models = models
	}
}

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = c
	}
}

// WithLogger sets the logger used for skipped stream frames
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// NewOpenAIAdapter creates a new OpenAI-compatible adapter
func NewOpenAIAdapter(config providers.ProviderConfig, opts ...Option) *Adapter {
	a := &Adapter{
		name:     defaultName,
		models:   defaultModels(),
		logger:   zap.NewNop(),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.applyConfig(config)
	return a
}

func (a *Adapter) applyConfig(config providers.ProviderConfig) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	a.config = config
	if a.httpClient == nil {
		// Only the wait for headers is bounded here; streams may run long and
		// per-request deadlines come from ctx.
		a.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: config.Timeout,
			},
		}
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return a.name
}

// Initialize replaces the adapter configuration
func (a *Adapter) Initialize(ctx context.Context, config providers.ProviderConfig) error {
	a.applyConfig(config)
	return nil
}

// Models returns the declared model descriptors
func (a *Adapter) Models() []providers.ModelDescriptor {
	out := make([]providers.ModelDescriptor, len(a.models))
	for i, m := range a.models {
		m.Provider = a.name
		out[i] = m
	}
	return out
}

// TestConnection lists models as a cheap authenticated round trip
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}

// ListModels queries the live model catalog
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/models", nil)
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeInvalidRequest, "failed to create request", 0, err)
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, providers.FromTransportError(a.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.FromTransportError(a.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(resp.StatusCode, body)
	}

	var list OpenAIModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeServerError, "malformed model list", resp.StatusCode, err)
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
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

// ChatCompletion performs a chat completion request
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, done := a.track(ctx, req.RequestID)
	defer done()

	httpResp, err := a.post(ctx, a.buildOpenAIRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.FromTransportError(a.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeServerError, "empty response body", httpResp.StatusCode, nil)
	}

	var openaiResp OpenAIChatResponse
	if err := json.Unmarshal(respBody, &openaiResp); err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeServerError, "malformed response body", httpResp.StatusCode, err)
	}
	if len(openaiResp.Choices) == 0 {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeServerError, "response has no choices", httpResp.StatusCode, nil)
	}

	return a.convertToUnifiedResponse(&openaiResp, req, time.Since(startTime)), nil
}

// ChatCompletionStream performs a streaming chat completion over SSE
func (a *Adapter) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest, callback providers.StreamCallback) error {
	startTime := time.Now()

	ctx, done := a.track(ctx, req.RequestID)
	defer done()

	httpResp, err := a.post(ctx, a.buildOpenAIRequest(req, true))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return a.handleErrorResponse(httpResp.StatusCode, body)
	}

	var (
		content   strings.Builder
		reasoning strings.Builder
		final     = &providers.ChatResponse{
			RequestID: req.RequestID,
			Provider:  a.name,
			Model:     req.Model,
		}
		frames int
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk OpenAIChatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			a.logger.Warn("skipping malformed stream frame",
				zap.String("provider", a.name),
				zap.String("request_id", req.RequestID),
				zap.Error(err))
			continue
		}
		frames++

		if chunk.ID != "" {
			final.ID = chunk.ID
		}
		if chunk.Model != "" {
			final.Model = chunk.Model
		}
		if chunk.Usage != nil {
			final.Usage = providers.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				final.FinishReason = choice.FinishReason
			}
			text, thought := choice.Delta.Content, choice.Delta.ReasoningContent
			if text == "" && thought == "" {
				continue
			}
			content.WriteString(text)
			reasoning.WriteString(thought)
			if err := callback(providers.DeltaChunk(text, thought)); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return providers.FromTransportError(a.name, err)
	}

	if frames == 0 {
		return providers.NewProviderError(a.name, providers.ErrCodeServerError, "stream ended without data", httpResp.StatusCode, nil)
	}

	final.Content = content.String()
	final.Reasoning = reasoning.String()
	final.Latency = time.Since(startTime)
	final.Created = time.Now()
	if final.Usage.TotalTokens == 0 {
		final.Usage.TotalTokens = final.Usage.InputTokens + final.Usage.OutputTokens
	}

	return callback(providers.FinalChunk(final))
}

// track registers a cancel func for requestID so Cancel can abort the call
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

func (a *Adapter) post(ctx context.Context, body *OpenAIChatRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeInvalidRequest, "failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeInvalidRequest, "failed to create request", 0, err)
	}
	a.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, providers.FromTransportError(a.name, err)
	}
	if httpResp.Body == nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodeServerError, "response has no body", httpResp.StatusCode, nil)
	}
	return httpResp, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	if a.config.OrgID != "" {
		req.Header.Set("OpenAI-Organization", a.config.OrgID)
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
}

// buildOpenAIRequest converts unified request to OpenAI format
func (a *Adapter) buildOpenAIRequest(req *providers.ChatRequest, stream bool) *OpenAIChatRequest {
	openaiReq := &OpenAIChatRequest{
		Model:            req.Model,
		Messages:         make([]OpenAIMessage, len(req.Messages)),
		Stream:           stream,
		Stop:             req.Stop,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
	if stream {
		openaiReq.StreamOptions = &OpenAIStreamOptions{IncludeUsage: true}
	}

	for i, msg := range req.Messages {
		openaiReq.Messages[i] = OpenAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		openaiReq.MaxTokens = &maxTokens
	}
	temperature := req.Temperature
	openaiReq.Temperature = &temperature

	return openaiReq
}

// convertToUnifiedResponse converts OpenAI response to unified format
func (a *Adapter) convertToUnifiedResponse(openaiResp *OpenAIChatResponse, req *providers.ChatRequest, latency time.Duration) *providers.ChatResponse {
	choice := openaiResp.Choices[0]
	resp := &providers.ChatResponse{
		ID:           openaiResp.ID,
		RequestID:    req.RequestID,
		Model:        openaiResp.Model,
		Provider:     a.name,
		Content:      choice.Message.Content,
		Reasoning:    choice.Message.ReasoningContent,
		FinishReason: choice.FinishReason,
		Latency:      latency,
		Created:      time.Unix(openaiResp.Created, 0),
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if openaiResp.Usage != nil {
		resp.Usage = providers.Usage{
			InputTokens:  openaiResp.Usage.PromptTokens,
			OutputTokens: openaiResp.Usage.CompletionTokens,
			TotalTokens:  openaiResp.Usage.TotalTokens,
		}
	}
	return resp
}

// handleErrorResponse maps an OpenAI-style error body onto the taxonomy
func (a *Adapter) handleErrorResponse(statusCode int, body []byte) error {
	var errResp OpenAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(statusCode)
		}
		return providers.NewProviderError(a.name, providers.ClassifyStatus(statusCode, false), msg, statusCode, nil)
	}

	code := providers.ClassifyStatus(statusCode, errResp.Error.Code == "insufficient_quota")
	switch errResp.Error.Code {
	case "invalid_api_key":
		code = providers.ErrCodeInvalidAPIKey
	case "context_length_exceeded":
		code = providers.ErrCodeContextLengthExceeded
	case "model_not_found":
		code = providers.ErrCodeModelNotFound
	case "content_filter", "content_policy_violation":
		code = providers.ErrCodeContentFilter
	}

	return providers.NewProviderError(a.name, code, errResp.Error.Message, statusCode,
		fmt.Errorf("%s: %s", errResp.Error.Type, errResp.Error.Code))
}

// defaultModels is the built-in OpenAI model table
func defaultModels() []providers.ModelDescriptor {
	chat := []providers.Capability{providers.CapabilityText, providers.CapabilityStreaming}
	vision := []providers.Capability{providers.CapabilityText, providers.CapabilityStreaming, providers.CapabilityVision}

	return []providers.ModelDescriptor{
		{
			ID:                 "gpt-4o",
			Name:               "GPT-4o",
			ContextWindow:      128000,
			MaxOutputTokens:    16384,
			DefaultTemperature: 0.7,
			Capabilities:       vision,
			Pricing:            &providers.Pricing{InputPer1M: 2.50, OutputPer1M: 10.00},
		},
		{
			ID:                 "gpt-4o-mini",
			Name:               "GPT-4o Mini",
			ContextWindow:      128000,
			MaxOutputTokens:    16384,
			DefaultTemperature: 0.7,
			Capabilities:       vision,
			Pricing:            &providers.Pricing{InputPer1M: 0.15, OutputPer1M: 0.60},
		},
		{
			ID:                 "gpt-4.1",
			Name:               "GPT-4.1",
			ContextWindow:      1047576,
			MaxOutputTokens:    32768,
			DefaultTemperature: 0.7,
			Capabilities:       vision,
			Pricing:            &providers.Pricing{InputPer1M: 2.00, OutputPer1M: 8.00},
		},
		{
			ID:                 "o4-mini",
			Name:               "o4-mini",
			ContextWindow:      200000,
			MaxOutputTokens:    100000,
			DefaultTemperature: 1.0,
			Capabilities:       append(chat, providers.CapabilityReasoning),
			Pricing:            &providers.Pricing{InputPer1M: 1.10, OutputPer1M: 4.40},
		},
	}
}
