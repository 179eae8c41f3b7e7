// Package inference is the public façade of the orchestrator: it resolves a
// model, builds the prompt, enforces the concurrency ceiling and hands the
// request to the dispatcher.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-orchestrator/services/cache"
	"github.com/upb/llm-orchestrator/services/cost"
	"github.com/upb/llm-orchestrator/services/events"
	"github.com/upb/llm-orchestrator/services/prompt"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/services/routing"
	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// cacheCleanupInterval is how often expired cache entries are swept
const cacheCleanupInterval = time.Minute

// Config holds engine settings
type Config struct {
	DefaultProvider       string
	DefaultModel          string
	CacheEnabled          bool
	CacheMaxSizeMB        int
	CacheTTL              time.Duration
	FallbackEnabled       bool
	MaxRetryAttempts      int
	RequestTimeout        time.Duration
	MaxConcurrentRequests int
	ConcurrencyPolicy     ConcurrencyPolicy
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		DefaultModel:          providers.DefaultModelID,
		CacheEnabled:          true,
		CacheMaxSizeMB:        50,
		CacheTTL:              time.Hour,
		FallbackEnabled:       true,
		MaxRetryAttempts:      routing.DefaultMaxAttempts,
		RequestTimeout:        2 * time.Minute,
		MaxConcurrentRequests: 10,
		ConcurrencyPolicy:     PolicyReject,
	}
}

// inflight tracks one running request
type inflight struct {
	cancel    context.CancelFunc
	provider  providers.Provider
	cancelled bool
	stream    *Stream
}

type counters struct {
	requests    int64
	successes   int64
	failures    int64
	cancelled   int64
	rejected    int64
	cacheHits   int64
	cacheMisses int64
	savedCost   float64
}

// Engine orchestrates completions across registered providers
type Engine struct {
	config     Config
	registry   *providers.Registry
	cache      *cache.ResponseCache
	costs      *cost.Tracker
	dispatcher *routing.Dispatcher
	bus        *events.Bus
	sem        *semaphore.Weighted
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
	metrics  counters
	closed   bool
	stopCh   chan struct{}
}

// Option customizes an Engine
type Option func(*engineOptions)

type engineOptions struct {
	dispatcherOpts []routing.Option
	cacheOpts      []cache.Option
	bus            *events.Bus
}

// WithDispatcherOptions passes options through to the dispatcher
func WithDispatcherOptions(opts ...routing.Option) Option {
	return func(o *engineOptions) {
		o.dispatcherOpts = append(o.dispatcherOpts, opts...)
	}
}

// WithCacheOptions passes options through to the response cache
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *engineOptions) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

// WithBus uses an existing event bus
func WithBus(bus *events.Bus) Option {
	return func(o *engineOptions) {
		o.bus = bus
	}
}

// NewEngine creates an engine that owns its cache, cost ledger and dispatcher
func NewEngine(config Config, registry *providers.Registry, logger *zap.Logger, opts ...Option) *Engine {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.bus == nil {
		o.bus = events.NewBus(logger)
	}
	if config.ConcurrencyPolicy == "" {
		config.ConcurrencyPolicy = PolicyReject
	}

	e := &Engine{
		config:   config,
		registry: registry,
		costs:    cost.NewTracker(logger),
		bus:      o.bus,
		logger:   logger,
		inflight: make(map[string]*inflight),
		stopCh:   make(chan struct{}),
	}

	if config.CacheEnabled {
		e.cache = cache.New(cache.Config{
			MaxSizeMB: config.CacheMaxSizeMB,
			TTL:       config.CacheTTL,
		}, append([]cache.Option{cache.WithLogger(logger)}, o.cacheOpts...)...)
		go e.cache.StartCleanupWorker(cacheCleanupInterval, e.stopCh)
	}

	if config.MaxConcurrentRequests > 0 {
		e.sem = semaphore.NewWeighted(int64(config.MaxConcurrentRequests))
	}

	dispatcherOpts := append([]routing.Option{routing.WithEvents(e.bus)}, o.dispatcherOpts...)
	e.dispatcher = routing.NewDispatcher(routing.Config{
		MaxAttempts:     config.MaxRetryAttempts,
		FallbackEnabled: config.FallbackEnabled,
		BaseDelay:       routing.DefaultBaseDelay,
		MaxDelay:        routing.DefaultMaxDelay,
	}, e.cache, e.costs, logger, dispatcherOpts...)

	return e
}

// Registry returns the engine's model registry
func (e *Engine) Registry() *providers.Registry {
	return e.registry
}

// RegisterProvider adds a provider and its models to the registry
func (e *Engine) RegisterProvider(p providers.Provider) error {
	if err := e.registry.RegisterProvider(p); err != nil {
		return err
	}

	e.logger.Info("provider registered",
		zap.String("provider", p.Name()),
		zap.Int("models", len(p.Models())))
	e.bus.Publish(events.Event{Type: events.ProviderRegistered, Provider: p.Name()})
	return nil
}

// Events subscribes to lifecycle events
func (e *Engine) Events(buffer int) (<-chan events.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Stream starts a completion and returns a stream of chunks. When
// req.Stream is false the provider is called without streaming and the
// stream carries a single final chunk.
//
// The caller must Close the stream. Until every chunk is read or the stream
// is closed, the request holds its concurrency slot, bounded only by
// RequestTimeout.
func (e *Engine) Stream(ctx context.Context, req *CompletionRequest) (*Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	if err := e.validate(req); err != nil {
		return nil, err
	}

	provider, model, err := e.resolveModel(req)
	if err != nil {
		return nil, err
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	built := prompt.Build(prompt.Input{
		Messages:    req.Messages,
		Mode:        req.Mode,
		Shape:       req.Shape,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Model:       model,
	})

	call := routing.Call{
		Provider:  provider,
		Model:     model,
		Request:   e.enrich(req, requestID, model, built),
		SessionID: req.SessionID,
		Messages:  req.Messages,
	}
	if e.cache != nil && !req.Stream {
		call.CacheKey = cache.Key(cache.KeyInput{
			Model:       model.ID,
			Messages:    req.Messages,
			Mode:        req.Mode,
			Shape:       string(req.Shape),
			Temperature: built.Temperature,
		})
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if e.config.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		reqCtx, cancelTimeout = context.WithTimeout(reqCtx, e.config.RequestTimeout)
		parentCancel := cancel
		cancel = func() {
			cancelTimeout()
			parentCancel()
		}
	}

	stream := newStream(requestID, model.ID, provider.Name(), built.EstimatedTokens, cancel)
	stream.engine = e

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		e.release()
		return nil, ErrEngineClosed
	}
	e.inflight[requestID] = &inflight{cancel: cancel, provider: provider, stream: stream}
	e.metrics.requests++
	e.mu.Unlock()

	e.logger.Info("request started",
		zap.String("request_id", requestID),
		zap.String("provider", provider.Name()),
		zap.String("model", model.ID),
		zap.Bool("stream", req.Stream),
		zap.Int("estimated_tokens", built.EstimatedTokens))
	e.bus.Publish(events.Event{
		Type:      events.RequestStarted,
		RequestID: requestID,
		SessionID: req.SessionID,
		Provider:  provider.Name(),
		Model:     model.ID,
	})

	go e.run(reqCtx, call, stream)

	return stream, nil
}

// run is the producer goroutine for one request
func (e *Engine) run(ctx context.Context, call routing.Call, stream *Stream) {
	var final *providers.ChatResponse

	err := e.dispatcher.Dispatch(ctx, call, func(chunk providers.Chunk) error {
		if chunk.Type == providers.ChunkFinal {
			final = chunk.Final
		}
		select {
		case stream.ch <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	requestID := call.Request.RequestID
	err = e.finish(ctx, call, final, err)

	stream.finish(err)
	e.logger.Debug("request finished", zap.String("request_id", requestID), zap.Error(err))
}

// finish updates metrics and tracking, returning the error the consumer sees
func (e *Engine) finish(ctx context.Context, call routing.Call, final *providers.ChatResponse, err error) error {
	requestID := call.Request.RequestID

	// The slot frees before the request stops counting as active
	e.release()

	e.mu.Lock()
	state := e.inflight[requestID]
	delete(e.inflight, requestID)
	cancelledByCaller := state != nil && state.cancelled
	e.mu.Unlock()
	if state != nil {
		state.cancel()
	}

	var perr *providers.ProviderError
	if err != nil && !cancelledByCaller && !errors.Is(err, routing.ErrCanceled) && !errors.As(err, &perr) {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				err = providers.NewProviderError(call.Provider.Name(), providers.ErrCodeTimeout, "request timed out", 0, ctxErr)
			} else {
				err = fmt.Errorf("%w: %w", routing.ErrCanceled, ctxErr)
			}
		}
	}
	if cancelledByCaller {
		err = fmt.Errorf("%w: %w", routing.ErrCanceled, context.Canceled)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if call.CacheKey != "" {
		if final != nil && final.FromCache {
			e.metrics.cacheHits++
			model := call.Model
			e.metrics.savedCost += cost.Calculate(final.Usage.InputTokens, final.Usage.OutputTokens, &model)
		} else {
			e.metrics.cacheMisses++
		}
	}

	switch {
	case err == nil:
		e.metrics.successes++
	case errors.Is(err, routing.ErrCanceled):
		e.metrics.failures++
		e.metrics.cancelled++
		e.bus.Publish(events.Event{
			Type:      events.RequestCancelled,
			RequestID: requestID,
			Provider:  call.Provider.Name(),
			Model:     call.Model.ID,
		})
	default:
		e.metrics.failures++
	}

	return err
}

// Complete runs a non-streaming completion and waits for its result
func (e *Engine) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}

	startTime := time.Now()

	buffered := *req
	buffered.Stream = false

	stream, err := e.Stream(ctx, &buffered)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	final, err := stream.Collect()
	if err != nil {
		return nil, err
	}

	return newCompletionResponse(final, stream.EstimatedTokens(), time.Since(startTime)), nil
}

// Cancel aborts the in-flight request with the given id. It reports whether
// such a request was being tracked. No chunk is delivered after it returns.
func (e *Engine) Cancel(requestID string) bool {
	e.mu.Lock()
	state, ok := e.inflight[requestID]
	if ok {
		state.cancelled = true
		state.stream.markCancelled()
	}
	e.mu.Unlock()

	if !ok {
		return false
	}

	state.cancel()
	if c, ok := state.provider.(providers.Canceler); ok {
		c.Cancel(requestID)
	}

	e.logger.Info("request cancelled", zap.String("request_id", requestID))
	return true
}

// CancelAll aborts every in-flight request and returns how many were cancelled
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	n := 0
	for _, id := range ids {
		if e.Cancel(id) {
			n++
		}
	}
	return n
}

// InFlight returns the ids of requests currently running
func (e *Engine) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Metrics returns a snapshot of request counters
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		Requests:       e.metrics.requests,
		Successes:      e.metrics.successes,
		Failures:       e.metrics.failures,
		Cancelled:      e.metrics.cancelled,
		Rejected:       e.metrics.rejected,
		CacheHits:      e.metrics.cacheHits,
		CacheMisses:    e.metrics.cacheMisses,
		SavedCost:      e.metrics.savedCost,
		ActiveRequests: len(e.inflight),
	}
	if lookups := m.CacheHits + m.CacheMisses; lookups > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(lookups)
	}
	if m.Requests > 0 {
		m.ErrorRate = float64(m.Failures) / float64(m.Requests)
	}
	return m
}

// ResetMetrics zeroes request counters
func (e *Engine) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = counters{}
}

// CostStats returns a snapshot of the cost ledger
func (e *Engine) CostStats() cost.Stats {
	return e.costs.Stats()
}

// ResetCosts zeroes the cost ledger
func (e *Engine) ResetCosts() {
	e.costs.Reset()
}

// CacheStats returns cache statistics; zero when caching is disabled
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// ClearCache empties the response cache
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Close cancels every in-flight request and stops background work
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.CancelAll()
	close(e.stopCh)
}

func (e *Engine) validate(req *CompletionRequest) error {
	if err := utils.ValidateStruct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !prompt.ValidShape(req.Shape) {
		return fmt.Errorf("%w: unknown answer shape %q", ErrInvalidRequest, req.Shape)
	}
	return nil
}

// resolveModel picks the model: explicit, then recommended from hints,
// then the configured default model, then the default provider's first model
func (e *Engine) resolveModel(req *CompletionRequest) (providers.Provider, providers.ModelDescriptor, error) {
	if req.Model != "" {
		p, m, err := e.registry.Resolve(req.Model)
		if err != nil {
			return nil, providers.ModelDescriptor{}, fmt.Errorf("%w: %s", err, req.Model)
		}
		return p, m, nil
	}

	candidates := make([]string, 0, 2)
	if req.Mode != "" || req.Profile != "" {
		candidates = append(candidates, e.registry.Recommend(req.Mode, req.Profile))
	}
	if e.config.DefaultModel != "" {
		candidates = append(candidates, e.config.DefaultModel)
	}
	for _, id := range candidates {
		if p, m, err := e.registry.Resolve(id); err == nil {
			return p, m, nil
		}
	}

	if e.config.DefaultProvider != "" {
		if models := e.registry.ModelsByProvider(e.config.DefaultProvider); len(models) > 0 {
			return e.registry.Resolve(models[0].ID)
		}
	}

	return nil, providers.ModelDescriptor{}, fmt.Errorf("%w: no model available", providers.ErrModelNotSupported)
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.sem == nil {
		return nil
	}

	if e.config.ConcurrencyPolicy == PolicyQueue {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("waiting for a request slot: %w", err)
		}
		return nil
	}

	if !e.sem.TryAcquire(1) {
		e.mu.Lock()
		e.metrics.rejected++
		e.mu.Unlock()
		return ErrTooManyRequests
	}
	return nil
}

func (e *Engine) release() {
	if e.sem != nil {
		e.sem.Release(1)
	}
}

// enrich builds the provider request; req itself is not modified
func (e *Engine) enrich(req *CompletionRequest, requestID string, model providers.ModelDescriptor, built prompt.Built) *providers.ChatRequest {
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.SessionID != "" {
		metadata["session_id"] = req.SessionID
	}

	var stop []string
	if len(req.Stop) > 0 {
		stop = append(stop, req.Stop...)
	}

	return &providers.ChatRequest{
		RequestID:        requestID,
		Model:            model.ID,
		Messages:         built.Messages,
		MaxTokens:        built.MaxTokens,
		Temperature:      built.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             stop,
		Stream:           req.Stream,
		Metadata:         metadata,
	}
}
