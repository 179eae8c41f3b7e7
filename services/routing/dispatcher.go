// Package routing executes a prepared request against its provider with
// caching, retry with exponential backoff and cost accounting.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-orchestrator/services/cache"
	"github.com/upb/llm-orchestrator/services/cost"
	"github.com/upb/llm-orchestrator/services/events"
	"github.com/upb/llm-orchestrator/services/providers"
	"go.uber.org/zap"
)

// ErrCanceled is returned when the request context was cancelled
var ErrCanceled = errors.New("request cancelled")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Config holds dispatcher retry settings
type Config struct {
	// MaxAttempts caps dispatch attempts, including the first
	MaxAttempts int

	// FallbackEnabled turns retrying on; when false every request gets one attempt
	FallbackEnabled bool

	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     DefaultMaxAttempts,
		FallbackEnabled: true,
		BaseDelay:       DefaultBaseDelay,
		MaxDelay:        DefaultMaxDelay,
	}
}

// Backoff returns the delay before retry n (0-based): min(base*2^n, max)
func (c Config) Backoff(n int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call is one logical request ready to dispatch
type Call struct {
	Provider providers.Provider
	Model    providers.ModelDescriptor

	// Request is the enriched provider request; Request.Stream selects the transport
	Request *providers.ChatRequest

	// CacheKey enables cache lookup and store when non-empty
	CacheKey string

	SessionID string

	// Messages are the caller's original messages, passed along on success events
	Messages []providers.Message
}

// Dispatcher runs the per-request state machine:
// cache check, dispatch, evaluate, backoff, and completion.
type Dispatcher struct {
	config Config
	cache  *cache.ResponseCache
	costs  *cost.Tracker
	events events.Publisher
	logger *zap.Logger
	sleep  SleepFunc
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithSleep replaces the backoff timer
func WithSleep(sleep SleepFunc) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// WithEvents sets the lifecycle event publisher
func WithEvents(p events.Publisher) Option {
	return func(d *Dispatcher) {
		d.events = p
	}
}

// NewDispatcher creates a dispatcher. responses may be nil when caching is disabled.
func NewDispatcher(config Config, responses *cache.ResponseCache, costs *cost.Tracker, logger *zap.Logger, opts ...Option) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}

	d := &Dispatcher{
		config: config,
		cache:  responses,
		costs:  costs,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration
func (d *Dispatcher) Config() Config {
	return d.config
}

func (d *Dispatcher) maxAttempts() int {
	if !d.config.FallbackEnabled {
		return 1
	}
	return d.config.MaxAttempts
}

// Dispatch runs call and forwards chunks to emit. Exactly one final chunk is
// emitted on success; on failure no final chunk is emitted and the
// classified error is returned. Once a delta has reached emit, a failure is
// not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, emit providers.StreamCallback) error {
	req := call.Request
	providerName := call.Provider.Name()

	if d.cache != nil && call.CacheKey != "" {
		if cached, ok := d.cache.Get(call.CacheKey); ok {
			return d.serveFromCache(call, cached, emit)
		}
		d.publish(events.Event{Type: events.CacheMiss, RequestID: req.RequestID, Provider: providerName, Model: req.Model})
	}

	attempts := d.maxAttempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := d.config.Backoff(attempt - 1)

			d.logger.Info("retrying request",
				zap.String("request_id", req.RequestID),
				zap.String("provider", providerName),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			d.publish(events.Event{
				Type:      events.Retry,
				RequestID: req.RequestID,
				Provider:  providerName,
				Model:     req.Model,
				Attempt:   attempt + 1,
				Delay:     delay,
				Error:     lastErr.Error(),
			})

			if err := d.sleep(ctx, delay); err != nil {
				return d.fail(call, d.contextError(ctx, providerName, err))
			}
		}

		final, emitted, err := d.attempt(ctx, call, emit)
		if err == nil {
			return d.complete(call, final, emit)
		}

		var ee *emitError
		if errors.As(err, &ee) {
			return ee.err
		}

		if ctx.Err() != nil {
			return d.fail(call, d.contextError(ctx, providerName, ctx.Err()))
		}

		lastErr = err
		d.logger.Warn("dispatch attempt failed",
			zap.String("request_id", req.RequestID),
			zap.String("provider", providerName),
			zap.String("model", req.Model),
			zap.Int("attempt", attempt+1),
			zap.Bool("partial_output", emitted),
			zap.Error(err))

		if emitted || !providers.IsRetryable(err) {
			break
		}
	}

	return d.fail(call, lastErr)
}

// emitError marks a failure returned by the consumer callback
type emitError struct {
	err error
}

func (e *emitError) Error() string { return e.err.Error() }
func (e *emitError) Unwrap() error { return e.err }

// attempt performs one provider call. emitted reports whether any delta
// reached the consumer.
func (d *Dispatcher) attempt(ctx context.Context, call Call, emit providers.StreamCallback) (*providers.ChatResponse, bool, error) {
	req := call.Request
	providerName := call.Provider.Name()

	if !req.Stream {
		resp, err := call.Provider.ChatCompletion(ctx, req)
		if err != nil {
			return nil, false, err
		}
		if resp == nil {
			return nil, false, providers.NewProviderError(providerName, providers.ErrCodeServerError, "provider returned no response", 0, nil)
		}
		return resp, false, nil
	}

	var (
		final   *providers.ChatResponse
		emitted bool
	)
	err := call.Provider.ChatCompletionStream(ctx, req, func(chunk providers.Chunk) error {
		switch chunk.Type {
		case providers.ChunkFinal:
			final = chunk.Final
			return nil
		default:
			if chunk.Delta == "" && chunk.ReasoningDelta == "" {
				return nil
			}
			emitted = true
			if err := emit(chunk); err != nil {
				return &emitError{err: err}
			}
			return nil
		}
	})
	if err != nil {
		return nil, emitted, err
	}
	if final == nil {
		return nil, emitted, providers.NewProviderError(providerName, providers.ErrCodeServerError, "stream ended without a final chunk", 0, nil)
	}
	return final, emitted, nil
}

// complete emits the final chunk, then records cost and stores cacheable
// responses. A completion the consumer refused is not charged or cached.
func (d *Dispatcher) complete(call Call, final *providers.ChatResponse, emit providers.StreamCallback) error {
	req := call.Request
	providerName := call.Provider.Name()

	resp := *final
	resp.RequestID = req.RequestID
	if resp.Provider == "" {
		resp.Provider = providerName
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	resp.FromCache = false

	model := call.Model
	resp.Cost = cost.Calculate(resp.Usage.InputTokens, resp.Usage.OutputTokens, &model)

	if err := emit(providers.FinalChunk(&resp)); err != nil {
		d.logger.Debug("final chunk not delivered",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return err
	}

	d.costs.Record(providerName, model.ID, resp.Usage.InputTokens, resp.Usage.OutputTokens, &model)

	if d.cache != nil && call.CacheKey != "" && !req.Stream {
		stored := resp
		d.cache.Set(call.CacheKey, &stored)
	}

	d.logger.Info("request completed",
		zap.String("request_id", req.RequestID),
		zap.String("provider", providerName),
		zap.String("model", resp.Model),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost", resp.Cost),
		zap.Int64("latency_ms", resp.Latency.Milliseconds()))

	d.publish(events.Event{
		Type:      events.RequestSuccess,
		RequestID: req.RequestID,
		SessionID: call.SessionID,
		Provider:  providerName,
		Model:     resp.Model,
		Cost:      resp.Cost,
		Messages:  call.Messages,
		Response:  &resp,
	})

	return nil
}

func (d *Dispatcher) serveFromCache(call Call, cached *providers.ChatResponse, emit providers.StreamCallback) error {
	req := call.Request

	cached.RequestID = req.RequestID
	cached.FromCache = true
	cached.Cost = 0
	cached.Latency = 0

	d.logger.Debug("served from cache",
		zap.String("request_id", req.RequestID),
		zap.String("model", req.Model))

	d.publish(events.Event{Type: events.CacheHit, RequestID: req.RequestID, Provider: cached.Provider, Model: req.Model})
	d.publish(events.Event{
		Type:      events.RequestSuccess,
		RequestID: req.RequestID,
		SessionID: call.SessionID,
		Provider:  cached.Provider,
		Model:     cached.Model,
		Messages:  call.Messages,
		Response:  cached,
	})

	return emit(providers.FinalChunk(cached))
}

// fail publishes a failure event for terminal non-cancellation errors
func (d *Dispatcher) fail(call Call, err error) error {
	if errors.Is(err, ErrCanceled) {
		return err
	}

	d.publish(events.Event{
		Type:      events.RequestFailed,
		RequestID: call.Request.RequestID,
		Provider:  call.Provider.Name(),
		Model:     call.Request.Model,
		Error:     err.Error(),
	})
	return err
}

// contextError classifies a done context as a timeout or a cancellation
func (d *Dispatcher) contextError(ctx context.Context, providerName string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return providers.NewProviderError(providerName, providers.ErrCodeTimeout, "request timed out", 0, context.DeadlineExceeded)
	}
	return fmt.Errorf("%w: %w", ErrCanceled, context.Canceled)
}

func (d *Dispatcher) publish(e events.Event) {
	if d.events != nil {
		d.events.Publish(e)
	}
}
