// Package providertest provides a scripted in-memory provider for tests.
package providertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/upb/llm-orchestrator/services/providers"
)

// Step scripts the outcome of one provider call
type Step struct {
	// Deltas are emitted in order before the outcome
	Deltas []string

	// Err is returned after Deltas have been emitted
	Err error

	// Response overrides the final response built from Deltas
	Response *providers.ChatResponse

	// Delay is waited before anything is emitted
	Delay time.Duration

	// Block waits until the context is done and returns its error
	Block bool

	// OmitFinal ends a stream without a final chunk
	OmitFinal bool
}

// Provider is a scripted providers.Provider. Calls consume steps in order; the
// last step repeats once the script is exhausted.
type Provider struct {
	name   string
	models []providers.ModelDescriptor

	mu       sync.Mutex
	steps    []Step
	calls    int
	requests []*providers.ChatRequest
	canceled []string
	connErr  error
	started  chan string
}

var (
	_ providers.Provider = (*Provider)(nil)
	_ providers.Canceler = (*Provider)(nil)
)

// New creates a scripted provider declaring the given models
func New(name string, models ...providers.ModelDescriptor) *Provider {
	for i := range models {
		if models[i].Provider == "" {
			models[i].Provider = name
		}
	}
	return &Provider{
		name:    name,
		models:  models,
		steps:   []Step{{Deltas: []string{"ok"}}},
		started: make(chan string, 64),
	}
}

// Script replaces the scripted steps
func (p *Provider) Script(steps ...Step) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = steps
	return p
}

// SetConnectionError makes TestConnection fail with err
func (p *Provider) SetConnectionError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connErr = err
}

// Calls returns the number of completion calls received
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns the requests received, in order
func (p *Provider) Requests() []*providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*providers.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// Canceled returns the request ids passed to Cancel
func (p *Provider) Canceled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.canceled))
	copy(out, p.canceled)
	return out
}

// Started delivers the request id of every call as it begins
func (p *Provider) Started() <-chan string {
	return p.started
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Initialize(ctx context.Context, config providers.ProviderConfig) error {
	return nil
}

func (p *Provider) TestConnection(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connErr
}

func (p *Provider) Models() []providers.ModelDescriptor {
	out := make([]providers.ModelDescriptor, len(p.models))
	copy(out, p.models)
	return out
}

func (p *Provider) Cancel(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, requestID)
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	step := p.next(req)
	if err := p.wait(ctx, step); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return p.response(req, step), nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest, callback providers.StreamCallback) error {
	step := p.next(req)
	if err := p.wait(ctx, step); err != nil {
		return err
	}
	for _, d := range step.Deltas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := callback(providers.DeltaChunk(d, "")); err != nil {
			return err
		}
	}
	if step.Err != nil {
		return step.Err
	}
	if step.OmitFinal {
		return nil
	}
	return callback(providers.FinalChunk(p.response(req, step)))
}

func (p *Provider) next(req *providers.ChatRequest) Step {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	var step Step
	if len(p.steps) > 0 {
		step = p.steps[0]
		if len(p.steps) > 1 {
			p.steps = p.steps[1:]
		}
	}
	p.mu.Unlock()

	select {
	case p.started <- req.RequestID:
	default:
	}
	return step
}

func (p *Provider) wait(ctx context.Context, step Step) error {
	if step.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if step.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(step.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) response(req *providers.ChatRequest, step Step) *providers.ChatResponse {
	if step.Response != nil {
		resp := *step.Response
		return &resp
	}
	return &providers.ChatResponse{
		ID:           "resp-" + req.RequestID,
		RequestID:    req.RequestID,
		Provider:     p.name,
		Model:        req.Model,
		Content:      strings.Join(step.Deltas, ""),
		Usage:        providers.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		FinishReason: "stop",
		Created:      time.Now(),
	}
}
