package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/services/routing"
)

// errMissingFinal means a stream closed cleanly without a final chunk
var errMissingFinal = errors.New("stream ended without a final chunk")

// Stream delivers the chunks of one completion in provider order. Recv
// returns io.EOF after the final chunk, or the classified error if the
// completion failed. A Stream must be closed when the caller is done with it.
type Stream struct {
	requestID string
	model     string
	provider  string
	estimated int

	ch     chan providers.Chunk
	cancel context.CancelFunc
	engine *Engine

	mu        sync.Mutex
	err       error
	cancelled bool
}

func newStream(requestID, model, provider string, estimated int, cancel context.CancelFunc) *Stream {
	return &Stream{
		requestID: requestID,
		model:     model,
		provider:  provider,
		estimated: estimated,
		ch:        make(chan providers.Chunk),
		cancel:    cancel,
	}
}

// RequestID returns the engine-generated request id
func (s *Stream) RequestID() string { return s.requestID }

// Model returns the resolved model id
func (s *Stream) Model() string { return s.model }

// Provider returns the name of the provider serving the request
func (s *Stream) Provider() string { return s.provider }

// EstimatedTokens returns the approximate prompt size in tokens
func (s *Stream) EstimatedTokens() int { return s.estimated }

// Recv returns the next chunk
func (s *Stream) Recv() (providers.Chunk, error) {
	if s.isCancelled() {
		return providers.Chunk{}, cancelledErr()
	}

	chunk, ok := <-s.ch
	if s.isCancelled() {
		return providers.Chunk{}, cancelledErr()
	}
	if !ok {
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return providers.Chunk{}, err
		}
		return providers.Chunk{}, io.EOF
	}
	return chunk, nil
}

// Collect drains the stream and returns the final response
func (s *Stream) Collect() (*providers.ChatResponse, error) {
	var final *providers.ChatResponse
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Type == providers.ChunkFinal {
			final = chunk.Final
		}
	}
	if final == nil {
		return nil, errMissingFinal
	}
	return final, nil
}

// Close abandons the stream, cancelling the request if it is still running
func (s *Stream) Close() {
	if s.engine != nil && s.engine.Cancel(s.requestID) {
		return
	}
	s.cancel()
}

func (s *Stream) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *Stream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// finish records the terminal error and closes the chunk channel
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func cancelledErr() error {
	return fmt.Errorf("%w: %w", routing.ErrCanceled, context.Canceled)
}
