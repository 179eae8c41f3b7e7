// Package session persists completed exchanges that carry a session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/llm-orchestrator/models"
	"github.com/upb/llm-orchestrator/repositories"
	"github.com/upb/llm-orchestrator/services/events"
	"github.com/upb/llm-orchestrator/services/providers"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned when recording before Start or after Stop
	ErrNotStarted = errors.New("session recorder not started")

	// ErrBufferFull is returned when an exchange is dropped under load
	ErrBufferFull = errors.New("session recorder buffer full")
)

// Exchange is one caller turn and the answer it received
type Exchange struct {
	SessionID string
	Messages  []*models.SessionMessage
}

// Recorder writes exchanges to the session store from a pool of workers
type Recorder struct {
	repo         repositories.SessionRepository
	logger       *zap.Logger
	exchanges    chan *Exchange
	workerCount  int
	bufferSize   int
	writeTimeout time.Duration
	redact       bool
	wg           sync.WaitGroup
	mu           sync.Mutex
	started      bool
	stopped      bool
	recorded     uint64
	dropped      uint64
	failed       uint64
}

// Config holds configuration for the Recorder
type Config struct {
	BufferSize   int           // Size of the exchange buffer channel
	WorkerCount  int           // Number of concurrent writers
	WriteTimeout time.Duration // Deadline for one repository write

	// RedactSecrets masks credentials in stored content
	RedactSecrets bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		WorkerCount:   2,
		WriteTimeout:  5 * time.Second,
		RedactSecrets: true,
	}
}

// NewRecorder creates a new Recorder
func NewRecorder(repo repositories.SessionRepository, logger *zap.Logger, config Config) *Recorder {
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Recorder{
		repo:         repo,
		logger:       logger,
		exchanges:    make(chan *Exchange, config.BufferSize),
		workerCount:  config.WorkerCount,
		bufferSize:   config.BufferSize,
		writeTimeout: config.WriteTimeout,
		redact:       config.RedactSecrets,
	}
}

// Start starts the background workers
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("session recorder already started")
	}

	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.started = true
	r.logger.Info("started session recorder",
		zap.Int("worker_count", r.workerCount),
		zap.Int("buffer_size", r.bufferSize))

	return nil
}

// Consume records every qualifying event from ch until ch is closed
func (r *Recorder) Consume(ch <-chan events.Event) {
	go func() {
		for e := range ch {
			if err := r.HandleEvent(e); err != nil && !errors.Is(err, ErrNotStarted) {
				r.logger.Warn("session exchange not recorded",
					zap.String("request_id", e.RequestID),
					zap.String("session_id", e.SessionID),
					zap.Error(err))
			}
		}
	}()
}

// HandleEvent turns a successful completion with a session id into an
// exchange and queues it. Other events are ignored.
func (r *Recorder) HandleEvent(e events.Event) error {
	if e.Type != events.RequestSuccess || e.SessionID == "" || e.Response == nil {
		return nil
	}
	return r.Record(NewExchange(e.SessionID, e.Messages, e.Response))
}

// Record queues an exchange without blocking
func (r *Recorder) Record(exchange *Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.stopped {
		return ErrNotStarted
	}

	select {
	case r.exchanges <- exchange:
		return nil
	default:
		r.dropped++
		r.logger.Warn("session buffer full, dropping exchange",
			zap.String("session_id", exchange.SessionID))
		return ErrBufferFull
	}
}

// Stop gracefully stops the recorder, writing pending exchanges first
func (r *Recorder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.stopped = true
	close(r.exchanges)
	pending := len(r.exchanges)
	r.mu.Unlock()

	r.logger.Info("stopping session recorder", zap.Int("pending_exchanges", pending))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("session recorder stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("session recorder stop timeout after %v", timeout)
	}
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	for exchange := range r.exchanges {
		err := r.write(exchange)

		r.mu.Lock()
		if err != nil {
			r.failed++
		} else {
			r.recorded++
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("failed to record session exchange",
				zap.Int("worker_id", id),
				zap.String("session_id", exchange.SessionID),
				zap.Error(err))
		}
	}
}

func (r *Recorder) write(exchange *Exchange) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if r.redact {
		if kinds := exchange.redact(); len(kinds) > 0 {
			r.logger.Info("redacted credentials from session exchange",
				zap.String("session_id", exchange.SessionID),
				zap.Strings("kinds", kinds))
		}
	}

	if err := r.repo.Append(ctx, exchange.Messages); err != nil {
		return fmt.Errorf("failed to append session messages: %w", err)
	}
	return nil
}

// Stats represents recorder statistics
type Stats struct {
	BufferSize       int    `json:"buffer_size"`
	PendingExchanges int    `json:"pending_exchanges"`
	WorkerCount      int    `json:"worker_count"`
	Started          bool   `json:"started"`
	Recorded         uint64 `json:"recorded"`
	Dropped          uint64 `json:"dropped"`
	Failed           uint64 `json:"failed"`
}

// GetStats returns statistics about the recorder
func (r *Recorder) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		BufferSize:       r.bufferSize,
		PendingExchanges: len(r.exchanges),
		WorkerCount:      r.workerCount,
		Started:          r.started && !r.stopped,
		Recorded:         r.recorded,
		Dropped:          r.dropped,
		Failed:           r.failed,
	}
}

// NewExchange builds the stored rows for one completion: the caller's last
// message followed by the answer
func NewExchange(sessionID string, messages []providers.Message, resp *providers.ChatResponse) *Exchange {
	created := time.Now()
	if !resp.Created.IsZero() {
		created = resp.Created
	}

	var rows []*models.SessionMessage
	if n := len(messages); n > 0 {
		last := messages[n-1]
		prompt := models.NewSessionMessage(sessionID, resp.RequestID, last.Role, last.Content).
			WithMetadata(last.Metadata)
		prompt.CreatedAt = created
		rows = append(rows, prompt)
	}

	answer := models.NewSessionMessage(sessionID, resp.RequestID, providers.RoleAssistant, resp.Content).
		WithReasoning(resp.Reasoning).
		WithCompletion(resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Cost, resp.FromCache)
	answer.Position = len(rows)
	answer.CreatedAt = created
	rows = append(rows, answer)

	return &Exchange{SessionID: sessionID, Messages: rows}
}
