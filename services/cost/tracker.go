// Package cost keeps running cost totals for completed provider calls.
package cost

import (
	"sync"

	"github.com/upb/llm-orchestrator/services/providers"
	"go.uber.org/zap"
)

const tokensPerMillion = 1_000_000.0

// Totals is the usage accumulated for one scope
type Totals struct {
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Requests     int64   `json:"requests"`
}

func (t *Totals) add(cost float64, in, out int) {
	t.Cost += cost
	t.InputTokens += int64(in)
	t.OutputTokens += int64(out)
	t.Requests++
}

// Stats is a point-in-time copy of the ledger
type Stats struct {
	TotalCost    float64           `json:"total_cost"`
	InputTokens  int64             `json:"input_tokens"`
	OutputTokens int64             `json:"output_tokens"`
	Requests     int64             `json:"requests"`
	ByProvider   map[string]Totals `json:"by_provider"`
	ByModel      map[string]Totals `json:"by_model"`
}

// Tracker accumulates cost overall, per provider and per model
type Tracker struct {
	mu         sync.RWMutex
	total      Totals
	byProvider map[string]*Totals
	byModel    map[string]*Totals
	logger     *zap.Logger
}

// NewTracker creates an empty ledger
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		byProvider: make(map[string]*Totals),
		byModel:    make(map[string]*Totals),
		logger:     logger,
	}
}

// Calculate prices usage against a model. Models without pricing are free.
func Calculate(inputTokens, outputTokens int, model *providers.ModelDescriptor) float64 {
	if model == nil || model.Pricing == nil {
		return 0
	}
	return float64(inputTokens)/tokensPerMillion*model.Pricing.InputPer1M +
		float64(outputTokens)/tokensPerMillion*model.Pricing.OutputPer1M
}

// Record adds usage to every total and returns the incremental cost
func (t *Tracker) Record(providerID, modelID string, inputTokens, outputTokens int, model *providers.ModelDescriptor) float64 {
	cost := Calculate(inputTokens, outputTokens, model)

	t.mu.Lock()
	t.total.add(cost, inputTokens, outputTokens)
	bucket(t.byProvider, providerID).add(cost, inputTokens, outputTokens)
	bucket(t.byModel, modelID).add(cost, inputTokens, outputTokens)
	t.mu.Unlock()

	t.logger.Debug("usage recorded",
		zap.String("provider", providerID),
		zap.String("model", modelID),
		zap.Int("input_tokens", inputTokens),
		zap.Int("output_tokens", outputTokens),
		zap.Float64("cost", cost),
	)

	return cost
}

func bucket(m map[string]*Totals, key string) *Totals {
	b, ok := m[key]
	if !ok {
		b = &Totals{}
		m[key] = b
	}
	return b
}

// Stats returns a snapshot that is safe to keep and modify
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{
		TotalCost:    t.total.Cost,
		InputTokens:  t.total.InputTokens,
		OutputTokens: t.total.OutputTokens,
		Requests:     t.total.Requests,
		ByProvider:   make(map[string]Totals, len(t.byProvider)),
		ByModel:      make(map[string]Totals, len(t.byModel)),
	}
	for k, v := range t.byProvider {
		stats.ByProvider[k] = *v
	}
	for k, v := range t.byModel {
		stats.ByModel[k] = *v
	}
	return stats
}

// Reset zeroes every total
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = Totals{}
	t.byProvider = make(map[string]*Totals)
	t.byModel = make(map[string]*Totals)

	t.logger.Info("cost ledger reset")
}
