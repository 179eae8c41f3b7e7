package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-orchestrator/services/providers"
	"go.uber.org/zap"
)

func priced(in, out float64) *providers.ModelDescriptor {
	return &providers.ModelDescriptor{
		ID:       "priced",
		Provider: "p",
		Pricing:  &providers.Pricing{InputPer1M: in, OutputPer1M: out},
	}
}

func TestTracker_Record(t *testing.T) {
	tests := []struct {
		name   string
		in     int
		out    int
		model  *providers.ModelDescriptor
		expect float64
	}{
		{"one million each way", 1_000_000, 1_000_000, priced(0.14, 0.28), 0.42},
		{"small request", 1000, 500, priced(2.50, 10.00), 0.0075},
		{"free local model", 5000, 5000, &providers.ModelDescriptor{ID: "llama3.2"}, 0},
		{"unknown model", 5000, 5000, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(zap.NewNop())
			got := tracker.Record("p", "m", tt.in, tt.out, tt.model)
			assert.InDelta(t, tt.expect, got, 1e-12)
			assert.InDelta(t, tt.expect, tracker.Stats().TotalCost, 1e-12)
		})
	}
}

func TestTracker_Additivity(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	model := priced(3.00, 15.00)

	var sum float64
	usages := [][2]int{{120, 40}, {5000, 900}, {0, 0}, {77, 1234}, {1_000_000, 1}}
	for _, u := range usages {
		sum += tracker.Record("anthropic", "claude-sonnet-4-5", u[0], u[1], model)
	}

	stats := tracker.Stats()
	assert.InDelta(t, sum, stats.TotalCost, 1e-12)
	assert.Equal(t, int64(len(usages)), stats.Requests)
}

func TestTracker_Breakdown(t *testing.T) {
	tracker := NewTracker(zap.NewNop())

	tracker.Record("openai", "gpt-4o", 1_000_000, 0, priced(2.50, 10.00))
	tracker.Record("openai", "gpt-4o-mini", 1_000_000, 0, priced(0.15, 0.60))
	tracker.Record("local", "llama3.2", 1_000_000, 1_000_000, nil)

	stats := tracker.Stats()
	require.Len(t, stats.ByProvider, 2)
	require.Len(t, stats.ByModel, 3)

	assert.InDelta(t, 2.65, stats.ByProvider["openai"].Cost, 1e-9)
	assert.Equal(t, int64(2), stats.ByProvider["openai"].Requests)
	assert.Zero(t, stats.ByProvider["local"].Cost)
	assert.Equal(t, int64(1_000_000), stats.ByModel["llama3.2"].OutputTokens)
	assert.Equal(t, int64(3_000_000), stats.InputTokens)
}

func TestTracker_StatsIsSnapshot(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	tracker.Record("p", "m", 1000, 1000, priced(1, 1))

	snap := tracker.Stats()
	snap.ByModel["m"] = Totals{Cost: 999}
	delete(snap.ByProvider, "p")

	fresh := tracker.Stats()
	assert.InDelta(t, 0.002, fresh.ByModel["m"].Cost, 1e-12)
	assert.Contains(t, fresh.ByProvider, "p")
}

func TestTracker_Reset(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Record("p", "m", 1000, 1000, priced(1, 1))

	tracker.Reset()

	stats := tracker.Stats()
	assert.Zero(t, stats.TotalCost)
	assert.Zero(t, stats.Requests)
	assert.Empty(t, stats.ByProvider)
	assert.Empty(t, stats.ByModel)
}

func TestTracker_ConcurrentRecord(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	model := priced(1, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Record("p", "m", 1_000_000, 0, model)
		}()
	}
	wg.Wait()

	assert.InDelta(t, 50.0, tracker.Stats().TotalCost, 1e-9)
}
