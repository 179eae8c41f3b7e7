package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-orchestrator/services/events"
	"github.com/upb/llm-orchestrator/services/prompt"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/services/providers/anthropic"
	"github.com/upb/llm-orchestrator/services/providers/providertest"
	"github.com/upb/llm-orchestrator/services/routing"
	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
)

var (
	pricedModel = providers.ModelDescriptor{
		ID:           "mock-1",
		Capabilities: []providers.Capability{providers.CapabilityText, providers.CapabilityStreaming},
		Pricing:      &providers.Pricing{InputPer1M: 1.0, OutputPer1M: 2.0},
	}
	codeModel = providers.ModelDescriptor{ID: "mock-code"}
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultModel = pricedModel.ID
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *providertest.Provider) {
	t.Helper()

	registry := providers.NewRegistry(providers.WithModePreference(providers.ModeCoding, codeModel.ID))
	engine := NewEngine(cfg, registry, zap.NewNop(), WithDispatcherOptions(routing.WithSleep(noSleep)))
	t.Cleanup(engine.Close)

	provider := providertest.New("mock", pricedModel, codeModel)
	require.NoError(t, engine.RegisterProvider(provider))
	return engine, provider
}

func userRequest(content string) *CompletionRequest {
	return &CompletionRequest{
		Model:    pricedModel.ID,
		Messages: []providers.Message{{Role: providers.RoleUser, Content: content}},
	}
}

func serviceUnavailable() error {
	return providers.NewProviderError("mock", providers.ErrCodeServiceUnavailable, "overloaded", 503, nil)
}

func TestEngine_Complete(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())
	provider.Script(providertest.Step{Deltas: []string{"Hello", " world"}})

	resp, err := engine.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, "mock", resp.Provider)
	assert.Equal(t, pricedModel.ID, resp.Model)
	assert.NotEmpty(t, resp.RequestID)
	assert.False(t, resp.FromCache)
	assert.InDelta(t, 10.0/1e6+20.0/1e6*2, resp.Cost, 1e-12)

	m := engine.Metrics()
	assert.Equal(t, int64(1), m.Requests)
	assert.Equal(t, int64(1), m.Successes)
	assert.Zero(t, m.ErrorRate)
	assert.Equal(t, 0, m.ActiveRequests)
}

func TestEngine_SecondIdenticalRequestServedFromCache(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())

	first, err := engine.Complete(context.Background(), userRequest("same question"))
	require.NoError(t, err)
	second, err := engine.Complete(context.Background(), userRequest("same question"))
	require.NoError(t, err)

	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Content, second.Content)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Zero(t, second.Cost)
	assert.Equal(t, 1, provider.Calls())

	m := engine.Metrics()
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.InDelta(t, 0.5, m.CacheHitRate, 1e-9)
	assert.InDelta(t, first.Cost, m.SavedCost, 1e-12)

	costs := engine.CostStats()
	assert.Equal(t, int64(1), costs.Requests, "cache hits leave the ledger untouched")
	assert.InDelta(t, first.Cost, costs.TotalCost, 1e-12)
}

func TestEngine_CacheKeyIgnoresMetadata(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())

	a := userRequest("q")
	a.Metadata = map[string]string{"client": "cli"}
	b := userRequest("q")
	b.Metadata = map[string]string{"client": "web"}

	_, err := engine.Complete(context.Background(), a)
	require.NoError(t, err)
	resp, err := engine.Complete(context.Background(), b)
	require.NoError(t, err)

	assert.True(t, resp.FromCache)
	assert.Equal(t, 1, provider.Calls())
}

func TestEngine_CacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnabled = false
	engine, provider := newTestEngine(t, cfg)

	for i := 0; i < 2; i++ {
		resp, err := engine.Complete(context.Background(), userRequest("q"))
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
	}
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, int64(0), engine.CacheStats().MaxSizeBytes)
}

func TestEngine_StreamDeliversChunksInOrder(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())
	provider.Script(providertest.Step{Deltas: []string{"a", "b", "c"}})

	req := userRequest("stream please")
	req.Stream = true
	stream, err := engine.Stream(context.Background(), req)
	require.NoError(t, err)

	var deltas []string
	var final *providers.ChatResponse
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if chunk.Type == providers.ChunkFinal {
			final = chunk.Final
			continue
		}
		require.Nil(t, final, "no delta after final")
		deltas = append(deltas, chunk.Delta)
	}

	assert.Equal(t, []string{"a", "b", "c"}, deltas)
	require.NotNil(t, final)
	assert.Equal(t, "abc", final.Content)
	assert.Positive(t, final.Cost)
	assert.Equal(t, stream.RequestID(), final.RequestID)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, engine.CacheStats().Entries, "streaming responses are not cached")
}

func TestEngine_StreamFailureAfterDeltas(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())
	provider.Script(providertest.Step{Deltas: []string{"one", "two"}, Err: serviceUnavailable()})

	req := userRequest("q")
	req.Stream = true
	stream, err := engine.Stream(context.Background(), req)
	require.NoError(t, err)

	var deltas []string
	var streamErr error
	for {
		chunk, err := stream.Recv()
		if err != nil {
			streamErr = err
			break
		}
		require.NotEqual(t, providers.ChunkFinal, chunk.Type)
		deltas = append(deltas, chunk.Delta)
	}

	assert.Equal(t, []string{"one", "two"}, deltas)
	assert.Equal(t, providers.ErrCodeServiceUnavailable, providers.CodeOf(streamErr))
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, int64(1), engine.Metrics().Failures)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())
	provider.Script(
		providertest.Step{Err: serviceUnavailable()},
		providertest.Step{Err: serviceUnavailable()},
		providertest.Step{Deltas: []string{"third time"}},
	)

	resp, err := engine.Complete(context.Background(), userRequest("q"))
	require.NoError(t, err)
	assert.Equal(t, "third time", resp.Content)
	assert.Equal(t, 3, provider.Calls())
}

func TestEngine_AuthFailureNotRetried(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())
	provider.Script(providertest.Step{Err: providers.NewProviderError("mock", providers.ErrCodeAuthenticationFailed, "bad key", 401, nil)})

	_, err := engine.Complete(context.Background(), userRequest("q"))
	assert.Equal(t, providers.ErrCodeAuthenticationFailed, providers.CodeOf(err))
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, 0, engine.CacheStats().Entries)

	m := engine.Metrics()
	assert.Equal(t, int64(1), m.Failures)
	assert.InDelta(t, 1.0, m.ErrorRate, 1e-9)
}

func TestEngine_Cancel(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())
	provider.Script(providertest.Step{Block: true})

	req := userRequest("long task")
	req.Stream = true
	stream, err := engine.Stream(context.Background(), req)
	require.NoError(t, err)
	<-provider.Started()

	assert.True(t, engine.Cancel(stream.RequestID()))
	assert.False(t, engine.Cancel("unknown"))

	_, err = stream.Recv()
	assert.ErrorIs(t, err, routing.ErrCanceled)
	assert.Contains(t, provider.Canceled(), stream.RequestID())

	require.Eventually(t, func() bool {
		m := engine.Metrics()
		return m.Cancelled == 1 && m.ActiveRequests == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_CancelAll(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnabled = false
	engine, provider := newTestEngine(t, cfg)
	provider.Script(providertest.Step{Block: true})

	streams := make([]*Stream, 3)
	for i := range streams {
		s, err := engine.Stream(context.Background(), userRequest("q"))
		require.NoError(t, err)
		streams[i] = s
		<-provider.Started()
	}

	assert.Len(t, engine.InFlight(), 3)
	assert.Equal(t, 3, engine.CancelAll())

	for _, s := range streams {
		_, err := s.Recv()
		assert.ErrorIs(t, err, routing.ErrCanceled)
	}
	require.Eventually(t, func() bool { return engine.Metrics().ActiveRequests == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_ConcurrencyReject(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	cfg.ConcurrencyPolicy = PolicyReject
	engine, provider := newTestEngine(t, cfg)
	provider.Script(providertest.Step{Block: true}, providertest.Step{Deltas: []string{"ok"}})

	first, err := engine.Stream(context.Background(), userRequest("one"))
	require.NoError(t, err)
	<-provider.Started()

	_, err = engine.Stream(context.Background(), userRequest("two"))
	assert.ErrorIs(t, err, ErrTooManyRequests)
	assert.Equal(t, int64(1), engine.Metrics().Rejected)

	first.Close()
	require.Eventually(t, func() bool { return engine.Metrics().ActiveRequests == 0 }, time.Second, 5*time.Millisecond)

	resp, err := engine.Complete(context.Background(), userRequest("three"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestEngine_ConcurrencyQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	cfg.ConcurrencyPolicy = PolicyQueue
	engine, provider := newTestEngine(t, cfg)
	provider.Script(providertest.Step{Block: true}, providertest.Step{Deltas: []string{"queued"}})

	first, err := engine.Stream(context.Background(), userRequest("one"))
	require.NoError(t, err)
	<-provider.Started()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = engine.Stream(ctx, userRequest("times out in queue"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan *CompletionResponse, 1)
	go func() {
		resp, err := engine.Complete(context.Background(), userRequest("waits"))
		if err == nil {
			done <- resp
		}
		close(done)
	}()

	first.Close()

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		assert.Equal(t, "queued", resp.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never ran")
	}
}

func TestEngine_RequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	engine, provider := newTestEngine(t, cfg)
	provider.Script(providertest.Step{Block: true})

	_, err := engine.Complete(context.Background(), userRequest("slow"))
	assert.Equal(t, providers.ErrCodeTimeout, providers.CodeOf(err))
	assert.Equal(t, int64(1), engine.Metrics().Failures)
}

func TestEngine_Validation(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig())

	tests := []struct {
		name string
		req  *CompletionRequest
		want error
	}{
		{"nil request", nil, ErrInvalidRequest},
		{"no messages", &CompletionRequest{Model: pricedModel.ID}, ErrInvalidRequest},
		{"bad role", &CompletionRequest{Messages: []providers.Message{{Role: "robot", Content: "x"}}}, ErrInvalidRequest},
		{"bad shape", &CompletionRequest{Messages: []providers.Message{{Role: "user", Content: "x"}}, Shape: prompt.AnswerShape("limerick")}, ErrInvalidRequest},
		{"unknown model", &CompletionRequest{Model: "gpt-9", Messages: []providers.Message{{Role: "user", Content: "x"}}}, providers.ErrModelNotSupported},
		{"zero max tokens", &CompletionRequest{Messages: []providers.Message{{Role: "user", Content: "x"}}, MaxTokens: intPtr(0)}, ErrInvalidRequest},
		{"negative max tokens", &CompletionRequest{Messages: []providers.Message{{Role: "user", Content: "x"}}, MaxTokens: intPtr(-1)}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Complete(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := engine.Complete(context.Background(), &CompletionRequest{Model: pricedModel.ID})
	assert.True(t, utils.IsValidationError(err))
	assert.Zero(t, engine.Metrics().Requests)
}

func TestEngine_ExplicitMaxTokens(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())

	_, err := engine.Complete(context.Background(), &CompletionRequest{
		Model:     pricedModel.ID,
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "explain"}},
		Mode:      providers.ModeResearch,
		Shape:     prompt.ShapeBullet,
		MaxTokens: intPtr(1),
	})
	require.NoError(t, err)

	require.Len(t, provider.Requests(), 1)
	assert.Equal(t, 1, provider.Requests()[0].MaxTokens)
}

func TestEngine_ModelResolution(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())

	t.Run("recommended from mode", func(t *testing.T) {
		resp, err := engine.Complete(context.Background(), &CompletionRequest{
			Messages: []providers.Message{{Role: providers.RoleUser, Content: "write a parser"}},
			Mode:     providers.ModeCoding,
		})
		require.NoError(t, err)
		assert.Equal(t, codeModel.ID, resp.Model)
	})

	t.Run("configured default", func(t *testing.T) {
		resp, err := engine.Complete(context.Background(), &CompletionRequest{
			Messages: []providers.Message{{Role: providers.RoleUser, Content: "plain"}},
		})
		require.NoError(t, err)
		assert.Equal(t, pricedModel.ID, resp.Model)
	})

	t.Run("default provider", func(t *testing.T) {
		cfg := testConfig()
		cfg.DefaultModel = "not-registered"
		cfg.DefaultProvider = "mock"
		other := NewEngine(cfg, providers.NewRegistry(), zap.NewNop())
		t.Cleanup(other.Close)
		require.NoError(t, other.RegisterProvider(provider))

		resp, err := other.Complete(context.Background(), &CompletionRequest{
			Messages: []providers.Message{{Role: providers.RoleUser, Content: "anything"}},
		})
		require.NoError(t, err)
		assert.Equal(t, pricedModel.ID, resp.Model)
	})
}

func TestEngine_EnrichedRequest(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())

	temp := 0.1
	req := &CompletionRequest{
		Model:     pricedModel.ID,
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "explain"}},
		Mode:      providers.ModeResearch,
		Shape:     prompt.ShapeBullet,
		SessionID: "sess-1",
	}
	req.Temperature = &temp

	_, err := engine.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, provider.Requests(), 1)
	sent := provider.Requests()[0]
	assert.NotEmpty(t, sent.RequestID)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, providers.RoleSystem, sent.Messages[0].Role)
	assert.Equal(t, 0.1, sent.Temperature)
	assert.Equal(t, 512, sent.MaxTokens)
	assert.Equal(t, "sess-1", sent.Metadata["session_id"])
	assert.False(t, sent.Stream)

	assert.Len(t, req.Messages, 1, "caller request is not modified")
	assert.Nil(t, req.Metadata)
}

func TestEngine_Events(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig())
	ch, unsubscribe := engine.Events(32)
	defer unsubscribe()

	_, err := engine.Complete(context.Background(), userRequest("q"))
	require.NoError(t, err)
	_, err = engine.Complete(context.Background(), userRequest("q"))
	require.NoError(t, err)

	var got []events.Type
	for len(ch) > 0 {
		got = append(got, (<-ch).Type)
	}
	assert.Equal(t, []events.Type{
		events.RequestStarted, events.CacheMiss, events.RequestSuccess,
		events.RequestStarted, events.CacheHit, events.RequestSuccess,
	}, got)
}

func TestEngine_Resets(t *testing.T) {
	engine, provider := newTestEngine(t, testConfig())

	_, err := engine.Complete(context.Background(), userRequest("q"))
	require.NoError(t, err)

	engine.ClearCache()
	assert.Equal(t, 0, engine.CacheStats().Entries)

	_, err = engine.Complete(context.Background(), userRequest("q"))
	require.NoError(t, err)
	assert.Equal(t, 2, provider.Calls())

	engine.ResetMetrics()
	assert.Zero(t, engine.Metrics().Requests)

	engine.ResetCosts()
	assert.Zero(t, engine.CostStats().TotalCost)
}

func TestEngine_Closed(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig())
	engine.Close()

	_, err := engine.Complete(context.Background(), userRequest("q"))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_CompleteThroughAnthropic(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range []string{
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":8,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"a lightweight thread"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":4}}`,
			`{"type":"message_stop"}`,
		} {
			var head struct{ Type string }
			_ = json.Unmarshal([]byte(e), &head)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, e)
		}
	}))
	t.Cleanup(server.Close)

	cfg := testConfig()
	cfg.DefaultModel = "claude-sonnet-4-5"
	engine := NewEngine(cfg, providers.NewRegistry(), zap.NewNop(), WithDispatcherOptions(routing.WithSleep(noSleep)))
	t.Cleanup(engine.Close)
	require.NoError(t, engine.RegisterProvider(anthropic.NewAdapter(providers.ProviderConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})))

	req := &CompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "what is a goroutine?"}},
	}

	first, err := engine.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "a lightweight thread", first.Content)
	assert.Equal(t, "anthropic", first.Provider)
	assert.Positive(t, first.Cost)

	second, err := engine.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, int32(1), hits.Load())
}

func intPtr(v int) *int { return &v }
