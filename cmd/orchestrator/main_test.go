package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-orchestrator/app"
	"github.com/upb/llm-orchestrator/config"
	"github.com/upb/llm-orchestrator/middleware"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/services/providers/providertest"
	"go.uber.org/zap"
)

var testModels = []providers.ModelDescriptor{
	{
		ID:            "mock-small",
		ContextWindow: 8192,
		Capabilities:  []providers.Capability{providers.CapabilityText, providers.CapabilityStreaming},
		Pricing:       &providers.Pricing{InputPer1M: 0.5, OutputPer1M: 1.5},
	},
	{
		ID:            "mock-large",
		ContextWindow: 128000,
		Capabilities:  []providers.Capability{providers.CapabilityText, providers.CapabilityStreaming, providers.CapabilityReasoning},
	},
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Engine: config.EngineConfig{
			DefaultModel:          "mock-small",
			CacheEnabled:          true,
			CacheMaxSizeMB:        10,
			CacheTTL:              time.Minute,
			MaxRetryAttempts:      1,
			RequestTimeout:        5 * time.Second,
			MaxConcurrentRequests: 2,
			ConcurrencyPolicy:     "reject",
		},
		Auth:          config.AuthConfig{JWTSecret: "s3cret", Issuer: "orchestrator"},
		Observability: config.ObservabilityConfig{LogLevel: "error", LogFormat: "json"},
	}
}

// resetFlags restores every flag to its default value between runs.
// Slice flags are skipped: Set appends once they have been set.
func resetFlags() {
	reset := func(f *pflag.Flag) {
		if strings.HasSuffix(f.Value.Type(), "Slice") {
			return
		}
		f.Changed = false
		_ = f.Value.Set(f.DefValue)
	}
	for _, cmd := range append(rootCmd.Commands(), rootCmd) {
		cmd.Flags().VisitAll(reset)
	}
	rootCmd.PersistentFlags().VisitAll(reset)
}

// newTestCmd installs a config and a scripted provider and returns the root
// command with captured output.
func newTestCmd(t *testing.T, provider *providertest.Provider) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	resetFlags()
	color.NoColor = true

	prevLoad, prevBuild := loadConfig, buildDependencies
	t.Cleanup(func() { loadConfig, buildDependencies = prevLoad, prevBuild })

	loadConfig = func(context.Context) (*config.Config, error) { return testConfig(), nil }
	buildDependencies = func(ctx context.Context, cfg *config.Config, _ *zap.Logger) (*app.Dependencies, error) {
		return app.NewDependencies(ctx, cfg, zap.NewNop(), app.WithProviders(provider))
	}

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	return rootCmd, out
}

func TestRootHelp(t *testing.T) {
	cmd, out := newTestCmd(t, providertest.New("mock", testModels...))
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	for _, sub := range []string{"serve", "ask", "models", "token", "version"} {
		assert.Contains(t, out.String(), sub)
	}
}

func TestVersionCmd(t *testing.T) {
	cmd, out := newTestCmd(t, providertest.New("mock", testModels...))
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "orchestrator dev\n", out.String())
}

func TestAskCmd(t *testing.T) {
	t.Run("streams the answer and a summary", func(t *testing.T) {
		provider := providertest.New("mock", testModels...).
			Script(providertest.Step{Deltas: []string{"Go", "routines"}})
		cmd, out := newTestCmd(t, provider)
		cmd.SetArgs([]string{"ask", "what", "is", "a", "goroutine?"})

		require.NoError(t, cmd.Execute())

		got := out.String()
		assert.True(t, strings.HasPrefix(got, "Goroutines\n"), got)
		assert.Contains(t, got, "[mock/mock-small")
		assert.Contains(t, got, "in=10 out=20")

		require.Len(t, provider.Requests(), 1)
		req := provider.Requests()[0]
		last := req.Messages[len(req.Messages)-1]
		assert.Equal(t, "what is a goroutine?", last.Content)
	})

	t.Run("explicit model without streaming", func(t *testing.T) {
		provider := providertest.New("mock", testModels...).
			Script(providertest.Step{Deltas: []string{"done"}})
		cmd, out := newTestCmd(t, provider)
		cmd.SetArgs([]string{"ask", "--model", "mock-large", "--stream=false", "hi"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "done\n")
		assert.Contains(t, out.String(), "[mock/mock-large")
	})

	t.Run("unknown model", func(t *testing.T) {
		cmd, _ := newTestCmd(t, providertest.New("mock", testModels...))
		cmd.SetArgs([]string{"ask", "--model", "nope", "hi"})

		err := cmd.Execute()
		assert.ErrorIs(t, err, providers.ErrModelNotSupported)
	})

	t.Run("requires a prompt", func(t *testing.T) {
		cmd, _ := newTestCmd(t, providertest.New("mock", testModels...))
		cmd.SetArgs([]string{"ask"})

		assert.Error(t, cmd.Execute())
	})
}

func TestModelsCmd(t *testing.T) {
	cmd, out := newTestCmd(t, providertest.New("mock", testModels...))
	cmd.SetArgs([]string{"models"})

	require.NoError(t, cmd.Execute())
	got := out.String()
	assert.Contains(t, got, "mock\n")
	assert.Contains(t, got, "mock-small")
	assert.Contains(t, got, "$0.50/$1.50 per 1M")
	assert.Contains(t, got, "mock-large")

	t.Run("filter", func(t *testing.T) {
		cmd, out := newTestCmd(t, providertest.New("mock", testModels...))
		cmd.SetArgs([]string{"models", "--filter", "LARGE"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "mock-large")
		assert.NotContains(t, out.String(), "mock-small")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cmd, out := newTestCmd(t, providertest.New("mock", testModels...))
		cmd.SetArgs([]string{"models", "--provider", "openai"})

		require.NoError(t, cmd.Execute())
		assert.Equal(t, "no models found\n", out.String())
	})
}

func TestTokenCmd(t *testing.T) {
	cmd, out := newTestCmd(t, providertest.New("mock", testModels...))
	cmd.SetArgs([]string{"token", "ops", "--role", "admin", "--role", "viewer", "--ttl", "1h"})

	require.NoError(t, cmd.Execute())

	claims, err := middleware.NewHMACValidator("s3cret", "orchestrator").
		ValidateToken(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.ElementsMatch(t, []string{"admin", "viewer"}, claims.Roles)
}

type scriptedChunks struct {
	chunks []providers.Chunk
	err    error
}

func (s *scriptedChunks) Recv() (providers.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return providers.Chunk{}, s.err
		}
		return providers.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func TestPrintStream(t *testing.T) {
	color.NoColor = true
	final := &providers.ChatResponse{
		Provider:  "mock",
		Model:     "mock-large",
		Content:   "42",
		Reasoning: "think",
		Usage:     providers.Usage{InputTokens: 3, OutputTokens: 4},
		Cost:      0.000123,
		FromCache: true,
	}

	t.Run("reasoning then answer", func(t *testing.T) {
		out := new(bytes.Buffer)
		err := printStream(out, &scriptedChunks{chunks: []providers.Chunk{
			providers.DeltaChunk("", "think"),
			providers.DeltaChunk("42", ""),
			providers.FinalChunk(final),
		}})
		require.NoError(t, err)
		assert.Equal(t, "think\n\n42\n[mock/mock-large  in=3 out=4  $0.000123] cached\n", out.String())
	})

	t.Run("final only", func(t *testing.T) {
		out := new(bytes.Buffer)
		err := printStream(out, &scriptedChunks{chunks: []providers.Chunk{providers.FinalChunk(final)}})
		require.NoError(t, err)
		assert.Equal(t, "think\n\n42\n[mock/mock-large  in=3 out=4  $0.000123] cached\n", out.String())
	})

	t.Run("error mid stream", func(t *testing.T) {
		out := new(bytes.Buffer)
		boom := errors.New("boom")
		err := printStream(out, &scriptedChunks{chunks: []providers.Chunk{providers.DeltaChunk("par", "")}, err: boom})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "par\n", out.String())
	})
}
