package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/upb/llm-orchestrator/services/inference"
	"github.com/upb/llm-orchestrator/services/prompt"
	"github.com/upb/llm-orchestrator/services/providers"
)

var (
	askModel   string
	askMode    string
	askShape   string
	askProfile string
	askSystem  string
	askSession string
	askStream  bool
)

var (
	colorReasoning = color.New(color.Faint, color.Italic)
	colorFooter    = color.New(color.FgCyan)
	colorCached    = color.New(color.FgGreen)
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt...]",
	Short: "Run a single completion and print the answer",
	Long: `Send one prompt through the engine. Without --model the model is
recommended from --mode and --profile. Reasoning text, when the model
emits any, is printed dimmed before the answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "model id")
	askCmd.Flags().StringVar(&askMode, "mode", "", "task mode (general, coding, research, writing, meeting)")
	askCmd.Flags().StringVar(&askShape, "shape", "", "answer shape (concise, detailed, bullet, step_by_step, code)")
	askCmd.Flags().StringVar(&askProfile, "profile", "", "performance profile (fastest, balanced, quality, local)")
	askCmd.Flags().StringVar(&askSystem, "system", "", "system prompt")
	askCmd.Flags().StringVar(&askSession, "session", "", "session id to record the exchange under")
	askCmd.Flags().BoolVar(&askStream, "stream", true, "print the answer as it arrives")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	cfg, logger, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer func() { _ = deps.Close() }()

	req := &inference.CompletionRequest{
		Model:     askModel,
		Mode:      providers.Mode(askMode),
		Shape:     prompt.AnswerShape(askShape),
		Profile:   providers.PerformanceProfile(askProfile),
		SessionID: askSession,
		Stream:    askStream,
	}
	if askSystem != "" {
		req.Messages = append(req.Messages, providers.Message{Role: "system", Content: askSystem})
	}
	req.Messages = append(req.Messages, providers.Message{Role: "user", Content: strings.Join(args, " ")})

	stream, err := deps.Engine.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	return printStream(cmd.OutOrStdout(), stream)
}

// chunkSource is the part of a stream printStream reads
type chunkSource interface {
	Recv() (providers.Chunk, error)
}

// printStream writes deltas as they arrive and a one-line summary after the
// final chunk. A non-streaming request yields only the final chunk, whose
// text is printed in full.
func printStream(out io.Writer, stream chunkSource) error {
	var sawDelta, inReasoning bool

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out)
			return err
		}

		switch chunk.Type {
		case providers.ChunkDelta:
			if chunk.ReasoningDelta != "" {
				inReasoning = true
				colorReasoning.Fprint(out, chunk.ReasoningDelta)
			}
			if chunk.Delta != "" {
				if inReasoning {
					fmt.Fprint(out, "\n\n")
					inReasoning = false
				}
				sawDelta = true
				fmt.Fprint(out, chunk.Delta)
			}
		case providers.ChunkFinal:
			if chunk.Final == nil {
				continue
			}
			if !sawDelta {
				if chunk.Final.Reasoning != "" {
					colorReasoning.Fprintln(out, chunk.Final.Reasoning)
					fmt.Fprintln(out)
				}
				fmt.Fprint(out, chunk.Final.Content)
			}
			fmt.Fprintln(out)
			printFooter(out, chunk.Final)
		}
	}
}

func printFooter(out io.Writer, resp *providers.ChatResponse) {
	colorFooter.Fprintf(out, "[%s/%s  in=%d out=%d  $%.6f]",
		resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Cost)
	if resp.FromCache {
		colorCached.Fprint(out, " cached")
	}
	fmt.Fprintln(out)
}
