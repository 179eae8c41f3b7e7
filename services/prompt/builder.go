// Package prompt turns raw conversation messages plus mode and answer-shape
// hints into the final message list sent to a provider.
package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/upb/llm-orchestrator/services/providers"
)

// AnswerShape hints at the form the answer should take
type AnswerShape string

const (
	ShapeConcise    AnswerShape = "concise"
	ShapeDetailed   AnswerShape = "detailed"
	ShapeBullet     AnswerShape = "bullet"
	ShapeStepByStep AnswerShape = "step_by_step"
	ShapeCode       AnswerShape = "code"
)

const (
	// FallbackTemperature applies when nothing else sets one
	FallbackTemperature = 0.7

	// charsPerToken is a rough heuristic, not a tokenizer
	charsPerToken = 4
)

// suggestion carries optional sampling overrides for a mode or shape
type suggestion struct {
	guidance    string
	temperature *float64
	maxTokens   *int
}

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }

var modeSuggestions = map[providers.Mode]suggestion{
	providers.ModeGeneral: {},
	providers.ModeCoding: {
		guidance:    "You are an expert software engineer. Prefer correct, idiomatic code and point out edge cases.",
		temperature: f(0.2),
	},
	providers.ModeResearch: {
		guidance:    "You are a careful research assistant. Separate facts from speculation and say when you are unsure.",
		temperature: f(0.3),
		maxTokens:   n(4096),
	},
	providers.ModeWriting: {
		guidance:    "You are a skilled writing partner. Match the user's tone and keep the prose clear.",
		temperature: f(0.8),
	},
	providers.ModeMeeting: {
		guidance:    "You are a meeting assistant. Track decisions, owners and open questions.",
		temperature: f(0.4),
		maxTokens:   n(1024),
	},
}

var shapeSuggestions = map[AnswerShape]suggestion{
	ShapeConcise: {
		guidance:  "Answer in at most a few sentences.",
		maxTokens: n(256),
	},
	ShapeDetailed: {
		guidance:  "Give a thorough answer with context and examples.",
		maxTokens: n(2048),
	},
	ShapeBullet: {
		guidance:  "Answer as a bulleted list.",
		maxTokens: n(512),
	},
	ShapeStepByStep: {
		guidance:    "Work through the answer step by step, numbering each step.",
		temperature: f(0.3),
		maxTokens:   n(1024),
	},
	ShapeCode: {
		guidance:    "Answer with code first and keep prose to a minimum.",
		temperature: f(0.1),
		maxTokens:   n(2048),
	},
}

// Input is everything Build needs
type Input struct {
	Messages    []providers.Message
	Mode        providers.Mode
	Shape       AnswerShape
	Temperature *float64
	MaxTokens   *int
	Model       providers.ModelDescriptor
}

// Built is the provider-ready prompt
type Built struct {
	Messages        []providers.Message
	Temperature     float64
	MaxTokens       int
	EstimatedTokens int
}

// Build prepends a system message combining mode and shape guidance and
// resolves sampling parameters. The caller's slice is never modified.
// Explicit values win over the shape suggestion, then the mode suggestion,
// then the model default.
func Build(in Input) Built {
	mode := modeSuggestions[in.Mode]
	shape := shapeSuggestions[in.Shape]

	messages := make([]providers.Message, 0, len(in.Messages)+1)
	if system := SystemGuidance(in.Mode, in.Shape); system != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: system})
	}
	messages = append(messages, in.Messages...)

	built := Built{
		Messages:    messages,
		Temperature: resolveTemperature(in, mode, shape),
		MaxTokens:   resolveMaxTokens(in, mode, shape),
	}
	built.EstimatedTokens = EstimateTokens(messages)
	return built
}

// SystemGuidance returns mode guidance and shape guidance joined by a blank
// line, or "" when neither applies
func SystemGuidance(mode providers.Mode, shape AnswerShape) string {
	parts := make([]string, 0, 2)
	if g := modeSuggestions[mode].guidance; g != "" {
		parts = append(parts, g)
	}
	if g := shapeSuggestions[shape].guidance; g != "" {
		parts = append(parts, g)
	}
	return strings.Join(parts, "\n\n")
}

// EstimateTokens approximates token count as characters / 4
func EstimateTokens(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	return chars / charsPerToken
}

// ValidShape reports whether s is a known answer shape. The empty shape is valid.
func ValidShape(s AnswerShape) bool {
	if s == "" {
		return true
	}
	_, ok := shapeSuggestions[s]
	return ok
}

func resolveTemperature(in Input, mode, shape suggestion) float64 {
	switch {
	case in.Temperature != nil:
		return *in.Temperature
	case shape.temperature != nil:
		return *shape.temperature
	case mode.temperature != nil:
		return *mode.temperature
	case in.Model.DefaultTemperature > 0:
		return in.Model.DefaultTemperature
	default:
		return FallbackTemperature
	}
}

// resolveMaxTokens returns 0 when nothing sets a limit; adapters then apply
// their own default
func resolveMaxTokens(in Input, mode, shape suggestion) int {
	switch {
	case in.MaxTokens != nil && *in.MaxTokens > 0:
		return *in.MaxTokens
	case shape.maxTokens != nil:
		return *shape.maxTokens
	case mode.maxTokens != nil:
		return *mode.maxTokens
	default:
		return in.Model.MaxOutputTokens
	}
}
