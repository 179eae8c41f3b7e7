package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrModelNotSupported is returned when a model is not declared by any provider
	ErrModelNotSupported = errors.New("model not supported")
)

// DefaultModelID is the last-resort recommendation
const DefaultModelID = "gpt-4o-mini"

// Mode is the conversation mode hint
type Mode string

const (
	ModeGeneral  Mode = "general"
	ModeCoding   Mode = "coding"
	ModeResearch Mode = "research"
	ModeWriting  Mode = "writing"
	ModeMeeting  Mode = "meeting"
)

// PerformanceProfile expresses the speed/quality trade-off for recommendations
type PerformanceProfile string

const (
	ProfileFastest  PerformanceProfile = "fastest"
	ProfileBalanced PerformanceProfile = "balanced"
	ProfileQuality  PerformanceProfile = "quality"
	ProfileLocal    PerformanceProfile = "local"
)

var defaultProfilePriority = map[PerformanceProfile][]string{
	ProfileFastest:  {"gpt-4o-mini", "claude-haiku-4-5", "llama3.2"},
	ProfileBalanced: {"gpt-4o", "claude-sonnet-4-5", "gpt-4o-mini"},
	ProfileQuality:  {"claude-opus-4-1", "gpt-4.1", "claude-sonnet-4-5", "gpt-4o"},
	ProfileLocal:    {"llama3.2", "qwen2.5-coder", "mistral"},
}

var defaultModePreference = map[Mode][]string{
	ModeGeneral:  {"gpt-4o-mini", "claude-haiku-4-5"},
	ModeCoding:   {"claude-sonnet-4-5", "gpt-4.1", "qwen2.5-coder"},
	ModeResearch: {"claude-opus-4-1", "gpt-4.1", "gpt-4o"},
	ModeWriting:  {"claude-sonnet-4-5", "gpt-4o"},
	ModeMeeting:  {"gpt-4o-mini", "claude-haiku-4-5"},
}

// Registry manages provider instances and model descriptors
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	models          map[string]ModelDescriptor // model id -> descriptor
	profilePriority map[PerformanceProfile][]string
	modePreference  map[Mode][]string
	defaultModel    string
}

// RegistryOption customizes a Registry
type RegistryOption func(*Registry)

// WithDefaultModel overrides the last-resort recommendation
func WithDefaultModel(modelID string) RegistryOption {
	return func(r *Registry) {
		if modelID != "" {
			r.defaultModel = modelID
		}
	}
}

// WithProfilePriority replaces the priority list for a profile
func WithProfilePriority(profile PerformanceProfile, modelIDs ...string) RegistryOption {
	return func(r *Registry) {
		r.profilePriority[profile] = modelIDs
	}
}

// WithModePreference replaces the preference list for a mode
func WithModePreference(mode Mode, modelIDs ...string) RegistryOption {
	return func(r *Registry) {
		r.modePreference[mode] = modelIDs
	}
}

// NewRegistry creates a new provider registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers:       make(map[string]Provider),
		models:          make(map[string]ModelDescriptor),
		profilePriority: make(map[PerformanceProfile][]string, len(defaultProfilePriority)),
		modePreference:  make(map[Mode][]string, len(defaultModePreference)),
		defaultModel:    DefaultModelID,
	}
	for k, v := range defaultProfilePriority {
		r.profilePriority[k] = v
	}
	for k, v := range defaultModePreference {
		r.modePreference[k] = v
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider registers a provider and ingests every model it declares.
// Registering the same provider name or model id again replaces the previous one.
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	models := provider.Models()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[name] = provider
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		if m.Provider == "" {
			m.Provider = name
		}
		r.models[m.ID] = m
	}

	return nil
}

// Lookup returns the descriptor for a model id
func (r *Registry) Lookup(modelID string) (ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[modelID]
	return m, ok
}

// GetProvider retrieves a provider by name
func (r *Registry) GetProvider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// Resolve finds the descriptor and owning provider for a model id
func (r *Registry) Resolve(modelID string) (Provider, ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[modelID]
	if !ok {
		return nil, ModelDescriptor{}, fmt.Errorf("%w: %s", ErrModelNotSupported, modelID)
	}
	p, ok := r.providers[m.Provider]
	if !ok {
		return nil, ModelDescriptor{}, fmt.Errorf("%w: %s (model %s)", ErrProviderNotFound, m.Provider, modelID)
	}
	return p, m, nil
}

// ProviderForModel finds the provider that declared a given model
func (r *Registry) ProviderForModel(modelID string) (Provider, error) {
	p, _, err := r.Resolve(modelID)
	return p, err
}

// Recommend resolves a model id for the given mode and profile. It tries the
// profile priority table, then the mode preference list, then the default model.
func (r *Registry) Recommend(mode Mode, profile PerformanceProfile) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.profilePriority[profile] {
		if _, ok := r.models[id]; ok {
			return id
		}
	}
	for _, id := range r.modePreference[mode] {
		if _, ok := r.models[id]; ok {
			return id
		}
	}
	return r.defaultModel
}

// DefaultModel returns the last-resort model id
func (r *Registry) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// Providers returns all registered provider names, sorted
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns every registered descriptor, sorted by provider then id
func (r *Registry) Models() []ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelDescriptor, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ModelsByProvider returns the models owned by provider, sorted by id
func (r *Registry) ModelsByProvider(provider string) []ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ModelDescriptor
	for _, m := range r.models {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindModels searches for models whose id contains pattern
func (r *Registry) FindModels(pattern string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []string
	pattern = strings.ToLower(pattern)
	for id := range r.models {
		if strings.Contains(strings.ToLower(id), pattern) {
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)
	return matches
}

// TestConnections checks every registered provider concurrently and returns
// the outcome per provider name (nil means healthy).
func (r *Registry) TestConnections(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		snapshot[name] = p
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(snapshot))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for name, p := range snapshot {
		g.Go(func() error {
			err := p.TestConnection(gctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Clear removes all providers and models from the registry
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = make(map[string]Provider)
	r.models = make(map[string]ModelDescriptor)
}
