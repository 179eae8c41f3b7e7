package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/llm-orchestrator/config"
	"github.com/upb/llm-orchestrator/middleware"
	"github.com/upb/llm-orchestrator/repositories"
	"github.com/upb/llm-orchestrator/repositories/postgres"
	"github.com/upb/llm-orchestrator/services/inference"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/services/providers/anthropic"
	"github.com/upb/llm-orchestrator/services/providers/openai"
	"github.com/upb/llm-orchestrator/services/session"
	"go.uber.org/zap"
)

const (
	// sessionEventBuffer sizes the recorder's subscription to the event bus
	sessionEventBuffer = 256

	recorderStopTimeout = 10 * time.Second
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil without a database
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Sessions repositories.SessionRepository

	// Orchestration
	Registry *providers.Registry
	Engine   *inference.Engine
	Recorder *session.Recorder

	// Auth
	Tokens         *middleware.HMACValidator // nil when operator auth is disabled
	AuthMiddleware *middleware.AuthMiddleware

	extraProviders []providers.Provider
	engineOpts     []inference.Option
	unsubscribe    func()
	closeOnce      sync.Once
}

// Option customizes NewDependencies
type Option func(*Dependencies)

// WithProviders registers providers in addition to the configured ones
func WithProviders(p ...providers.Provider) Option {
	return func(d *Dependencies) {
		d.extraProviders = append(d.extraProviders, p...)
	}
}

// WithEngineOptions passes options through to the inference engine
func WithEngineOptions(opts ...inference.Option) Option {
	return func(d *Dependencies) {
		d.engineOpts = append(d.engineOpts, opts...)
	}
}

// WithDB uses an already opened database instead of connecting from config
func WithDB(db *postgres.DB) Option {
	return func(d *Dependencies) {
		d.DB = db
	}
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(deps)
	}

	// Initialize providers and the engine
	if err := deps.initEngine(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	// Initialize PostgreSQL when configured
	if err := deps.initDatabase(ctx, cfg); err != nil {
		deps.Engine.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initSessions(); err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to initialize session recorder: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.Strings("providers", deps.Registry.Providers()),
		zap.Bool("sessions", deps.Sessions != nil),
		zap.Bool("admin_auth", deps.Tokens != nil))
	return deps, nil
}

// EngineConfig converts the environment configuration into engine settings
func EngineConfig(cfg config.EngineConfig) inference.Config {
	return inference.Config{
		DefaultProvider:       cfg.DefaultProvider,
		DefaultModel:          cfg.DefaultModel,
		CacheEnabled:          cfg.CacheEnabled,
		CacheMaxSizeMB:        cfg.CacheMaxSizeMB,
		CacheTTL:              cfg.CacheTTL,
		FallbackEnabled:       cfg.FallbackEnabled,
		MaxRetryAttempts:      cfg.MaxRetryAttempts,
		RequestTimeout:        cfg.RequestTimeout,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		ConcurrencyPolicy:     inference.ConcurrencyPolicy(cfg.ConcurrencyPolicy),
	}
}

func (d *Dependencies) initEngine(cfg *config.Config) error {
	d.Registry = providers.NewRegistry(providers.WithDefaultModel(cfg.Engine.DefaultModel))
	d.Engine = inference.NewEngine(EngineConfig(cfg.Engine), d.Registry, d.Logger, d.engineOpts...)

	configured, err := d.configuredProviders(cfg.Providers)
	if err != nil {
		d.Engine.Close()
		return err
	}

	for _, p := range append(configured, d.extraProviders...) {
		if err := d.Engine.RegisterProvider(p); err != nil {
			d.Engine.Close()
			return fmt.Errorf("failed to register provider %s: %w", p.Name(), err)
		}
	}

	if len(d.Registry.Providers()) == 0 {
		d.Logger.Warn("no LLM providers configured")
	}
	return nil
}

// configuredProviders builds the hosted adapters whose keys are set and
// every provider declared in the model catalog
func (d *Dependencies) configuredProviders(cfg config.ProvidersConfig) ([]providers.Provider, error) {
	var out []providers.Provider

	if cfg.OpenAI.APIKey != "" {
		out = append(out, openai.NewOpenAIAdapter(vendorConfig(cfg.OpenAI), openai.WithLogger(d.Logger)))
	}

	if cfg.Anthropic.APIKey != "" {
		out = append(out, anthropic.NewAdapter(vendorConfig(cfg.Anthropic)))
	}

	if cfg.CatalogPath != "" {
		catalog, err := config.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		for _, entry := range catalog.Providers {
			out = append(out, openai.NewOpenAIAdapter(entry.ProviderConfig(),
				openai.WithName(entry.Name),
				openai.WithModels(entry.Models...),
				openai.WithLogger(d.Logger)))
		}
		d.Logger.Info("model catalog loaded",
			zap.String("path", cfg.CatalogPath),
			zap.Int("providers", len(catalog.Providers)))
	}

	return out, nil
}

func vendorConfig(v config.VendorConfig) providers.ProviderConfig {
	pc := providers.DefaultProviderConfig()
	pc.APIKey = v.APIKey
	pc.BaseURL = v.BaseURL
	pc.MaxRetries = v.MaxRetries
	if v.Timeout > 0 {
		pc.Timeout = v.Timeout
	}
	return pc
}

// initDatabase connects to PostgreSQL and creates the session schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if d.DB == nil {
		if cfg.Database == nil {
			d.Logger.Info("no database configured, sessions will not be recorded")
			return nil
		}

		factory, err := postgres.NewRepositoryFactory(*cfg.Database, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory
		d.DB = factory.GetDB()
	} else {
		d.RepoFactory = postgres.NewRepositoryFactoryFromDB(d.DB, d.Logger)
	}

	if err := d.DB.InitSchema(ctx); err != nil {
		_ = d.RepoFactory.Close()
		return err
	}

	d.Sessions = d.RepoFactory.NewRepositories().Sessions
	return nil
}

// initSessions subscribes the recorder to completion events
func (d *Dependencies) initSessions() error {
	if d.Sessions == nil {
		return nil
	}

	d.Recorder = session.NewRecorder(d.Sessions, d.Logger, session.DefaultConfig())
	if err := d.Recorder.Start(); err != nil {
		return err
	}

	ch, unsubscribe := d.Engine.Events(sessionEventBuffer)
	d.unsubscribe = unsubscribe
	d.Recorder.Consume(ch)
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, admin endpoints disabled")
		// Reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.RejectAll{}, d.Logger)
		return
	}

	d.Tokens = middleware.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Tokens, d.Logger)
}

// Close gracefully shuts down all dependencies. Pending session exchanges
// are written before the database closes.
func (d *Dependencies) Close() error {
	var errs []error

	d.closeOnce.Do(func() {
		d.Logger.Info("shutting down dependencies")

		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		if d.Recorder != nil {
			if err := d.Recorder.Stop(recorderStopTimeout); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop session recorder: %w", err))
			}
		}

		if d.Engine != nil {
			d.Engine.Close()
		}

		if d.RepoFactory != nil {
			if err := d.RepoFactory.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close database: %w", err))
			}
		}

		_ = d.Logger.Sync()
	})

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
