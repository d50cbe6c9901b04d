package app

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/change-control/backend/cognito"
	"github.com/upb/change-control/backend/config"
	"github.com/upb/change-control/backend/handlers"
	"github.com/upb/change-control/backend/middleware"
	"github.com/upb/change-control/backend/repositories"
	"github.com/upb/change-control/backend/repositories/memory"
	"github.com/upb/change-control/backend/repositories/postgres"
	"github.com/upb/change-control/backend/services/changes"
	"github.com/upb/change-control/backend/services/lifecycle"
	"github.com/upb/change-control/backend/services/tracker"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil with the memory store
	Logger *zap.Logger

	// Store
	RepoFactory *postgres.RepositoryFactory
	MemoryStore *memory.Store
	Repos       *repositories.Repositories
	TxManager   repositories.TransactionManager

	// Services
	Tracker        *tracker.Dispatcher
	ChangeRequests *changes.Service

	// HTTP
	AuthMiddleware       *middleware.AuthMiddleware
	ChangeRequestHandler *handlers.ChangeRequestHandler
	HealthHandler        *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initTracker(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize issue tracker: %w", err)
	}

	deps.ChangeRequests = changes.NewService(deps.Repos, deps.TxManager, lifecycle.NewEngine(), deps.Tracker, logger)

	deps.initAuth(cfg)

	deps.ChangeRequestHandler = handlers.NewChangeRequestHandler(deps.ChangeRequests, logger)
	if deps.DB != nil {
		deps.HealthHandler = handlers.NewHealthHandler(deps.DB.DB, deps.Tracker, logger)
	} else {
		deps.HealthHandler = handlers.NewHealthHandler(nil, deps.Tracker, logger)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("store", cfg.Store.Driver),
		zap.String("tracker", cfg.IssueTracker.Provider))
	return deps, nil
}

// initStore opens the configured request store
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Store.Driver == config.StoreDriverMemory {
		d.MemoryStore = memory.NewStore(d.Logger)
		d.Repos = d.MemoryStore.Repositories()
		d.TxManager = d.MemoryStore.TransactionManager()
		d.Logger.Warn("using in-memory store, data is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if cfg.Store.InitSchema {
		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	d.Logger.Info("repositories initialized",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initTracker builds the issue tracker bridge and starts its dispatcher
func (d *Dependencies) initTracker(cfg *config.Config) error {
	tc := cfg.IssueTracker

	var bridge tracker.Bridge
	switch tc.Provider {
	case config.TrackerProviderGitHub:
		gh, err := tracker.NewGitHubBridge(tracker.GitHubConfig{
			BaseURL:     tc.BaseURL,
			Token:       tc.Token,
			DefaultRepo: tc.Repository,
			Timeout:     tc.Timeout,
			MaxElapsed:  tc.MaxElapsed,
		}, d.Logger)
		if err != nil {
			return err
		}
		bridge = gh
	default:
		d.Logger.Warn("issue tracker not configured, closing notifications are only logged")
		bridge = tracker.NewLogBridge(d.Logger)
	}

	d.Tracker = tracker.NewDispatcher(bridge, d.Logger, tracker.Config{
		BufferSize:    tc.BufferSize,
		WorkerCount:   tc.WorkerCount,
		NotifyTimeout: tc.MaxElapsed,
	})
	return d.Tracker.Start()
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if !cfg.Cognito.Enabled() {
		d.Logger.Warn("identity provider not configured, all API requests will be rejected")
		// Use reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Repos.Users, d.Logger)
		return
	}
	cognitoValidator := cognito.NewCognitoValidator(cognito.Config{
		Region:     cfg.Cognito.Region,
		UserPoolID: cfg.Cognito.UserPoolID,
		ClientID:   cfg.Cognito.ClientID,
		Issuer:     cfg.Cognito.Issuer,
		JWKSURL:    cfg.Cognito.JWKSURL,
		CacheTTL:   cfg.Cognito.CacheTTL,
	})
	d.AuthMiddleware = middleware.NewAuthMiddleware(&cognitoTokenValidatorAdapter{validator: cognitoValidator}, d.Repos.Users, d.Logger)
	d.Logger.Info("token validation enabled")
}

// cognitoTokenValidatorAdapter adapts cognito.CognitoValidator to middleware.TokenValidator
type cognitoTokenValidatorAdapter struct {
	validator *cognito.CognitoValidator
}

func (a *cognitoTokenValidatorAdapter) ValidateToken(ctx context.Context, token string) (*middleware.Claims, error) {
	parsed, err := a.validator.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		Sub:           parsed.Subject,
		Email:         parsed.Email,
		EmailVerified: parsed.EmailVerified,
		Groups:        parsed.Groups,
	}, nil
}

// rejectAllValidator rejects all tokens (used when no identity provider is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Close gracefully shuts down all dependencies. Queued tracker notifications
// are drained before the database is closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Tracker != nil && d.Tracker.Stats().Started {
		timeout := d.Config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Tracker.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop tracker dispatcher: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
