package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codepair/internal/api"
	"codepair/internal/config"
	"codepair/internal/database"
	"codepair/internal/hub"
	"codepair/internal/identity"
	"codepair/internal/provision"
	"codepair/internal/session"
	"codepair/internal/telemetry"
	"codepair/internal/websocket"
	pkgdatabase "codepair/pkg/database"
	"codepair/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	provisioner interfaces.Provisioner
	resolver    *identity.Resolver
	coordinator *session.Coordinator
	query       *session.QueryService
	registry    *websocket.Registry
	eventHub    *hub.Hub
	limiter     *api.RateLimiter
	apiServer   *api.Server
	httpServer  *http.Server
	listener    net.Listener

	shutdownTracing telemetry.ShutdownFunc
	cancelCleanup   context.CancelFunc
	stopOnce        sync.Once
}

// OpenDatabase opens the store and brings its schema up to date
func OpenDatabase(cfg *config.Config) (*database.Manager, error) {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.Timeout
	dbConfig.MigrationsPath = cfg.Database.MigrationsPath

	if dir := filepath.Dir(dbConfig.DatabasePath); dir != "." && !strings.HasPrefix(dbConfig.DatabasePath, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrations := pkgdatabase.NewMigrationManagerFromConfig(dbManager.GetDB(), dbConfig)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema validation failed: %w", err)
	}
	log.Println("Database migrations applied successfully")
	return dbManager, nil
}

// NewProvisioner builds the call and chat backend selected by cfg.Provider.Mode
func NewProvisioner(cfg *config.Config) (interfaces.Provisioner, error) {
	switch cfg.Provider.Mode {
	case config.ProviderStream:
		client, err := provision.NewStreamClient(provision.StreamConfig{
			APIKey:    cfg.Provider.APIKey,
			APISecret: cfg.Provider.APISecret,
			VideoURL:  cfg.Provider.VideoURL,
			ChatURL:   cfg.Provider.ChatURL,
			Timeout:   cfg.Provider.Timeout,
		}, nil)
		if err != nil {
			return nil, err
		}
		log.Printf("Using stream provider: video=%s chat=%s", cfg.Provider.VideoURL, cfg.Provider.ChatURL)
		return client, nil
	case config.ProviderMemory, "":
		log.Println("Using in-memory call and chat provider")
		return provision.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
	}
}

// NewResolver builds the bearer-token resolver backed by users
func NewResolver(cfg *config.Config, users interfaces.UserStore) (*identity.Resolver, error) {
	return identity.NewResolver(identity.Config{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	}, users)
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Telemetry → Database → Provider → Identity → Registry → Hub → Session → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Tracing first so every later component picks up the global provider
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	// STEP 2: Database and migrations (foundation layer)
	dbManager, err := OpenDatabase(cfg)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}

	fail := func(err error) (*Application, error) {
		_ = dbManager.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}

	// STEP 3: External call and chat provider
	provisioner, err := NewProvisioner(cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize provider: %w", err))
	}

	// STEP 4: Identity resolution and chat token signing
	resolver, err := NewResolver(cfg, dbManager)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize identity resolver: %w", err))
	}
	// FUNCTIONAL DISCOVERY: Chat tokens must be signed with the provider's
	// secret; the in-memory provider has none so the auth secret stands in
	tokenSecret := cfg.Provider.APISecret
	if tokenSecret == "" {
		tokenSecret = cfg.Auth.Secret
	}
	tokens, err := identity.NewTokenIssuer(tokenSecret, cfg.Provider.ChatTokenTTL)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize chat token issuer: %w", err))
	}

	// STEP 5: Watch stream registry and the event hub that feeds it
	registry := websocket.NewRegistry()
	eventHub := hub.NewHub(dbManager, registry)

	// STEP 6: Session lifecycle and read side
	coordinator := session.NewCoordinator(dbManager, provisioner, provisioner, session.WithEventPublisher(eventHub))
	query := session.NewQueryService(dbManager, dbManager, dbManager)

	// STEP 7: HTTP surface
	wsHandler := websocket.NewHandler(registry, resolver, dbManager, dbManager, cfg.WebSocket.AllowedOrigins)
	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	apiServer := api.NewServer(api.Dependencies{
		Coordinator: coordinator,
		Query:       query,
		Resolver:    resolver,
		Tokens:      tokens,
		Health:      dbManager,
		Registry:    registry,
		Watch:       http.HandlerFunc(wsHandler.HandleWebSocket),
		Limiter:     limiter,
	}, api.Options{
		OperationTimeout: cfg.HTTP.OperationTimeout,
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:          cfg,
		dbManager:       dbManager,
		provisioner:     provisioner,
		resolver:        resolver,
		coordinator:     coordinator,
		query:           query,
		registry:        registry,
		eventHub:        eventHub,
		limiter:         limiter,
		apiServer:       apiServer,
		httpServer:      httpServer,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Hub starts first to handle events, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	// STEP 1: Start event hub (background persistence and fan-out)
	// FUNCTIONAL DISCOVERY: The hub outlives the caller's context so Stop can
	// drain queued events after a signal cancelled it
	if err := app.eventHub.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	// STEP 2: Bind the listener synchronously so address errors surface here
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.eventHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	cleanupCtx, cancel := context.WithCancel(context.Background())
	app.cancelCleanup = cancel
	go app.limiter.RunCleanup(cleanupCtx)

	// STEP 3: Serve HTTP
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: HTTP server error: %v", err)
		}
	}()

	log.Printf("CodePair application started on %s", listener.Addr())
	return nil
}

// Stop gracefully shuts down the application
// Shutdown coordination ensures proper resource cleanup
// Reverse dependency order: HTTP → Watchers → Hub → Database → Tracing
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	app.stopOnce.Do(func() {
		log.Printf("Shutting down CodePair application")

		// STEP 1: Stop accepting new requests
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
		if app.cancelCleanup != nil {
			app.cancelCleanup()
		}

		// STEP 2: Hijacked watch connections are not closed by Shutdown
		app.registry.CloseAll()

		// STEP 3: Drain queued events into the store
		if err := app.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("event hub shutdown: %w", err))
		}

		// STEP 4: Close database connections
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database shutdown: %w", err))
		}

		// STEP 5: Flush spans
		if err := app.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}

		for _, err := range errs {
			log.Printf("ERROR: %v", err)
		}
		log.Printf("CodePair application shutdown complete")
	})
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, else the configured one
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the full HTTP surface
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Resolver exposes identity resolution for operator tooling
func (app *Application) Resolver() *identity.Resolver {
	return app.resolver
}

// Users exposes the user directory
func (app *Application) Users() interfaces.UserStore {
	return app.dbManager
}

// Provisioner exposes the configured call and chat backend
func (app *Application) Provisioner() interfaces.Provisioner {
	return app.provisioner
}
