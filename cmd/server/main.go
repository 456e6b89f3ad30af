package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"relay/internal/auth"
	"relay/internal/config"
	"relay/internal/domain/models/chat"
	"relay/internal/engine"
	"relay/internal/handler"
	"relay/internal/middleware"
	"relay/internal/plugin"
	"relay/internal/provider"
	"relay/internal/session"
	"relay/internal/tools"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	cfg := config.Load()

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"default_provider", cfg.DefaultProvider,
		"default_model", cfg.DefaultModel,
	)

	personas, err := config.LoadPersonas(cfg.PersonaFile)
	if err != nil {
		log.Fatalf("Failed to load personas: %v", err)
	}
	if personas.Len() > 0 {
		logger.Info("persona catalog loaded", "personas", personas.Len())
	}

	// Durable streams setup: in-memory store, session registry.
	store := session.NewMemoryStore()
	registry := session.NewRegistry(store, cfg.SessionGracePeriod, logger)

	// Tool + plugin registries are process-wide; the plugin session manager
	// outlives individual requests so suspended tools can be resumed.
	toolRegistry := tools.NewRegistry()
	tools.RegisterBuiltins(toolRegistry)

	pluginRegistry := plugin.NewRegistry()
	if err := plugin.RegisterBuiltins(pluginRegistry); err != nil {
		log.Fatalf("Failed to register plugins: %v", err)
	}

	pluginManager := plugin.NewManager(pluginRegistry, cfg.PluginElicitTimeout, logger)

	providers := provider.NewFactory(cfg)
	logger.Info("providers configured", "providers", providers.Names())

	// Initializer hooks: per-writer DI context construction.
	initializer := func(ctx context.Context, req *chat.Request) (engine.Deps, error) {
		deps := engine.Deps{
			Tools:         toolRegistry,
			Plugins:       pluginRegistry,
			PluginManager: pluginManager,
			Logger:        logger,
			Model:         cfg.DefaultModel,
			System:        req.SystemPrompt,
		}

		providerName := cfg.DefaultProvider
		if req.Persona != "" {
			p, ok := personas.Get(req.Persona)
			if !ok {
				return engine.Deps{}, fmt.Errorf("unknown persona %q", req.Persona)
			}
			deps.Persona = p.Name
			if deps.System == "" {
				deps.System = p.SystemPrompt
			}
			if p.Model != "" {
				deps.Model = p.Model
			}
			if p.Provider != "" {
				providerName = p.Provider
			}
		}

		// A missing provider is not an initializer error: the engine reports
		// it as a configuration error event in the stream.
		if p, err := providers.Get(providerName); err == nil {
			deps.Provider = p
		} else if p, err := providers.ForModel(deps.Model); err == nil {
			deps.Provider = p
		}

		return deps, nil
	}

	engineCfg := engine.Config{
		MaxIterations: cfg.MaxToolIterations,
		StreamTimeout: cfg.StreamTimeout,
	}

	chatHandler := handler.NewChatHandler(registry, initializer, engineCfg, logger)
	manifestHandler := handler.NewManifestHandler(pluginRegistry)
	diagHandler := handler.NewDiagnosticsHandler(registry, pluginManager)

	// Optional bearer auth: enabled when a JWKS endpoint is configured.
	var verifier auth.JWTVerifier
	if cfg.AuthJWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.AuthJWKSURL, logger)
		if err != nil {
			log.Fatalf("Failed to initialize JWT verifier: %v", err)
		}
		defer verifier.Close()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", handler.HeaderSessionID, handler.HeaderLastLSN},
		ExposedHeaders:   []string{handler.HeaderSessionID},
		AllowCredentials: true,
	}).Handler)

	r.Get("/health", handler.Health)
	r.Get("/.well-known/mcp.json", manifestHandler.Manifest)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.BearerAuth(verifier))
		r.Post("/chat", chatHandler.Chat)
		r.Get("/diagnostics/sessions", diagHandler.Sessions)
		r.Get("/diagnostics/plugin-sessions", diagHandler.PluginSessions)
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Serve until SIGINT/SIGTERM, then drain gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
