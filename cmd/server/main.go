package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	marketchat "github.com/MegaGrindStone/market-chat"
	"github.com/MegaGrindStone/market-chat/internal/chat"
	"github.com/MegaGrindStone/market-chat/internal/engine"
	"github.com/MegaGrindStone/market-chat/internal/gateway"
	"github.com/MegaGrindStone/market-chat/internal/handlers"
	"github.com/MegaGrindStone/market-chat/internal/observe"
	"github.com/MegaGrindStone/market-chat/internal/render"
	"github.com/MegaGrindStone/market-chat/internal/services"
	"github.com/MegaGrindStone/market-chat/internal/tools"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfgPath, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)
	logger.Info("Config loaded", slog.String("path", cfgPath), slog.String("provider", cfg.LLM.provider()))

	provider, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "market-chat",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("error initializing metrics: %w", err)
	}
	metrics := observe.DefaultMetrics()

	gatewayOpts := []gateway.Option{
		gateway.WithDefaultTimeout(cfg.FMP.Timeout),
		gateway.WithMetrics(metrics),
		gateway.WithLogger(logger),
	}
	if cfg.FMP.BaseURL != "" {
		gatewayOpts = append(gatewayOpts, gateway.WithBaseURL(cfg.FMP.BaseURL))
	}

	var cache *services.BoltCache
	if cfg.Cache.Path != "" {
		cache, err = services.NewBoltCache(cfg.Cache.Path, cfg.Cache.TTL, logger)
		if err != nil {
			return err
		}
		defer cache.Close()
		gatewayOpts = append(gatewayOpts, gateway.WithCache(cache))
	}

	fmp, err := gateway.New(cfg.fmpAPIKey(), gatewayOpts...)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(
		tools.WithRegistryLogger(logger),
		tools.WithRegistryMetrics(metrics),
	)
	if err := tools.NewMarket(fmp).Register(registry); err != nil {
		return fmt.Errorf("error registering tools: %w", err)
	}

	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		return fmt.Errorf("error creating %s llm: %w", cfg.LLM.provider(), err)
	}

	eng := engine.New(llm, registry,
		engine.WithSystemPrompt(cfg.SystemPrompt),
		engine.WithMaxSteps(cfg.MaxSteps),
		engine.WithSmoothing(cfg.Smoothing),
		engine.WithProviderName(cfg.LLM.provider()),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
	)

	renderer, err := render.New(render.WithLogger(logger))
	if err != nil {
		return err
	}

	m := handlers.NewMain(chat.EngineTransport{Engine: eng}, renderer, logger,
		handlers.WithIdleTTL(cfg.SessionTTL))

	// Serve static files
	staticFS, err := fs.Sub(marketchat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/stop", m.HandleStop)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/api/chat", m.HandleChatStream)
	mux.HandleFunc("/healthz", m.HandleHealthz)
	mux.Handle("/metrics", provider.Handler())

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           observe.Middleware(metrics, logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown handlers", slog.String("err", err.Error()))
		}
	})

	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	if cache != nil {
		go purgeCache(purgeCtx, cache, cfg.Cache.TTL, logger)
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metrics", slog.String("err", err.Error()))
		}
	}
	return nil
}

// purgeCache drops expired cache entries every ttl until ctx is done.
func purgeCache(ctx context.Context, cache *services.BoltCache, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cache.Purge()
			if err != nil {
				logger.Error("Failed to purge cache", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("Purged cache", slog.Int("entries", n))
			}
		}
	}
}
