package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tinyland-inc/drumline/cmd/drumline/internal"
	"github.com/tinyland-inc/drumline/pkg/admin"
	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/core"
	"github.com/tinyland-inc/drumline/pkg/dedup"
	"github.com/tinyland-inc/drumline/pkg/ingress"
	"github.com/tinyland-inc/drumline/pkg/knowledge"
	"github.com/tinyland-inc/drumline/pkg/logger"
	"github.com/tinyland-inc/drumline/pkg/outbound"
	"github.com/tinyland-inc/drumline/pkg/preference"
	"github.com/tinyland-inc/drumline/pkg/providers"
	"github.com/tinyland-inc/drumline/pkg/ratelimit"
	"github.com/tinyland-inc/drumline/pkg/steps"
	"github.com/tinyland-inc/drumline/pkg/store"
	"github.com/tinyland-inc/drumline/pkg/sweeper"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	storePath := cfg.StorePath()
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.OpenSQLite(storePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	fmt.Printf("✓ Store opened at %s\n", storePath)

	generator, err := providers.New(cfg.Providers)
	if err != nil {
		return fmt.Errorf("error creating provider: %w", err)
	}

	userLimiter := ratelimit.NewLimiter(cfg.Limits.UserPerWindow, cfg.RateWindow())
	groupLimiter := ratelimit.NewLimiter(cfg.Limits.GroupPerWindow, cfg.RateWindow())
	cache := dedup.NewCache(cfg.Dedup.Enabled, cfg.Dedup.SimilarityThreshold, cfg.DedupWindow(), cfg.Dedup.MaxTrackedUsers)
	gate := ingress.NewGate(userLimiter, groupLimiter, cache)

	catalog := knowledge.NewService(knowledge.Config{
		CatalogURL:   cfg.Knowledge.CatalogURL,
		FallbackPath: cfg.KnowledgeFallbackPath(),
		RefreshEvery: time.Duration(cfg.Knowledge.RefreshMinutes) * time.Minute,
		FetchTimeout: time.Duration(cfg.Knowledge.FetchTimeoutSeconds) * time.Second,
	})

	machine := preference.NewMachine(st)
	msgBus := bus.NewMessageBus(cfg.Pipeline.QueueSize)

	specs := steps.Build(steps.Deps{
		Config:    cfg,
		Store:     st,
		Machine:   machine,
		Knowledge: catalog,
		Generator: generator,
	})
	engine := core.NewEngine(cfg, msgBus, gate, st, specs)
	hub := outbound.NewHub(msgBus)

	retention := time.Duration(cfg.Retention.ConversationDays) * 24 * time.Hour
	sweep := sweeper.New(st, retention, cfg.Retention.PurgeSchedule, userLimiter, groupLimiter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go catalog.Start(ctx)
	go hub.Run(ctx)
	go sweep.Run(ctx)
	go func() {
		if err := engine.Start(ctx); err != nil {
			logger.ErrorCF("core", "Engine stopped", map[string]any{"error": err.Error()})
		}
	}()

	router := chi.NewRouter()
	router.Mount("/", admin.NewServer(st, msgBus, cfg.Admin.Token).Router())
	router.Handle("/ws", hub)
	server := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("admin", "HTTP server error", map[string]any{"error": err.Error()})
		}
	}()

	fmt.Printf("✓ Gateway listening on %s (websocket at /ws)\n", cfg.Admin.ListenAddr)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	msgBus.Close()
	cancel()
	engine.Wait()
	hub.Close()
	fmt.Println("✓ Gateway stopped")

	return nil
}
