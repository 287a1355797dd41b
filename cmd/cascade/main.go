package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/logging"
	"github.com/cascadehq/cascade/internal/nodes"
	"github.com/cascadehq/cascade/internal/queue"
	"github.com/cascadehq/cascade/internal/server"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/validation"
	"github.com/cascadehq/cascade/pkg/mcp"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("cascade exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	q, err := buildQueue(ctx, cfg, st)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	validator, err := validation.NewJobValidator()
	if err != nil {
		return fmt.Errorf("job validator: %w", err)
	}
	cond, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}

	registry, err := buildRegistry(cfg, st)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	coordinator := engine.NewCoordinator(st, q, registry, validator, cond,
		expressions.NewGoJQEngine(), logger, engine.Config{
			Workers:    cfg.Workers,
			PopTimeout: cfg.popTimeout(),
		})
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coordinator.Stop()

	var mcpHandler http.Handler
	if cfg.MCP {
		mcpHandler = mcp.NewCascadeServer(mcp.CascadeServerDeps{
			Runner: coordinator,
			Store:  st,
			Logger: logger,
		}).Handler()
	}

	api := server.New(server.Deps{
		Store:  st,
		Runner: coordinator,
		Logger: logger,
		MCP:    mcpHandler,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("queue", cfg.Queue),
			slog.Bool("mcp", cfg.MCP))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func buildQueue(ctx context.Context, cfg Config, st *store.LibSQLStore) (queue.Queue, error) {
	switch cfg.Queue {
	case "libsql":
		return queue.NewLibSQLQueue(ctx, st.DB(), cfg.QueueName)
	case "", "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue)
	}
}

func buildRegistry(cfg Config, st *store.LibSQLStore) (*nodes.Registry, error) {
	creds := engine.StoreCredentials{Store: st}
	forms := engine.StoreForms{Store: st}

	registry := nodes.NewRegistry()
	for _, h := range []nodes.Handler{
		nodes.NewManualHandler(),
		nodes.NewWebhookHandler(),
		nodes.NewFormHandler(forms, cfg.BaseURL),
		nodes.NewEmailHandler(creds, "", cfg.EmailFrom),
		nodes.NewTelegramHandler(creds, ""),
		nodes.NewAgentHandler(creds, expressions.NewExprEngine(), ""),
	} {
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
