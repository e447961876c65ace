package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"module/internal/commands"
	"module/internal/config"
	"module/internal/llmprovider"
	_ "module/internal/llmprovider/gemini"
	_ "module/internal/llmprovider/ollama"
	_ "module/internal/llmprovider/openailm"
	"module/internal/logging"
	"module/internal/metrics"
	"module/internal/session"
	"module/internal/tooling"
	"module/internal/wsgateway"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, sysCfg, err := config.Load(); err == nil {
		logging.Setup(sysCfg.LogLevel)
	} else {
		logging.Setup("info")
	}

	reloadCh := config.Watch(ctx, "config.json", "system.json")

	for {
		err := runGateway(ctx, reloadCh)
		if err != nil {
			slog.Error("gateway stopped with an error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("configuration change detected while waiting, retrying immediately")
			case <-time.After(5 * time.Second):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
			slog.Info("configuration reloaded, restarting gateway")
		}
	}
}

// runGateway builds one generation of the gateway from the current
// configuration and runs it until shutdown or a config reload is
// observed, mirroring the teacher's runAgent restart-loop shape.
func runGateway(ctx context.Context, reloadCh <-chan struct{}) error {
	cfg, sysCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Setup(sysCfg.LogLevel)

	client, err := llmprovider.NewFromConfig(cfg.LLM, sysCfg.MaxRetries, time.Duration(sysCfg.RetryDelayMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to init LLM client: %w", err)
	}

	tools := tooling.NewRegistry()
	tools.Register(tooling.ClockTool{})
	if cfg.EnableShellTool {
		tools.Register(tooling.NewShellTool())
	}

	cmdRegistry := commands.NewRegistry()
	commands.RegisterBuiltins(cmdRegistry)
	commands.RegisterToolInstructions(cmdRegistry, tooling.NewExecutor(tools), tools.Names())

	m := metrics.New()

	deps := wsgateway.Deps{
		Client:       client,
		Tools:        tools,
		Commands:     cmdRegistry,
		SystemPrompt: cfg.SystemPrompt,
		Baseline: session.Config{
			MaxContextNum:          sysCfg.DefaultMaxContextNum,
			MaxTokens:              sysCfg.DefaultMaxTokens,
			AskBeforeToolExecution: sysCfg.DefaultAskBeforeToolExecution,
		},
		MaxTurn:        sysCfg.MaxTurn,
		Metrics:        m,
		OutboundBuffer: sysCfg.OutboundBuffer,
	}

	server := wsgateway.New(deps)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: server.Handler()}

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case err := <-serveErrCh:
		return err

	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown did not complete cleanly", "error", err)
		}
		return nil

	case <-reloadCh:
		slog.Info("configuration change detected, draining connections for restart")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown did not complete cleanly", "error", err)
		}
		return nil
	}
}
