// Command biomesh-worker serves one orchestrator and publishes its state in
// the shared flag pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/biomesh/config"
	"github.com/hupe1980/biomesh/engine"
	"github.com/hupe1980/biomesh/tool"
	"github.com/hupe1980/biomesh/worker"
)

func main() {
	configPath := flag.String("config", "biomesh.yaml", "path to the YAML configuration")
	addr := flag.String("addr", "", "published host:port (overrides worker.addr)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *addr); err != nil {
		fmt.Fprintln(os.Stderr, "biomesh-worker:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Worker.Addr = addr
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	logger := cfg.NewLogger("worker").WithContext("addr", cfg.Worker.Addr)

	flags, err := cfg.OpenFlags(ctx)
	if err != nil {
		return err
	}
	defer flags.Close()

	reg, err := tool.NewRegistry(cfg.Worker.ToolsDir, func(o *tool.Options) { o.Logger = logger.WithComponent("registry") })
	if err != nil {
		return err
	}
	client := cfg.NewModelClient(logger.WithComponent("model"))
	orch := engine.New(reg, client, cfg.EngineOptions(logger.WithComponent("engine")))

	srv, err := worker.New(orch, func(o *worker.Options) {
		o.Addr = cfg.Worker.Addr
		o.Flags = flags
		o.Registry = reg
		o.Logger = logger
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Worker.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker starting", "listen", ln.Addr().String(), "tools", reg.Snapshot().Len())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if err := srv.Publish(ctx); err != nil {
		_ = httpServer.Close()
		return err
	}

	select {
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.GracePeriod+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stopping session failed", "error", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}
