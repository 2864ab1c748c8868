// Command biomesh-dispatcher places chats on idle biomesh workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/biomesh/config"
	"github.com/hupe1980/biomesh/dispatcher"
)

func main() {
	configPath := flag.String("config", "biomesh.yaml", "path to the YAML configuration")
	addr := flag.String("addr", "", "listen address (overrides dispatcher.listen)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *addr); err != nil {
		fmt.Fprintln(os.Stderr, "biomesh-dispatcher:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Dispatcher.Listen = addr
	}

	logger := cfg.NewLogger("dispatcher")

	flags, err := cfg.OpenFlags(ctx)
	if err != nil {
		return err
	}
	defer flags.Close()

	d, err := dispatcher.New(func(o *dispatcher.Options) {
		o.Flags = flags
		o.DialTimeout = cfg.Dispatcher.DialTimeout
		o.HealthInterval = cfg.Dispatcher.HealthInterval
		o.LeaseTTL = cfg.Dispatcher.LeaseTTL
		o.Logger = logger
	})
	if err != nil {
		return err
	}
	go func() {
		if err := d.Run(ctx); err != nil {
			logger.WithComponent("health").Error("worker health loop stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Dispatcher.Listen,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcher starting", "listen", httpServer.Addr, "flags", cfg.Flags.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
