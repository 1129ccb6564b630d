// Command colloquy runs the multi-agent discussion service: an HTTP + ws
// API over the room store and the discussion engine.
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/colloquy-dev/colloquy/pkg/config"
	"github.com/colloquy-dev/colloquy/pkg/roomstore"
	"github.com/colloquy-dev/colloquy/pkg/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "colloquy:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath  = flag.String("config", "colloquy.yaml", "path to the YAML config file")
		roomsDir = flag.String("rooms-dir", "", "override the room store directory")
		addr     = flag.String("addr", "", "override the bind address (host:port)")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	// A .env next to the binary is a convenience for local runs; absence is
	// not an error.
	godotenv.Load()

	logger, err := buildLogger(*debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *roomsDir != "" {
		cfg.Storage.RoomsDir = *roomsDir
	}
	bind := cfg.Server.Addr()
	if *addr != "" {
		bind = *addr
	}

	store, err := roomstore.Open(cfg.Storage.RoomsDir)
	if err != nil {
		return err
	}

	svc := server.New(*cfgPath, cfg, store, logger)

	httpServer := &http.Server{
		Addr:              bind,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", bind),
			zap.String("rooms_dir", cfg.Storage.RoomsDir))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", zap.Error(err))
	}
	return httpServer.Shutdown(shutdownCtx)
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
