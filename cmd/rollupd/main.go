// Command rollupd ingests metrics, rolls them up into coarser granularities
// and serves the results.
//
// Configuration is read from ROLLUPD_* environment variables; run with
// -env to list them.
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

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/logger"
	"github.com/nicktill/rollupd/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
)

func main() {
	showEnv := flag.Bool("env", false, "print the supported environment variables and exit")
	flag.Parse()

	if *showEnv {
		if err := config.Usage(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rollupd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.Init(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	log.Info("starting rollupd",
		zap.String("version", server.Version),
		zap.String("port", cfg.Server.Port),
		zap.Bool("in_memory", cfg.Storage.InMemory),
		zap.Int("batch_min", cfg.Batch.MinSize),
		zap.Int("batch_max", cfg.Batch.MaxSize),
		zap.Int("pool_workers", cfg.Pool.Workers))

	app, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := app.Start(ctx)

	srv := newHTTPServer(cfg, app)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.Stringer("signal", sig))
	case err := <-serveErr:
		log.Error("server failed", zap.Error(err))
	}

	// Cancel first so background loops exit before we wait for them
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("background tasks did not stop in time")
	}

	if err := app.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	log.Info("rollupd exited cleanly")
	return nil
}

func newHTTPServer(cfg *config.Config, app *server.App) *http.Server {
	router := mux.NewRouter()
	server.SetupRoutes(router, app)

	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
}
