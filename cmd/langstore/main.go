package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-tutor/internal/dotenv"
	"github.com/vango-go/vai-tutor/internal/logging"
	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
	"github.com/vango-go/vai-tutor/pkg/langstore"
)

type serverDeps struct {
	loadConfig   func() (langstore.Config, error)
	openStore    func(context.Context, langstore.Config, *slog.Logger) (langstore.Store, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig: langstore.LoadConfigFromEnv,
		openStore:  langstore.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg langstore.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServer(ctx context.Context, stderr io.Writer, deps serverDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openStore == nil {
		return errors.New("missing openStore dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	store, closeStore, err := deps.openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	handler := langstore.NewHandler(langstore.HandlerConfig{
		Store:   store,
		APIKeys: cfg.APIKeys,
		Logger:  logger,
		Metrics: metrics.Handler(metrics.NewRegistry()),
	})
	httpSrv := buildHTTPServer(cfg, handler)

	logger.Info("starting language store", "addr", cfg.Addr, "backend", cfg.Backend, "auth", len(cfg.APIKeys) > 0)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("language store stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "langstore: %v\n", err)
		return 1
	}
	if err := runServer(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "langstore: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
