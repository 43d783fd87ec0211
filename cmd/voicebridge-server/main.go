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
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/vango-go/voicebridge/internal/dotenv"
	"github.com/vango-go/voicebridge/pkg/bridge"
	"github.com/vango-go/voicebridge/pkg/config"
	"github.com/vango-go/voicebridge/pkg/gemini"
	"github.com/vango-go/voicebridge/pkg/server"
	"github.com/vango-go/voicebridge/pkg/sessioncache"
	"github.com/vango-go/voicebridge/pkg/store"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(ctx context.Context, stderr io.Writer) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	temporal, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer temporal.Close()

	sessions, err := sessioncache.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	var callStore server.CallStore
	if cfg.PostgresDSN != "" {
		st, err := store.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		callStore = st
	} else {
		logger.Warn("POSTGRES_DSN not set, call record read API disabled")
	}

	bridges := bridge.NewManager(bridge.GeminiDialer(&gemini.Client{
		APIKey:   cfg.GeminiAPIKey,
		Endpoint: cfg.GeminiEndpoint,
		Logger:   logger,
	}), cfg.PrewarmTTL, logger)
	defer bridges.CloseAll()

	srv := server.New(server.Deps{
		Config:   cfg,
		Logger:   logger,
		Temporal: temporal,
		Sessions: sessions,
		Bridges:  bridges,
		Store:    callStore,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting gateway", "addr", cfg.HTTPAddr, "public_url", cfg.PublicBaseURL)

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
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	bridges.CloseAll()

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicebridge-server: %v\n", err)
		return 1
	}
	if err := run(ctx, stderr); err != nil {
		fmt.Fprintf(stderr, "voicebridge-server: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}
