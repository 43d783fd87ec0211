package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/vango-go/voicebridge/internal/dotenv"
	"github.com/vango-go/voicebridge/pkg/activities"
	"github.com/vango-go/voicebridge/pkg/call"
	"github.com/vango-go/voicebridge/pkg/callflow"
	"github.com/vango-go/voicebridge/pkg/config"
	"github.com/vango-go/voicebridge/pkg/sessioncache"
	"github.com/vango-go/voicebridge/pkg/store"
	"github.com/vango-go/voicebridge/pkg/twilio"
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
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	if err := store.Migrate(cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.Open(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := sessioncache.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	temporal, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer temporal.Close()

	storeActs := &activities.StoreActivities{Store: st}
	telephonyActs := &activities.TelephonyActivities{
		Client: &twilio.Client{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			Logger:     logger,
		},
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	}
	sessionActs := &activities.SessionActivities{Cache: sessions}

	w := worker.New(temporal, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(callflow.VoiceCall, workflow.RegisterOptions{Name: call.WorkflowName})

	register := func(name string, fn any) {
		w.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
	register(call.ActivityCreateCallRecord, storeActs.CreateCallRecord)
	register(call.ActivityUpdateCallRecord, storeActs.UpdateCallRecord)
	register(call.ActivitySaveTranscriptBatch, storeActs.SaveTranscriptBatch)
	register(call.ActivityUpsertCallMetrics, storeActs.UpsertCallMetrics)
	register(call.ActivityInitiateCall, telephonyActs.InitiateCall)
	register(call.ActivityTerminateCall, telephonyActs.TerminateCall)
	register(call.ActivityGetCallStatus, telephonyActs.GetCallStatus)
	register(call.ActivityCreateSessionRecord, sessionActs.CreateSessionRecord)
	register(call.ActivityUpdateSessionStatus, sessionActs.UpdateSessionStatus)
	register(call.ActivityCleanupSessionRecord, sessionActs.CleanupSessionRecord)

	logger.Info("starting worker", "task_queue", cfg.TaskQueue, "namespace", cfg.TemporalNamespace)

	stopCh := make(chan interface{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
		}
		close(stopCh)
	}()

	if err := w.Run(stopCh); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicebridge-worker: %v\n", err)
		return 1
	}
	if err := run(ctx, stderr); err != nil {
		fmt.Fprintf(stderr, "voicebridge-worker: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}
