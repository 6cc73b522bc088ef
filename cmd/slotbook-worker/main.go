package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slotbook/backend/internal/app"
	"slotbook/backend/internal/config"
	"slotbook/backend/internal/jobs"
	"slotbook/backend/internal/ops"
	"slotbook/backend/internal/queue"
	"slotbook/backend/internal/telemetry"
)

const serviceName = "slotbook-worker"

func main() {
	log := app.NewLogger(serviceName, "info")
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = app.NewLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(log)

	if cfg.Queue.Backend == "memory" {
		log.Error("queue.backend=memory cannot be drained by a separate worker; the server drains it in-process")
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("worker stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		slog.String("queue", cfg.Queue.Backend),
		slog.Int("concurrency", cfg.Queue.Concurrency),
		slog.String("mail", cfg.MailDriver),
	)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.OTelEnabled,
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracer shutdown failed", slog.Any("err", err))
		}
	}()

	res, err := app.Open(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(); err != nil {
			log.Warn("resource close failed", slog.Any("err", err))
		}
	}()

	sender, err := app.NewMailSender(cfg, log)
	if err != nil {
		return err
	}

	manager := queue.NewManager(res.Queue, log, app.QueueConfig(cfg),
		jobs.NewCancellationMail(sender, cfg.Timezone),
	)
	manager.OnFailure(queue.LogFailures(log))

	opsErr := make(chan error, 1)
	go func() {
		opsErr <- ops.Serve(ctx, log, cfg.OpsAddr, ops.NewRouter(res.Checks()...))
	}()

	processDone := make(chan error, 1)
	go func() {
		processDone <- manager.Process(ctx)
	}()

	log.Info("worker started", slog.Any("queues", manager.Queues()), slog.String("ops_addr", cfg.OpsAddr))

	select {
	case err := <-opsErr:
		if err != nil {
			return err
		}
	case err := <-processDone:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// Workers finish the job in hand before Process returns.
	timer := time.NewTimer(cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-processDone:
		log.Info("worker stopped")
		return err
	case <-timer.C:
		log.Warn("worker shutdown timed out")
		return nil
	}
}
