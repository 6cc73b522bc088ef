package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"slotbook/backend/internal/app"
	"slotbook/backend/internal/clock"
	"slotbook/backend/internal/config"
	"slotbook/backend/internal/jobs"
	"slotbook/backend/internal/ops"
	"slotbook/backend/internal/queue"
	"slotbook/backend/internal/service/appointments"
	"slotbook/backend/internal/service/notifications"
	"slotbook/backend/internal/telemetry"
	grpcTransport "slotbook/backend/internal/transport/grpc"
)

const serviceName = "slotbook-server"

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

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("log_level", cfg.LogLevel),
		slog.String("store", cfg.StoreDriver),
		slog.String("queue", cfg.Queue.Backend),
		slog.String("timezone", cfg.Timezone.String()),
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

	res, err := app.Open(ctx, cfg, log, true)
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

	notifs := notifications.NewService(res.Notifications, res.Users)
	appts := appointments.NewService(appointments.Deps{
		Appointments:  res.Appointments,
		Users:         res.Users,
		Notifications: notifs,
		Jobs:          manager,
		Clock:         clock.System(),
		Location:      cfg.Timezone,
		Logger:        log,
	})

	var limiter *grpcTransport.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = grpcTransport.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.Run(ctx)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			grpcTransport.RequestIDInterceptor(),
			grpcTransport.RateLimitInterceptor(limiter),
			grpcTransport.DefaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout),
		),
	)
	grpcTransport.RegisterBookingServiceServer(grpcServer, grpcTransport.NewBookingServer(appts, notifs, log))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcTransport.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- ops.Serve(ctx, log, cfg.OpsAddr, ops.NewRouter(res.Checks()...))
	}()

	// The memory queue is process-local, so its jobs are drained here.
	if cfg.Queue.Backend == "memory" {
		go func() {
			errCh <- manager.Process(ctx)
		}()
	}

	log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()), slog.String("ops_addr", cfg.OpsAddr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		healthServer.Shutdown()
		shutdown(log, grpcServer, cfg.ShutdownTimeout)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}
