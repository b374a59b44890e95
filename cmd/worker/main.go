package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrouting-platform/internal/calls"
	"callrouting-platform/internal/config"
	"callrouting-platform/internal/eventbus"
	"callrouting-platform/internal/metrics"
	"callrouting-platform/pkg/logger"
	"callrouting-platform/pkg/utils"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// The worker projects call lifecycle events into Postgres. Live buyer
// concurrency is read from that projection.
func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "worker").With("consumer", cfg.Worker.Consumer)
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	metrics.Register()

	bus := eventbus.NewRedisBus(rdb, eventbus.RedisOptions{
		Stream:    cfg.EventBus.Stream,
		MaxLen:    cfg.EventBus.MaxLen,
		BatchSize: cfg.EventBus.BatchSize,
		Block:     cfg.EventBus.Block,
		ClaimIdle: cfg.EventBus.ClaimIdle,
	}, log)

	projector := calls.NewProjector(calls.NewPostgresRepo(db), log)
	unsubscribe, err := bus.Subscribe(rootCtx, eventbus.ChannelCall, cfg.Worker.Group, cfg.Worker.Consumer, projector.Handle)
	if err != nil {
		log.Error("subscribe failed", "group", cfg.Worker.Group, "err", err)
		os.Exit(1)
	}

	// gRPC health for orchestrators. Serving flips with the Postgres ping.
	hs := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	lis, err := net.Listen("tcp", cfg.WorkerGRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", "addr", cfg.WorkerGRPCAddr(), "err", err)
		os.Exit(1)
	}
	go func() {
		log.Info("worker health listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server failed", "err", err)
			stop()
		}
	}()
	go watchHealth(rootCtx, hs, func(ctx context.Context) error {
		return utils.HealthCheck(ctx, db, 2*time.Second)
	}, log)

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	hs.Shutdown()
	// Waits for the in-flight handler so its entry is acked or left pending.
	unsubscribe()
	grpcServer.GracefulStop()
	log.Info("worker stopped")
}

func watchHealth(ctx context.Context, hs *health.Server, check func(context.Context) error, log *slog.Logger) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if last != status {
				log.Warn("worker unhealthy", "err", err)
			}
		}
		if status != last {
			hs.SetServingStatus("", status)
			last = status
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
