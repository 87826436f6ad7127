package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/catalog"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/migrations"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/rewards"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthServiceName = "creditmeter.Ledger"
	healthProbeEvery  = 15 * time.Second
)

// services holds the wired domain layer shared by every subcommand.
type services struct {
	ledger   *ledger.Service
	rewards  *rewards.Engine
	registry *prometheus.Registry
	store    openedStore
}

func buildServices(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (services, error) {
	costs, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return services{}, err
	}
	opened, err := openStore(ctx, cfg, logger)
	if err != nil {
		return services{}, fmt.Errorf("database open: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		opened.cleanup()
		return services{}, err
	}
	operationLogger := ledger.CombineOperationLoggers(oplog.NewZapLogger(logger), recorder)

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(opened.store, clock,
		ledger.WithCostTable(costs),
		ledger.WithOperationLogger(operationLogger),
	)
	if err != nil {
		opened.cleanup()
		return services{}, fmt.Errorf("ledger service init: %w", err)
	}

	step := costs.RewardStep()
	if cfg.RewardStep > 0 {
		step = cfg.RewardStep
	}
	tracker, err := rewards.NewTracker(step)
	if err != nil {
		opened.cleanup()
		return services{}, err
	}
	engine, err := rewards.NewEngine(ledgerService, tracker, costs.Prizes(), rewards.WithOperationLogger(operationLogger))
	if err != nil {
		opened.cleanup()
		return services{}, fmt.Errorf("reward engine init: %w", err)
	}

	return services{ledger: ledgerService, rewards: engine, registry: registry, store: opened}, nil
}

func runServe(cmd *cobra.Command, cfg *runtimeConfig) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	wired, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer wired.store.cleanup()

	apiServer, err := httpapi.NewServer(cfg.HTTP, wired.ledger, wired.rewards, wired.registry, logger)
	if err != nil {
		return fmt.Errorf("http api init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return apiServer.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("gRPC health server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		watchDatabase(groupCtx, wired.store, healthServer, logger)
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// watchDatabase reports SERVING while the database answers pings and returns when ctx ends.
func watchDatabase(ctx context.Context, opened openedStore, healthServer *health.Server, logger *zap.Logger) {
	ticker := time.NewTicker(healthProbeEvery)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if err := opened.ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("database ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus("", status)
		healthServer.SetServingStatus(healthServiceName, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runMigrate(cmd *cobra.Command, cfg *runtimeConfig) error {
	driver, _, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if driver != driverPostgres {
		return fmt.Errorf("migrate requires a postgres database url; sqlite schemas are created on open")
	}
	version, err := migrations.Apply(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
	return nil
}

func runReconcile(cmd *cobra.Command, cfg *runtimeConfig, rawUserID string) error {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	wired, err := buildServices(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer wired.store.cleanup()

	report, err := wired.ledger.Reconcile(cmd.Context(), userID)
	fmt.Fprintf(cmd.OutOrStdout(), "user=%s balance=%d earned=%d spent=%d history=%d consistent=%t\n",
		userID.String(), report.Balance.Available, report.Balance.TotalEarned, report.Balance.TotalSpent,
		report.TransactionSum, report.Consistent)
	return err
}
