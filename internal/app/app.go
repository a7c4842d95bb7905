package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
	healthcheck "github.com/vladislavdragonenkov/funnel/internal/health"
	"github.com/vladislavdragonenkov/funnel/internal/metrics"
	"github.com/vladislavdragonenkov/funnel/internal/service/funnel"
	grpcsvc "github.com/vladislavdragonenkov/funnel/internal/service/grpc"
	"github.com/vladislavdragonenkov/funnel/internal/service/idempotency"
	"github.com/vladislavdragonenkov/funnel/internal/service/outbox"
	"github.com/vladislavdragonenkov/funnel/internal/service/reconcile"
	"github.com/vladislavdragonenkov/funnel/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/funnel/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает хранилище, воронку, фоновые воркеры и три сервера
// (публичный HTTP API, admin gRPC, метрики) и держит их до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	offers, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	funnelMetrics := metrics.NewFunnelMetrics()
	gateway, err := initGateway(cfg, funnelMetrics, logger)
	if err != nil {
		return err
	}

	svc, err := funnel.NewService(funnel.Dependencies{
		Sessions: deps.sessions,
		Orders:   deps.orders,
		Outbox:   deps.outboxRepo,
		Timeline: deps.timelineRepo,
		Gateway:  gateway,
		Catalog:  offers,
	},
		funnel.WithConfig(funnel.Config{
			SessionTTL:         cfg.SessionTTL,
			PaymentTimeout:     cfg.PaymentTimeout,
			ReconcileAfter:     cfg.ReconcileAfter,
			PollInterval:       cfg.PollInterval,
			MaxPaymentAttempts: cfg.MaxPaymentAttempts,
		}),
		funnel.WithLogger(logger.WithField("layer", "funnel")),
		funnel.WithMetrics(funnelMetrics),
	)
	if err != nil {
		return fmt.Errorf("create funnel service: %w", err)
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	bus := initWorkflowBus(workersCtx, cfg, svc, logger)
	defer bus.close(logger)

	var workers sync.WaitGroup
	startWorkers(workersCtx, &workers, cfg, deps, bus, svc)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.store != nil {
		healthHandler.RegisterChecker("database", healthcheck.NewDatabaseChecker(deps.store))
	}
	if bus.publisher() != nil {
		healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxChecker(deps.outboxRepo, cfg.OutboxStaleAfter, nil))
	}

	grpcServer, healthServer := newGRPCServer(svc, logger)

	api := httpapi.NewServer(httpapi.Config{
		Service:        svc,
		Offers:         offers,
		Idempotency:    deps.idempotencyRepo,
		WebhookSecret:  cfg.WebhookSecret,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Metrics:        metrics.NewHTTPMetrics(prometheus.DefaultRegisterer),
		Logger:         logger.WithField("layer", "http"),
	})

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		stopWorkers()
		workers.Wait()
		return err
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		stopWorkers()
		workers.Wait()
		return err
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	apiSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := apiSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, logger)
	shutdownHTTP(metricsSrv, logger)

	stopWorkers()
	workers.Wait()
	return runErr
}

// startWorkers запускает outbox, очистку idempotency-ключей и сверку сессий.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg Config, deps *runtimeDependencies, bus *workflowBus, svc *funnel.Service) {
	outboxWorker := outbox.NewWorker(deps.outboxRepo, bus.publisher(),
		outbox.WithDLQPublisher(bus.dlq()),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	sweepWorker := reconcile.NewWorker(svc,
		reconcile.WithInterval(cfg.SweepInterval),
		reconcile.WithBatchSize(cfg.SweepBatchSize),
	)

	for _, run := range []func(context.Context){outboxWorker.Run, cleanupWorker.Run, sweepWorker.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
}

// newGRPCServer собирает admin gRPC сервер с метриками, health и reflection.
func newGRPCServer(svc grpcsvc.Funnel, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	grpcsvc.RegisterSessionAdminServer(grpcServer, grpcsvc.NewAdminService(svc, logger.WithField("layer", "grpc")))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.AdminServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)
	return grpcServer, healthServer
}

// stopGRPC ждёт завершения активных вызовов не дольше shutdownTimeout.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health-эндпоинты.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
