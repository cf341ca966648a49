package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/agenttrace/internal/broker"
	"github.com/xela07ax/agenttrace/internal/collector"
	"github.com/xela07ax/agenttrace/internal/dedup"
	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/infra"
	"github.com/xela07ax/agenttrace/internal/infra/auth"
	"github.com/xela07ax/agenttrace/internal/persist"
	"github.com/xela07ax/agenttrace/internal/projector"
	"github.com/xela07ax/agenttrace/internal/repository/postgres"
	"github.com/xela07ax/agenttrace/internal/session"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Контекст жизненного цикла фоновых горутин (вытеснение сессий)
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := infra.InitTracing(appCtx, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := collector.NewMetrics(reg)

	// 2. Журнал идемпотентности: Redis (общий для реплик) или память процесса
	var store dedup.Store = dedup.NewMemoryStore()
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		pingCancel()
		store = dedup.NewRedisStore(rdb, cfg.Redis.DedupTTL)
	}

	// 3. Write-through в Postgres (опционально)
	registryOpts := []session.Option{session.WithProjector(projector.New(projector.DefaultPrices()))}
	var (
		writer   *persist.Writer
		batcher  *persist.EventBatcher
		eventDB  *postgres.EventRepo
		failures collector.FailureSource
		closeDB  = func() {}
	)
	if cfg.Database.URL != "" {
		eventDB, err = postgres.OpenEventRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to open event store", zap.Error(err))
		}
		migrateCtx, migrateCancel := context.WithTimeout(appCtx, 15*time.Second)
		if err := eventDB.Ping(migrateCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		if err := eventDB.Migrate(migrateCtx); err != nil {
			logger.Fatal("failed to apply schema", zap.Error(err))
		}
		migrateCancel()

		pool, err := postgres.NewPool(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			logger.Fatal("failed to open session store", zap.Error(err))
		}
		sessionDB := postgres.NewSessionRepo(pool)

		guardCfg := func(name string) persist.GuardConfig {
			return persist.GuardConfig{
				Name:          name,
				Attempts:      cfg.Persistence.RetryAttempts,
				CBMaxRequests: cfg.Persistence.CBMaxRequests,
				CBInterval:    cfg.Persistence.CBInterval,
				CBTimeout:     cfg.Persistence.CBTimeout,
				RateLimit:     cfg.Persistence.RateLimit,
				OnStateChange: func(name string, open bool) {
					state := 0.0
					if open {
						state = 1
						logger.Warn("storage circuit breaker opened", zap.String("store", name))
					}
					metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
				},
			}
		}

		failureLog := persist.NewFailureLog(cfg.Persistence.FailureLogSize)
		batcher = persist.NewEventBatcher(
			persist.NewGuardedEventStore(eventDB, persist.NewGuard(guardCfg("events"))),
			persist.BatcherConfig{
				QueueSize:     cfg.Collector.QueueSize * 4,
				BatchSize:     cfg.Persistence.BatchSize,
				FlushInterval: cfg.Persistence.FlushInterval,
			},
			func(rows []persist.EventRow, err error) { writer.RecordBatchFailure(rows, err) },
			logger,
		)
		writer = persist.NewWriter(
			batcher,
			persist.NewGuardedSessionStore(sessionDB, persist.NewGuard(guardCfg("sessions"))),
			failureLog,
			logger,
			persist.WithMaxTextLength(cfg.Persistence.MaxTextLength),
			persist.WithFailureHook(func(store string) {
				metrics.PersistenceFailures.WithLabelValues(store).Inc()
			}),
		)
		batcher.Start()

		failures = failureLog
		registryOpts = append(registryOpts, session.WithLoader(sessionDB), session.WithWriter(writer))
		closeDB = func() {
			batcher.Stop()
			pool.Close()
			if err := eventDB.Close(); err != nil {
				logger.Warn("failed to close event store", zap.Error(err))
			}
		}
		logger.Info("persistence enabled", zap.Int32("max_conns", cfg.Database.MaxConns))
	}

	// 4. Реестр сессий и сервис приема
	registry := session.NewRegistry(logger, registryOpts...)
	if cfg.Database.URL != "" && cfg.Session.IdleTTL > 0 {
		go registry.RunEviction(appCtx, cfg.Session.IdleTTL, cfg.Session.EvictInterval)
	}

	svc := collector.NewService(store, collector.Config{
		Workers:   cfg.Collector.Workers,
		QueueSize: cfg.Collector.QueueSize,
	}, metrics, logger)
	// Порядок важен: обогащение -> свертка -> вторичные процессоры
	svc.Use(collector.GitEnrichProcessor{}, collector.NewProjectionProcessor(registry))
	if cfg.Collector.TranscriptReingest {
		svc.Use(collector.NewTranscriptTrigger(svc, logger))
	}

	var publisher *broker.Publisher
	if cfg.NATS.Enabled {
		publisher, err = broker.Connect(appCtx, broker.Config{
			URL:     cfg.NATS.URL,
			Stream:  cfg.NATS.Stream,
			Subject: cfg.NATS.Subject,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect broker", zap.Error(err))
		}
		svc.Use(publisher)
	}
	svc.Start()

	// 5. HTTP и gRPC
	validator := auth.NewSharedSecretValidator(cfg.Server.AuthToken)
	tier := domain.PrivacyTier(cfg.Collector.DefaultPrivacyTier)
	receiver := collector.NewLogsReceiver(svc, tier, metrics, logger)

	httpCfg := collector.HTTPConfig{
		Validator:    validator,
		Importer:     registry,
		Gatherer:     reg,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if failures != nil {
		httpCfg.Failures = failures
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      collector.NewServer(svc, receiver, httpCfg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor(validator)))
	collogspb.RegisterLogsServiceServer(grpcSrv, receiver)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
	}
	go func() {
		logger.Info("OTLP gRPC receiver started", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("collector HTTP started", zap.String("addr", srv.Addr), zap.Bool("auth", validator.Enabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("collector stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	// Сначала дочищаем очереди процессоров, затем сбрасываем пачки в базу
	svc.Close()
	cancel()
	closeDB()
	if publisher != nil {
		publisher.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	logger.Info("collector exited properly")
}
