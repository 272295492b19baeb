package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/commitment-vault/internal/api"
	"github.com/xela07ax/commitment-vault/internal/app"
	"github.com/xela07ax/commitment-vault/internal/custody"
	"github.com/xela07ax/commitment-vault/internal/infra"
	"github.com/xela07ax/commitment-vault/internal/infra/auth"
	"github.com/xela07ax/commitment-vault/internal/journal"
	"github.com/xela07ax/commitment-vault/internal/repository/postgres"
	redisrepo "github.com/xela07ax/commitment-vault/internal/repository/redis"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

// custodyService: имя сервиса в gRPC health, отражает состояние предохранителя
const custodyService = "vault.custody"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	// 1. Конфигурация и логгер
	var (
		cfg *infra.Config
		err error
	)
	if *configPath != "" {
		cfg, err = infra.LoadConfigFile(*configPath)
	} else {
		cfg, err = infra.LoadConfig()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	// 3. Инфраструктура журнала: Postgres (хранилище) и Redis (раздача)
	var (
		store    journal.Store = journal.NewLogStore(logger)
		history  api.EventReader
		db       *sql.DB
		rdb      *redis.Client
		jOptions []journal.Option
	)
	if cfg.Database.URL != "" {
		db, err = postgres.Open(cfg.Database.URL, postgres.PoolConfig{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			logger.Fatal("database open failed", zap.Error(err))
		}
		repo := postgres.NewEventRepo(db)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := repo.Ping(ctx); err != nil {
			cancel()
			logger.Fatal("database unreachable", zap.Error(err))
		}
		if cfg.Database.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				cancel()
				logger.Fatal("database migration failed", zap.Error(err))
			}
		}
		cancel()
		store = repo
		history = repo
	} else {
		logger.Warn("database.url is empty: events are written to the log only")
	}

	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			logger.Fatal("redis unreachable", zap.Error(err))
		}
		cancel()
		jOptions = append(jOptions, journal.WithPublisher(redisrepo.NewEventPublisher(rdb, logger)))
	}

	jOptions = append(jOptions, journal.WithConfig(journal.Config{
		BufferSize:    cfg.Journal.BufferSize,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		FlushAttempts: cfg.Journal.FlushAttempts,
		RetryDelay:    cfg.Journal.RetryDelay,
	}))
	events := journal.New(store, logger, metrics, jOptions...)
	events.Start()

	// 4. Кастодиан: dev-хранилище за лимитером и предохранителем
	vault := custody.NewVault(logger)
	if err := app.SeedVault(vault, cfg.Custody.Seed); err != nil {
		logger.Fatal("custody seed failed", zap.Error(err))
	}
	protected := custody.NewProtected(vault, custody.Settings{
		Name:                "custody",
		RatePerSecond:       cfg.Custody.RatePerSecond,
		Burst:               cfg.Custody.Burst,
		CallTimeout:         cfg.Custody.CallTimeout,
		MaxHalfOpenRequests: cfg.Custody.CBMaxRequests,
		Interval:            cfg.Custody.CBInterval,
		OpenTimeout:         cfg.Custody.CBTimeout,
		ConsecutiveFailures: cfg.Custody.ConsecutiveFailures,
	}, logger)

	// 5. Ядро
	core, err := app.NewCore(cfg, protected, events, metrics, logger)
	if err != nil {
		logger.Fatal("core assembly failed", zap.Error(err))
	}

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Аварийный стоп оператора через Redis
	if rdb != nil {
		go redisrepo.ListenPauseSignals(appCtx, rdb, logger, infra.RedisChanPause, nil, func(sig redisrepo.PauseSignal) {
			if err := core.ApplyPause(appCtx, cfg.Registry.Admin, sig); err != nil {
				logger.Error("pause signal failed", zap.String("target", sig.Target), zap.Error(err))
			}
		})
	}

	// 6. HTTP API (RS256)
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key", zap.Error(err))
	}
	handler := api.NewServer(api.Deps{
		Registry:   core.Registry,
		Collateral: core.Collateral,
		Allocation: core.Allocation,
		Compliance: core.Compliance,
		Events:     history,
		Validator:  auth.NewBaseValidator(pubKey),
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспортируем метрики для Prometheus
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: metricsMux(cfg.Metrics.Path, reg),
	}
	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 7. gRPC health для проб оркестратора
	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(custodyService, healthpb.HealthCheckResponse_SERVING)

	go watchCustody(appCtx, protected, hs, logger)

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.Error(err))
		}
		logger.Info("gRPC health server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("commitment vault started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("commitment vault stopping...")
	cancel()
	hs.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Журнал последним: все операции уже завершены, дописываем буфер
	events.Stop()
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	logger.Info("commitment vault exited properly")
}

func metricsMux(path string, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// watchCustody переводит health кастодиана в NOT_SERVING, пока предохранитель открыт
func watchCustody(ctx context.Context, p *custody.Protected, hs *health.Server, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := gobreaker.StateClosed
	for {
		select {
		case <-ticker.C:
			state := p.State()
			if state == last {
				continue
			}
			last = state
			status := healthpb.HealthCheckResponse_SERVING
			if state == gobreaker.StateOpen {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus(custodyService, status)
			logger.Warn("custody health changed", zap.String("breaker", state.String()))
		case <-ctx.Done():
			return
		}
	}
}
