package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/hospital-appointments/internal/api"
	"github.com/hackgods/hospital-appointments/internal/appointment"
	"github.com/hackgods/hospital-appointments/internal/audit"
	"github.com/hackgods/hospital-appointments/internal/config"
	"github.com/hackgods/hospital-appointments/internal/db"
	"github.com/hackgods/hospital-appointments/internal/directory"
	"github.com/hackgods/hospital-appointments/internal/dispatch"
	"github.com/hackgods/hospital-appointments/internal/logging"
	"github.com/hackgods/hospital-appointments/internal/metrics"
	"github.com/hackgods/hospital-appointments/internal/notify"
	redisclient "github.com/hackgods/hospital-appointments/internal/redis"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("notify_backend", cfg.NotifyBackend),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "hospital")

	slots := appointment.MustSlotCatalog(appointment.DefaultSlots)
	if len(cfg.ClinicSlots) > 0 {
		c, err := appointment.NewSlotCatalog(cfg.ClinicSlots)
		if err != nil {
			return fmt.Errorf("CLINIC_SLOTS: %w", err)
		}
		slots = c
	}

	var (
		err        error
		pgPool     *pgxpool.Pool
		store      appointment.Store
		users      appointment.UserDirectory
		auditSink  audit.Sink
		rdb        *redis.Client
		locker     redisclient.Locker
		deadLetter dispatch.DeadLetters
	)

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, db.PoolOptions{DSN: cfg.PostgresDSN, MaxConns: int32(cfg.PostgresMaxConn)}, logger)
		if err == nil {
			_, err = db.Migrate(pgCtx, pgPool, logger)
		}
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pgPool.Close()

		store = appointment.NewPgRepository(pgPool)
		users = directory.NewPgDirectory(pgPool)
		auditSink = audit.NewPgSink(pgPool)
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		store = appointment.NewMemoryStore()
		users = directory.NewMemory(demoUsers()...)
		auditSink = audit.NewLogSink(logger)
	}

	if cfg.DirectoryCacheTTL > 0 {
		users = directory.NewCached(users, cfg.DirectoryCacheTTL)
	}

	if cfg.RedisEnabled() {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", zap.Error(err))
			}
		}()
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

		if cfg.UseSlotLock {
			locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
		}
		deadLetter = dispatch.NewRedisDeadLetters(rdb)
	} else {
		deadLetter = dispatch.NewMemoryDeadLetters()
	}

	notifySink, closeNotify, err := notify.Open(rootCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("notification sink: %w", err)
	}
	defer closeNotify()

	qcfg := dispatch.Config{
		Workers:     cfg.DispatchWorkers,
		QueueSize:   cfg.DispatchQueueSize,
		MaxAttempts: cfg.DispatchMaxAttempts,
		Backoff:     cfg.DispatchBackoff,
	}
	auditQueue := dispatch.NewAuditQueue(auditSink, qcfg, deadLetter, logger, m)
	notifyQueue := dispatch.NewNotifyQueue(notifySink, qcfg, deadLetter, logger, m)
	auditQueue.Start(rootCtx)
	notifyQueue.Start(rootCtx)

	svc := appointment.NewService(appointment.Deps{
		Store:   store,
		Users:   users,
		Locker:  locker,
		Slots:   slots,
		Audit:   auditQueue,
		Notify:  notifyQueue,
		Log:     logger,
		Metrics: m,
	})

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		PgPool:       pgPool,
		Redis:        rdb,
		Log:          logger,
		Metrics:      m,
		Gatherer:     reg,
		JWTSecret:    []byte(cfg.JWTSecret),
		RateLimitRPS: cfg.RateLimitRPS,
		CORSOrigins:  cfg.CORSOrigins,
		TrustProxy:   cfg.TrustProxyHeaders,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", zap.Error(err))
		}
		if err := auditQueue.Close(shutdownCtx); err != nil {
			logger.Error("audit queue did not drain", zap.Error(err))
		}
		if err := notifyQueue.Close(shutdownCtx); err != nil {
			logger.Error("notification queue did not drain", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// demoUsers backs the memory store driver so the API is usable without a
// database.
func demoUsers() []appointment.User {
	return []appointment.User{
		{ID: "admin-1", Role: appointment.RoleAdmin},
		{ID: "reception-1", Role: appointment.RoleReceptionist},
		{ID: "doctor-1", Role: appointment.RoleDoctor},
		{ID: "doctor-2", Role: appointment.RoleDoctor},
		{ID: "patient-1", Role: appointment.RolePatient},
		{ID: "patient-2", Role: appointment.RolePatient},
		{ID: "patient-3", Role: appointment.RolePatient},
	}
}
