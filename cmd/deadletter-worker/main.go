package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/audit"
	"github.com/hackgods/hospital-appointments/internal/config"
	"github.com/hackgods/hospital-appointments/internal/db"
	"github.com/hackgods/hospital-appointments/internal/dispatch"
	"github.com/hackgods/hospital-appointments/internal/logging"
	"github.com/hackgods/hospital-appointments/internal/notify"
	redisclient "github.com/hackgods/hospital-appointments/internal/redis"
)

// letters replayed per sink per run
const batchSize = 500

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
	logger = logger.Named("deadletter-worker")

	if !cfg.RedisEnabled() {
		logger.Fatal("REDIS_URL or REDIS_ADDR is required, dead letters live in redis")
	}

	logger.Info("deadletter-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.DeadLetterInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()

	var auditSink audit.Sink = audit.NewLogSink(logger)
	if cfg.StoreDriver == config.StoreDriverPostgres {
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, db.PoolOptions{DSN: cfg.PostgresDSN, MaxConns: int32(cfg.PostgresMaxConn)}, logger)
		cancelPg()
		if err != nil {
			logger.Fatal("postgres connection error", zap.Error(err))
		}
		defer pgPool.Close()
		auditSink = audit.NewPgSink(pgPool)
	}

	notifySink, closeNotify, err := notify.Open(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("notification sink error", zap.Error(err))
	}
	defer closeNotify()

	dead := dispatch.NewRedisDeadLetters(rdb)
	replayer := dispatch.Replayer{Audit: auditSink, Notify: notifySink}

	// Run once at startup
	runOnce(rootCtx, logger, dead, replayer)

	ticker := time.NewTicker(cfg.DeadLetterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping deadletter worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, logger, dead, replayer)
		}
	}
}

func runOnce(ctx context.Context, logger *zap.Logger, dead dispatch.DeadLetters, replayer dispatch.Replayer) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	for _, sink := range []string{dispatch.SinkAudit, dispatch.SinkNotification} {
		n, err := dead.Drain(runCtx, sink, batchSize, replayer.Replay)
		if err != nil && !errors.Is(err, context.Canceled) {
			// the failing letter was put back; the next tick retries it
			logger.Warn("replay stopped early", zap.String("sink", sink), zap.Int("replayed", n), zap.Error(err))
			continue
		}

		remaining, _ := dead.Len(runCtx, sink)
		if n > 0 || remaining > 0 {
			logger.Info("dead letters replayed",
				zap.String("sink", sink),
				zap.Int("replayed", n),
				zap.Int64("remaining", remaining),
			)
		}
	}
	logger.Debug("replay run complete", zap.Duration("took", time.Since(start)))
}
