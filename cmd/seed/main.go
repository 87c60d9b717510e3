package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/api"
	"github.com/hackgods/hospital-appointments/internal/appointment"
	"github.com/hackgods/hospital-appointments/internal/config"
	"github.com/hackgods/hospital-appointments/internal/db"
	"github.com/hackgods/hospital-appointments/internal/logging"
)

const batchSize = 500

var seedCounts = []struct {
	role  appointment.Role
	count int
}{
	{appointment.RoleAdmin, 2},
	{appointment.RoleReceptionist, 10},
	{appointment.RoleDoctor, 100},
	{appointment.RolePatient, 9000},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		log.Fatal("seed only works with STORE_DRIVER=postgres")
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("seed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, db.PoolOptions{DSN: cfg.PostgresDSN, MaxConns: int32(cfg.PostgresMaxConn)}, logger)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	first := make(map[appointment.Role]string)
	for _, sc := range seedCounts {
		id, err := seedUsers(ctx, pool, faker, sc.role, sc.count, logger)
		if err != nil {
			logger.Fatal("seed users", zap.String("role", string(sc.role)), zap.Error(err))
		}
		first[sc.role] = id
	}

	// one token per role so the API can be exercised right away
	for _, sc := range seedCounts {
		token, err := api.SignToken([]byte(cfg.JWTSecret), first[sc.role], sc.role, 24*time.Hour)
		if err != nil {
			logger.Fatal("sign token", zap.Error(err))
		}
		fmt.Printf("%-13s %s\n  %s\n", sc.role, first[sc.role], token)
	}

	logger.Info("seed complete")
}

// seedUsers inserts count users of one role in batches and returns the id
// of the first one.
func seedUsers(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, role appointment.Role, count int, logger *zap.Logger) (string, error) {
	logger.Info("seeding users", zap.String("role", string(role)), zap.Int("count", count))

	var first string
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			id := fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
			if first == "" {
				first = id
			}

			name := faker.Name()
			if role == appointment.RoleDoctor {
				name = "Dr. " + faker.LastName()
			}
			email := strings.ToLower(fmt.Sprintf("%s.%s@%s", faker.FirstName(), id, faker.DomainName()))

			batch.Queue(`
				INSERT INTO users (id, role, name, email, is_active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, TRUE, now(), now())
				ON CONFLICT (id) DO NOTHING
			`, id, string(role), name, email)
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return "", fmt.Errorf("insert %s batch: %w", role, err)
		}

		logger.Debug("users seeded", zap.String("role", string(role)), zap.Int("done", end), zap.Int("total", count))
	}

	return first, nil
}
