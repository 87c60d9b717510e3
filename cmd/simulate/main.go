package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/hospital-appointments/internal/api"
	"github.com/hackgods/hospital-appointments/internal/appointment"
	"github.com/hackgods/hospital-appointments/internal/config"
	"github.com/hackgods/hospital-appointments/internal/db"
	"github.com/hackgods/hospital-appointments/internal/logging"
)

// SimConfig drives rounds of same-slot contention against a running API.
type SimConfig struct {
	APIBaseURL   string
	Rounds       int
	Contenders   int     // concurrent bookings per round, all for one slot
	CancelRatio  float64 // share of rounds whose winner is cancelled and rebooked
	DoctorLimit  int
	PatientLimit int
}

type Simulator struct {
	config   SimConfig
	secret   []byte
	doctors  []string
	patients []string
	slots    []string
	client   *http.Client
	log      *zap.Logger

	booking    OperationMetrics
	cancel     OperationMetrics
	rebook     OperationMetrics
	violations int64
}

func main() {
	base, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	logger, err := logging.NewZapLogger(base.LogLevel, base.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger = logger.Named("simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doctors, patients, err := loadUsers(ctx, base, cfg, logger)
	if err != nil {
		logger.Fatal("load users", zap.Error(err))
	}
	if len(patients) < cfg.Contenders {
		logger.Fatal("not enough patients for the requested contention",
			zap.Int("patients", len(patients)), zap.Int("contenders", cfg.Contenders))
	}

	slots := base.ClinicSlots
	if len(slots) == 0 {
		slots = appointment.DefaultSlots
	}

	sim := &Simulator{
		config:   cfg,
		secret:   []byte(base.JWTSecret),
		doctors:  doctors,
		patients: patients,
		slots:    slots,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger,
	}

	logger.Info("simulation starting",
		zap.Int("rounds", cfg.Rounds),
		zap.Int("contenders", cfg.Contenders),
		zap.Int("doctors", len(doctors)),
		zap.Int("patients", len(patients)),
	)

	sim.Run(context.Background())
	sim.PrintReport()

	if atomic.LoadInt64(&sim.violations) > 0 {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Rounds:       getInt("SIM_ROUNDS", 200),
		Contenders:   getInt("SIM_CONTENDERS", 2),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.3),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 50),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Rounds <= 0 {
		return fmt.Errorf("SIM_ROUNDS must be > 0")
	}
	if cfg.Contenders < 2 {
		return fmt.Errorf("SIM_CONTENDERS must be >= 2")
	}
	return nil
}

// loadUsers reads doctor and patient ids from Postgres, or falls back to the
// fixed accounts of the memory store driver.
func loadUsers(ctx context.Context, base config.Config, cfg SimConfig, logger *zap.Logger) ([]string, []string, error) {
	if base.StoreDriver != config.StoreDriverPostgres {
		return []string{"doctor-1", "doctor-2"}, []string{"patient-1", "patient-2", "patient-3"}, nil
	}

	pool, err := db.ConnectPostgres(ctx, db.PoolOptions{DSN: base.PostgresDSN, MaxConns: 4}, logger)
	if err != nil {
		return nil, nil, err
	}
	defer pool.Close()

	load := func(role appointment.Role, limit int) ([]string, error) {
		rows, err := pool.Query(ctx, `
			SELECT id FROM users
			WHERE role = $1 AND is_active
			ORDER BY id
			LIMIT $2
		`, string(role), limit)
		if err != nil {
			return nil, fmt.Errorf("load %ss: %w", role, err)
		}
		return pgx.CollectRows(rows, pgx.RowTo[string])
	}

	doctors, err := load(appointment.RoleDoctor, cfg.DoctorLimit)
	if err != nil {
		return nil, nil, err
	}
	patients, err := load(appointment.RolePatient, cfg.PatientLimit)
	if err != nil {
		return nil, nil, err
	}
	if len(doctors) == 0 || len(patients) == 0 {
		return nil, nil, fmt.Errorf("no users found, run cmd/seed first")
	}
	return doctors, patients, nil
}

func (s *Simulator) Run(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for round := 0; round < s.config.Rounds; round++ {
		doctor := s.doctors[rng.Intn(len(s.doctors))]
		day := time.Now().AddDate(0, 0, 1+rng.Intn(365)).Format("2006-01-02")
		slot := s.slots[rng.Intn(len(s.slots))]

		contenders := rng.Perm(len(s.patients))[:s.config.Contenders]
		winners := s.contend(ctx, doctor, day, slot, contenders)

		if len(winners) > 1 {
			atomic.AddInt64(&s.violations, 1)
			s.log.Error("slot booked more than once",
				zap.String("doctor_id", doctor),
				zap.String("date", day),
				zap.String("slot", slot),
				zap.Int("winners", len(winners)),
			)
			continue
		}

		if len(winners) == 1 && rng.Float64() < s.config.CancelRatio {
			s.cancelAndRebook(ctx, winners[0], doctor, day, slot, contenders)
		}
	}
}

// contend fires one booking per contender for the same slot at once and
// returns the ids of the appointments that were created.
func (s *Simulator) contend(ctx context.Context, doctor, day, slot string, contenders []int) []uuid.UUID {
	ids := make([]uuid.UUID, len(contenders))

	g, gctx := errgroup.WithContext(ctx)
	for i, idx := range contenders {
		patient := s.patients[idx]
		g.Go(func() error {
			id, status := s.book(gctx, patient, doctor, day, slot)
			s.booking.Record(status.latency, status.code == http.StatusCreated, status.code == http.StatusConflict)
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	var winners []uuid.UUID
	for _, id := range ids {
		if id != uuid.Nil {
			winners = append(winners, id)
		}
	}
	return winners
}

func (s *Simulator) cancelAndRebook(ctx context.Context, id uuid.UUID, doctor, day, slot string, contenders []int) {
	token, err := api.SignToken(s.secret, "sim-reception", appointment.RoleReceptionist, time.Hour)
	if err != nil {
		s.log.Error("sign token", zap.Error(err))
		return
	}

	body, _ := json.Marshal(map[string]string{"cancellationReason": "simulated cancellation"})
	res := s.send(ctx, http.MethodDelete, "/appointments/"+id.String(), token, body, nil)
	s.cancel.Record(res.latency, res.code == http.StatusOK, res.code == http.StatusConflict)
	if res.code != http.StatusOK {
		return
	}

	// the slot is free again, so a single rebooking must win
	patient := s.patients[contenders[len(contenders)-1]]
	newID, st := s.book(ctx, patient, doctor, day, slot)
	s.rebook.Record(st.latency, st.code == http.StatusCreated, st.code == http.StatusConflict)
	if newID == uuid.Nil {
		atomic.AddInt64(&s.violations, 1)
		s.log.Error("cancelled slot could not be rebooked",
			zap.String("doctor_id", doctor), zap.String("date", day), zap.String("slot", slot), zap.Int("status", st.code))
	}
}

type result struct {
	code    int
	latency time.Duration
}

func (s *Simulator) book(ctx context.Context, patient, doctor, day, slot string) (uuid.UUID, result) {
	token, err := api.SignToken(s.secret, patient, appointment.RolePatient, time.Hour)
	if err != nil {
		return uuid.Nil, result{}
	}

	body, _ := json.Marshal(map[string]any{
		"patientId": patient,
		"doctorId":  doctor,
		"date":      day,
		"slot":      slot,
		"fee":       5000,
	})

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	res := s.send(ctx, http.MethodPost, "/appointments", token, body, &created)
	if res.code != http.StatusCreated {
		return uuid.Nil, res
	}
	return created.ID, res
}

func (s *Simulator) send(ctx context.Context, method, path, token string, body []byte, out any) result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return result{latency: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.log.Debug("request failed", zap.String("path", path), zap.Error(err))
		return result{latency: latency}
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return result{code: resp.StatusCode, latency: latency}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Rounds: %d\n", s.config.Rounds)
	fmt.Printf("Contenders per round: %d\n", s.config.Contenders)
	fmt.Printf("Double bookings: %d\n", atomic.LoadInt64(&s.violations))
	fmt.Println()

	printOperationReport("Booking", &s.booking)
	printOperationReport("Cancel", &s.cancel)
	printOperationReport("Rebook after cancel", &s.rebook)
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
