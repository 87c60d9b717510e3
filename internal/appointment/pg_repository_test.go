package appointment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/hospital-appointments/internal/db/dbtest"
)

func newPgFixture(t *testing.T) (*Service, *PgRepository, *pgxpool.Pool) {
	t.Helper()

	pool := dbtest.Pool(t)
	dbtest.SeedUsers(t, pool, map[string]string{
		"P1": "patient", "P2": "patient", "P3": "patient", "P4": "patient",
		"D1": "doctor", "R1": "receptionist",
	})

	repo := NewPgRepository(pool)
	svc := NewService(Deps{
		Store: repo,
		Users: &mockUserDirectory{users: map[string]Role{
			"P1": RolePatient, "P2": RolePatient, "P3": RolePatient, "P4": RolePatient,
			"D1": RoleDoctor, "R1": RoleReceptionist,
		}},
	})
	return svc, repo, pool
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func TestPgRepository_ConcurrentBookingsHaveOneWinner(t *testing.T) {
	svc, _, pool := newPgFixture(t)
	ctx := context.Background()

	const rounds = 30
	contenders := []Actor{
		{ID: "P1", Role: RolePatient}, {ID: "P2", Role: RolePatient},
		{ID: "P3", Role: RolePatient}, {ID: "P4", Role: RolePatient},
	}
	slots := svc.Slots().All()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for round := 0; round < rounds; round++ {
		day := DayOf(start.AddDate(0, 0, round/len(slots)))
		slot := slots[round%len(slots)]

		var (
			wg        sync.WaitGroup
			wins      int32
			conflicts int32
			ready     = make(chan struct{})
		)
		for _, c := range contenders {
			wg.Add(1)
			go func(actor Actor) {
				defer wg.Done()
				<-ready
				_, err := svc.BookAppointment(ctx, actor, bookReq(actor.ID, "D1", day, slot))
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrSlotConflict):
					atomic.AddInt32(&conflicts, 1)
				default:
					t.Errorf("round %d: unexpected error %v", round, err)
				}
			}(c)
		}
		close(ready)
		wg.Wait()

		require.Equal(t, int32(1), wins, "round %d", round)
		require.Equal(t, int32(len(contenders)-1), conflicts, "round %d", round)
	}

	assert.Equal(t, rounds, countRows(t, pool, `SELECT count(*) FROM appointments`))
	assert.Equal(t, rounds, countRows(t, pool, `SELECT count(*) FROM slot_reservations`))
	assert.Zero(t, countRows(t, pool, `
		SELECT count(*) FROM slot_reservations r
		JOIN appointments a ON a.id = r.appointment_id
		WHERE a.doctor_id <> r.doctor_id OR a.appointment_date <> r.appointment_date OR a.slot <> r.slot
	`), "every reservation matches its appointment")
}

func TestPgRepository_ConfirmRacingCancel(t *testing.T) {
	svc, repo, pool := newPgFixture(t)
	ctx := context.Background()

	const rounds = 20
	slots := svc.Slots().All()
	reception := Actor{ID: "R1", Role: RoleReceptionist}
	patient := Actor{ID: "P1", Role: RolePatient}

	for round := 0; round < rounds; round++ {
		a, err := svc.BookAppointment(ctx, patient, bookReq("P1", "D1", "2025-02-01", slots[round%len(slots)]))
		require.NoError(t, err)

		var (
			wg                    sync.WaitGroup
			ready                 = make(chan struct{})
			confirmErr, cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-ready
			_, confirmErr = svc.ChangeStatus(ctx, reception, a.ID, StatusConfirmed, nil)
		}()
		go func() {
			defer wg.Done()
			<-ready
			_, cancelErr = svc.CancelAppointment(ctx, patient, a.ID, reason("changed plans"))
		}()
		close(ready)
		wg.Wait()

		require.NoError(t, cancelErr, "round %d", round)
		if confirmErr != nil {
			require.ErrorIs(t, confirmErr, ErrInvalidTransition, "round %d", round)
		}

		stored, err := repo.GetAppointmentByID(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, stored.Status, "round %d", round)
		require.Zero(t, countRows(t, pool, `SELECT count(*) FROM slot_reservations WHERE appointment_id = $1`, a.ID),
			"round %d: cancelled appointment keeps no slot", round)
	}
}

func TestPgRepository_UpdateStatusIsConditional(t *testing.T) {
	svc, repo, _ := newPgFixture(t)
	ctx := context.Background()

	a, err := svc.BookAppointment(ctx, Actor{ID: "P1", Role: RolePatient}, bookReq("P1", "D1", "2025-03-01", "09:00"))
	require.NoError(t, err)

	err = repo.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateStatus(ctx, a.ID, StatusConfirmed, StatusCompleted, nil, time.Now())
		return err
	})
	assert.ErrorIs(t, err, ErrStaleStatus)

	err = repo.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateStatus(ctx, uuid.New(), StatusPending, StatusConfirmed, nil, time.Now())
		return err
	})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPgRepository_ReservationRequiresItsAppointment(t *testing.T) {
	_, repo, pool := newPgFixture(t)
	ctx := context.Background()
	key := SlotKey{DoctorID: "D1", Date: "2025-03-02", Slot: "09:00"}

	// the deferred foreign key fails at commit
	err := repo.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Slots().Reserve(ctx, key, uuid.New())
	})
	require.Error(t, err)

	boom := errors.New("later step failed")
	err = repo.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		a := newAppt(key, "P1")
		if err := tx.Slots().Reserve(ctx, key, a.ID); err != nil {
			return err
		}
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Zero(t, countRows(t, pool, `SELECT count(*) FROM appointments`))
	held, err := repo.HeldSlots(ctx, "D1", "2025-03-02")
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestPgRepository_RescheduleMovesReservation(t *testing.T) {
	svc, repo, _ := newPgFixture(t)
	ctx := context.Background()
	reception := Actor{ID: "R1", Role: RoleReceptionist}

	a, err := svc.BookAppointment(ctx, Actor{ID: "P1", Role: RolePatient}, bookReq("P1", "D1", "2025-04-01", "09:00"))
	require.NoError(t, err)
	_, err = svc.BookAppointment(ctx, Actor{ID: "P2", Role: RolePatient}, bookReq("P2", "D1", "2025-04-01", "10:00"))
	require.NoError(t, err)

	_, err = svc.RescheduleAppointment(ctx, reception, a.ID, RescheduleRequest{Date: "2025-04-01", Slot: "10:00"})
	require.ErrorIs(t, err, ErrSlotConflict)

	held, err := repo.HeldSlots(ctx, "D1", "2025-04-01")
	require.NoError(t, err)
	assert.Equal(t, []Slot{"09:00", "10:00"}, held, "a failed move keeps the original reservation")

	moved, err := svc.RescheduleAppointment(ctx, reception, a.ID, RescheduleRequest{Date: "2025-04-02", Slot: "08:00", Reason: reason("moved")})
	require.NoError(t, err)
	assert.Equal(t, Day("2025-04-02"), moved.Date)
	assert.Equal(t, a.Fee, moved.Fee)

	held, err = repo.HeldSlots(ctx, "D1", "2025-04-01")
	require.NoError(t, err)
	assert.Equal(t, []Slot{"10:00"}, held)

	held, err = repo.HeldSlots(ctx, "D1", "2025-04-02")
	require.NoError(t, err)
	assert.Equal(t, []Slot{"08:00"}, held)
}
