package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `id, patient_id, doctor_id, appointment_date, slot, status, fee, reason, cancellation_reason, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	var slot string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&date,
		&slot,
		&a.Status,
		&a.Fee,
		&a.Reason,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = DayOf(date)
	a.Slot = Slot(slot)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Store methods

func (r *PgRepository) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if filter.DoctorID != "" {
		add("doctor_id = $%d", filter.DoctorID)
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Date != nil {
		add("appointment_date = $%d", filter.Date.Time())
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY appointment_date DESC, slot DESC, created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) HeldSlots(ctx context.Context, doctorID string, day Day) ([]Slot, error) {
	return heldSlots(ctx, r.pool, doctorID, day)
}

// Transaction-scoped implementation

type pgTx struct {
	q querier
}

func (t *pgTx) Slots() SlotIndex {
	return &pgSlotIndex{q: t.q}
}

func (t *pgTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTx) Insert(ctx context.Context, appt *Appointment) error {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}

	row := t.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_date, slot, status, fee, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+appointmentColumns,
		appt.ID, appt.PatientID, appt.DoctorID, appt.Date.Time(), string(appt.Slot), string(appt.Status), appt.Fee, appt.Reason)

	created, err := scanAppointment(row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*appt = *created
	return nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, cancellationReason *string, now time.Time) (*Appointment, error) {
	var reason *string
	if to == StatusCancelled {
		r := ""
		if cancellationReason != nil {
			r = *cancellationReason
		}
		reason = &r
	}

	row := t.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancellation_reason = $4,
		    updated_at = $5
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from), reason, now)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, t.staleOrMissing(ctx, id)
	}
	return updated, err
}

func (t *pgTx) Reschedule(ctx context.Context, id uuid.UUID, day Day, slot Slot, reason *string, now time.Time) (*Appointment, error) {
	row := t.q.QueryRow(ctx, `
		UPDATE appointments
		SET appointment_date = $2,
		    slot = $3,
		    reason = COALESCE($4, reason),
		    updated_at = $5
		WHERE id = $1
		  AND status = $6
		RETURNING `+appointmentColumns,
		id, day.Time(), string(slot), reason, now, string(StatusPending))

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, t.staleOrMissing(ctx, id)
	}
	return updated, err
}

// staleOrMissing explains a conditional update that matched no row: the
// appointment is either gone or no longer in the expected state.
func (t *pgTx) staleOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check appointment: %w", err)
	}
	if exists {
		return ErrStaleStatus
	}
	return ErrAppointmentNotFound
}

func (t *pgTx) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// pgSlotIndex relies on the primary key of slot_reservations; concurrent
// inserts of the same key block until the first transaction settles.
type pgSlotIndex struct {
	q querier
}

func (s *pgSlotIndex) Reserve(ctx context.Context, key SlotKey, appointmentID uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO slot_reservations (doctor_id, appointment_date, slot, appointment_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (doctor_id, appointment_date, slot) DO NOTHING
	`, key.DoctorID, key.Date.Time(), string(key.Slot), appointmentID)
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotConflict
	}
	return nil
}

func (s *pgSlotIndex) Release(ctx context.Context, key SlotKey) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM slot_reservations
		WHERE doctor_id = $1 AND appointment_date = $2 AND slot = $3
	`, key.DoctorID, key.Date.Time(), string(key.Slot))
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (s *pgSlotIndex) Holder(ctx context.Context, key SlotKey) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.q.QueryRow(ctx, `
		SELECT appointment_id
		FROM slot_reservations
		WHERE doctor_id = $1 AND appointment_date = $2 AND slot = $3
	`, key.DoctorID, key.Date.Time(), string(key.Slot)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("load slot holder: %w", err)
	}
	return id, true, nil
}

func (s *pgSlotIndex) Held(ctx context.Context, doctorID string, day Day) ([]Slot, error) {
	return heldSlots(ctx, s.q, doctorID, day)
}

func heldSlots(ctx context.Context, q querier, doctorID string, day Day) ([]Slot, error) {
	rows, err := q.Query(ctx, `
		SELECT slot
		FROM slot_reservations
		WHERE doctor_id = $1 AND appointment_date = $2
		ORDER BY slot
	`, doctorID, day.Time())
	if err != nil {
		return nil, fmt.Errorf("list held slots: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		slots = append(slots, Slot(s))
	}
	return slots, rows.Err()
}
