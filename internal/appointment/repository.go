package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotIndex tracks which (doctor, day, slot) keys are held by a
// non-cancelled appointment.
type SlotIndex interface {
	// Reserve returns ErrSlotConflict if the key is already held.
	Reserve(ctx context.Context, key SlotKey, appointmentID uuid.UUID) error
	// Release is a no-op when the key is free.
	Release(ctx context.Context, key SlotKey) error
	// Holder returns uuid.Nil, false when the key is free.
	Holder(ctx context.Context, key SlotKey) (uuid.UUID, bool, error)
	// Held lists the slots of a doctor's day that are taken.
	Held(ctx context.Context, doctorID string, day Day) ([]Slot, error)
}

// Tx is one atomic unit spanning the appointment records and the slot
// index. Nothing done through it is visible to others until Atomic returns
// nil, and nothing survives if it returns an error.
type Tx interface {
	Slots() SlotIndex

	// GetForUpdate loads the appointment and serialises later writers to it.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Insert(ctx context.Context, appt *Appointment) error
	// UpdateStatus only applies when the stored status equals from;
	// otherwise it returns ErrStaleStatus.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, cancellationReason *string, now time.Time) (*Appointment, error)
	// Reschedule moves a pending appointment to day and slot; a non-nil
	// reason replaces the visit reason. A non-pending appointment yields
	// ErrStaleStatus. The slot index is the caller's job.
	Reschedule(ctx context.Context, id uuid.UUID, day Day, slot Slot, reason *string, now time.Time) (*Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Store is the appointment persistence the service depends on.
type Store interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListAppointments orders by (date, slot) descending.
	ListAppointments(ctx context.Context, filter ListFilter) ([]Appointment, error)
	HeldSlots(ctx context.Context, doctorID string, day Day) ([]Slot, error)
}

// User is what the engine needs to know about an account.
type User struct {
	ID   string
	Role Role
}

// UserDirectory resolves account ids. Unknown ids yield ErrUserNotFound.
type UserDirectory interface {
	ResolveUser(ctx context.Context, id string) (User, error)
}
