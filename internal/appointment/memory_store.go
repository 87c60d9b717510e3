package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps appointments and the slot index in process. Every
// Atomic call runs under one mutex, so the store behaves as a single writer.
// Used for tests and single-instance deployments (STORE_DRIVER=memory).
type MemoryStore struct {
	mu    sync.Mutex
	appts map[uuid.UUID]Appointment
	held  map[SlotKey]uuid.UUID
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appts: make(map[uuid.UUID]Appointment),
		held:  make(map[SlotKey]uuid.UUID),
		now:   time.Now,
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (s *MemoryStore) ListAppointments(_ context.Context, filter ListFilter) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Appointment
	for _, a := range s.appts {
		if filter.PatientID != "" && a.PatientID != filter.PatientID {
			continue
		}
		if filter.DoctorID != "" && a.DoctorID != filter.DoctorID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.Date != nil && a.Date != *filter.Date {
			continue
		}
		result = append(result, a)
	}

	sortByDateSlotDesc(result)
	return result, nil
}

func (s *MemoryStore) HeldSlots(ctx context.Context, doctorID string, day Day) ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := &memorySlotIndex{held: s.held}
	return idx.Held(ctx, doctorID, day)
}

func sortByDateSlotDesc(list []Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Date != list[j].Date {
			return list[i].Date > list[j].Date
		}
		if list[i].Slot != list[j].Slot {
			return list[i].Slot > list[j].Slot
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

type memoryTx struct {
	store *MemoryStore
	undo  []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) Slots() SlotIndex {
	return &memorySlotIndex{held: tx.store.held, undo: &tx.undo}
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := tx.store.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (tx *memoryTx) Insert(_ context.Context, appt *Appointment) error {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	now := tx.store.now()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	id := appt.ID
	tx.store.appts[id] = *appt
	tx.undo = append(tx.undo, func() { delete(tx.store.appts, id) })
	return nil
}

func (tx *memoryTx) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, cancellationReason *string, now time.Time) (*Appointment, error) {
	prev, ok := tx.store.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if prev.Status != from {
		return nil, ErrStaleStatus
	}

	next := prev
	next.Status = to
	next.UpdatedAt = now
	next.CancellationReason = nil
	if to == StatusCancelled {
		reason := ""
		if cancellationReason != nil {
			reason = *cancellationReason
		}
		next.CancellationReason = &reason
	}

	tx.store.appts[id] = next
	tx.undo = append(tx.undo, func() { tx.store.appts[id] = prev })
	return &next, nil
}

func (tx *memoryTx) Reschedule(_ context.Context, id uuid.UUID, day Day, slot Slot, reason *string, now time.Time) (*Appointment, error) {
	prev, ok := tx.store.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if prev.Status != StatusPending {
		return nil, ErrStaleStatus
	}

	next := prev
	next.Date = day
	next.Slot = slot
	next.UpdatedAt = now
	if reason != nil {
		r := *reason
		next.Reason = &r
	}

	tx.store.appts[id] = next
	tx.undo = append(tx.undo, func() { tx.store.appts[id] = prev })
	return &next, nil
}

func (tx *memoryTx) Delete(_ context.Context, id uuid.UUID) error {
	prev, ok := tx.store.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	delete(tx.store.appts, id)
	tx.undo = append(tx.undo, func() { tx.store.appts[id] = prev })
	return nil
}

// memorySlotIndex is only used while the store mutex is held.
type memorySlotIndex struct {
	held map[SlotKey]uuid.UUID
	undo *[]func()
}

func (m *memorySlotIndex) journal(fn func()) {
	if m.undo != nil {
		*m.undo = append(*m.undo, fn)
	}
}

func (m *memorySlotIndex) Reserve(_ context.Context, key SlotKey, appointmentID uuid.UUID) error {
	if _, taken := m.held[key]; taken {
		return ErrSlotConflict
	}
	m.held[key] = appointmentID
	m.journal(func() { delete(m.held, key) })
	return nil
}

func (m *memorySlotIndex) Release(_ context.Context, key SlotKey) error {
	prev, taken := m.held[key]
	if !taken {
		return nil
	}
	delete(m.held, key)
	m.journal(func() { m.held[key] = prev })
	return nil
}

func (m *memorySlotIndex) Holder(_ context.Context, key SlotKey) (uuid.UUID, bool, error) {
	id, ok := m.held[key]
	return id, ok, nil
}

func (m *memorySlotIndex) Held(_ context.Context, doctorID string, day Day) ([]Slot, error) {
	var slots []Slot
	for k := range m.held {
		if k.DoctorID == doctorID && k.Date == day {
			slots = append(slots, k.Slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots, nil
}
