package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/audit"
	"github.com/hackgods/hospital-appointments/internal/metrics"
	"github.com/hackgods/hospital-appointments/internal/notify"
	redisclient "github.com/hackgods/hospital-appointments/internal/redis"
)

// Deps are the collaborators of the Service. Audit and Notify are expected
// to be asynchronous; their errors never fail an operation.
type Deps struct {
	Store   Store
	Users   UserDirectory
	Locker  redisclient.Locker
	Slots   *SlotCatalog
	Audit   audit.Sink
	Notify  notify.Sink
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Service is the appointment engine. Every mutation of an appointment or
// of the slot index goes through it.
type Service struct {
	store   Store
	users   UserDirectory
	locker  redisclient.Locker
	slots   *SlotCatalog
	audit   audit.Sink
	notify  notify.Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(d Deps) *Service {
	if d.Locker == nil {
		d.Locker = redisclient.NewNoopLocker()
	}
	if d.Slots == nil {
		d.Slots = MustSlotCatalog(DefaultSlots)
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	return &Service{
		store:   d.Store,
		users:   d.Users,
		locker:  d.Locker,
		slots:   d.Slots,
		audit:   d.Audit,
		notify:  d.Notify,
		log:     d.Log.Named("appointment"),
		metrics: d.Metrics,
		now:     d.Now,
	}
}

// Slots exposes the clinic slot catalog.
func (s *Service) Slots() *SlotCatalog {
	return s.slots
}

// BookAppointment creates an appointment and reserves its slot in one
// atomic unit. A taken slot fails with ErrSlotConflict and writes nothing.
func (s *Service) BookAppointment(ctx context.Context, actor Actor, req BookRequest) (*Appointment, error) {
	if err := s.validateBooking(actor, req); err != nil {
		return nil, err
	}

	if err := s.requireRole(ctx, req.PatientID, RolePatient, ErrPatientNotFound); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, req.DoctorID, RoleDoctor, ErrDoctorNotFound); err != nil {
		return nil, err
	}

	key := SlotKey{DoctorID: req.DoctorID, Date: req.Date, Slot: req.Slot}
	appt := &Appointment{
		ID:        uuid.New(),
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Date:      req.Date,
		Slot:      req.Slot,
		Status:    InitialStatus(actor.Role),
		Fee:       req.Fee,
		Reason:    req.Reason,
	}

	reserve := func(ctx context.Context) error {
		return s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			if err := tx.Slots().Reserve(ctx, key, appt.ID); err != nil {
				return err
			}
			if err := tx.Insert(ctx, appt); err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}
			return nil
		})
	}

	err := s.locker.WithSlotLock(ctx, key.String(), reserve)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		err = s.afterLostLock(ctx, key, reserve)
	}
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.metrics.SlotConflicts.Inc()
			return nil, fmt.Errorf("%w: %s", ErrSlotConflict, key)
		}
		return nil, err
	}

	s.metrics.AppointmentsBooked.WithLabelValues(string(appt.Status)).Inc()
	s.log.Info("appointment booked",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("slot_key", key.String()),
		zap.String("status", string(appt.Status)),
		zap.String("actor_id", actor.ID),
	)

	s.recordAudit(ctx, actor, audit.ActionAppointmentCreated, appt, "", appt.Status,
		fmt.Sprintf("Created appointment for patient %s with doctor %s on %s at %s", appt.PatientID, appt.DoctorID, appt.Date, appt.Slot))
	s.sendNotification(ctx, appt.DoctorID, bookedMessage(appt))

	return appt, nil
}

// afterLostLock handles a slot lock held by someone else. The lock only
// sheds contention, so a key the index does not hold is still reserved
// through the store, whose uniqueness check decides the winner.
func (s *Service) afterLostLock(ctx context.Context, key SlotKey, reserve func(ctx context.Context) error) error {
	held, err := s.store.HeldSlots(ctx, key.DoctorID, key.Date)
	if err != nil {
		s.log.Warn("slot lookup after lost lock failed", zap.String("slot_key", key.String()), zap.Error(err))
		return reserve(ctx)
	}
	for _, h := range held {
		if h == key.Slot {
			return ErrSlotConflict
		}
	}

	s.log.Info("slot lock busy but slot free, reserving through store", zap.String("slot_key", key.String()))
	return reserve(ctx)
}

func (s *Service) validateBooking(actor Actor, req BookRequest) error {
	var problems []string

	if strings.TrimSpace(req.PatientID) == "" {
		problems = append(problems, "patientId is required")
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		problems = append(problems, "doctorId is required")
	}
	if _, err := ParseDay(string(req.Date)); err != nil {
		problems = append(problems, "date must be YYYY-MM-DD")
	}
	if !s.slots.Contains(req.Slot) {
		problems = append(problems, fmt.Sprintf("slot %q is not bookable", req.Slot))
	}
	if req.Fee < 0 {
		problems = append(problems, "fee must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}

	switch actor.Role {
	case RolePatient:
		if actor.ID != req.PatientID {
			return fmt.Errorf("%w: patients may only book for themselves", ErrForbidden)
		}
	case RoleReceptionist, RoleAdmin:
	case RoleDoctor:
		return fmt.Errorf("%w: doctors cannot book appointments", ErrForbidden)
	default:
		return fmt.Errorf("%w: unknown actor role", ErrForbidden)
	}
	return nil
}

// requireRole resolves id and checks its role; a user with the wrong role
// is reported as notFound.
func (s *Service) requireRole(ctx context.Context, id string, role Role, notFound error) error {
	u, err := s.users.ResolveUser(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFound
		}
		return fmt.Errorf("resolve %s: %w", role, err)
	}
	if u.Role != role {
		return fmt.Errorf("%w: user %s is a %s", notFound, id, u.Role)
	}
	return nil
}

// ChangeStatus moves an appointment along the state machine. Cancelling
// releases the slot and stores reason as the cancellation reason.
func (s *Service) ChangeStatus(ctx context.Context, actor Actor, id uuid.UUID, target Status, reason *string) (*Appointment, error) {
	var before, after *Appointment

	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !cur.VisibleTo(actor) {
			return ErrAppointmentNotFound
		}
		if err := CheckTransition(actor, cur, target); err != nil {
			return err
		}

		key := cur.Key()
		holder, held, err := tx.Slots().Holder(ctx, key)
		if err != nil {
			return err
		}
		ownsSlot := held && holder == cur.ID

		if target == StatusConfirmed && !ownsSlot {
			return fmt.Errorf("%w: %s is no longer held by appointment %s", ErrSlotConflict, key, cur.ID)
		}

		updated, err := tx.UpdateStatus(ctx, cur.ID, cur.Status, target, reason, s.now())
		if err != nil {
			if errors.Is(err, ErrStaleStatus) {
				return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
			}
			return fmt.Errorf("update status: %w", err)
		}

		if target == StatusCancelled && ownsSlot {
			if err := tx.Slots().Release(ctx, key); err != nil {
				return err
			}
		}

		before, after = cur, updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.StatusTransitions.WithLabelValues(string(before.Status), string(after.Status)).Inc()
	s.log.Info("appointment status changed",
		zap.String("appointment_id", after.ID.String()),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.String("actor_id", actor.ID),
	)

	detail := fmt.Sprintf("Changed status from %s to %s", before.Status, after.Status)
	if after.Status == StatusCancelled && after.CancellationReason != nil && *after.CancellationReason != "" {
		detail += ": " + *after.CancellationReason
	}
	s.recordAudit(ctx, actor, audit.ActionAppointmentStatusChanged, after, before.Status, after.Status, detail)

	if after.Status == StatusPending {
		s.sendNotification(ctx, after.DoctorID, statusMessage(after))
	} else {
		s.sendNotification(ctx, after.PatientID, statusMessage(after))
	}

	return after, nil
}

// RescheduleAppointment moves a pending appointment to another date or slot
// of the same doctor. Only staff may reschedule. Releasing the old slot and
// reserving the new one happen in one atomic unit, so a taken target slot
// leaves the appointment where it was.
func (s *Service) RescheduleAppointment(ctx context.Context, actor Actor, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	if !actor.Role.IsStaff() {
		return nil, fmt.Errorf("%w: only staff may reschedule appointments", ErrForbidden)
	}

	var problems []string
	if _, err := ParseDay(string(req.Date)); err != nil {
		problems = append(problems, "date must be YYYY-MM-DD")
	}
	if !s.slots.Contains(req.Slot) {
		problems = append(problems, fmt.Sprintf("slot %q is not bookable", req.Slot))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}

	var before, after *Appointment

	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !cur.VisibleTo(actor) {
			return ErrAppointmentNotFound
		}
		if cur.Status != StatusPending {
			return fmt.Errorf("%w: only pending appointments can be rescheduled, this one is %s", ErrInvalidTransition, cur.Status)
		}

		oldKey := cur.Key()
		newKey := SlotKey{DoctorID: cur.DoctorID, Date: req.Date, Slot: req.Slot}

		if newKey != oldKey {
			holder, held, err := tx.Slots().Holder(ctx, oldKey)
			if err != nil {
				return err
			}
			if held && holder == cur.ID {
				if err := tx.Slots().Release(ctx, oldKey); err != nil {
					return err
				}
			}
			if err := tx.Slots().Reserve(ctx, newKey, cur.ID); err != nil {
				return err
			}
		}

		updated, err := tx.Reschedule(ctx, cur.ID, req.Date, req.Slot, req.Reason, s.now())
		if err != nil {
			if errors.Is(err, ErrStaleStatus) {
				return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
			}
			return fmt.Errorf("reschedule appointment: %w", err)
		}

		before, after = cur, updated
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.metrics.SlotConflicts.Inc()
			return nil, fmt.Errorf("%w: %s at %s", ErrSlotConflict, req.Date, req.Slot)
		}
		return nil, err
	}

	s.metrics.Reschedules.Inc()
	s.log.Info("appointment rescheduled",
		zap.String("appointment_id", after.ID.String()),
		zap.String("from_slot_key", before.Key().String()),
		zap.String("to_slot_key", after.Key().String()),
		zap.String("actor_id", actor.ID),
	)

	s.recordAudit(ctx, actor, audit.ActionAppointmentUpdated, after, before.Status, after.Status,
		fmt.Sprintf("Rescheduled from %s at %s to %s at %s", before.Date, before.Slot, after.Date, after.Slot))
	s.sendNotification(ctx, after.PatientID, rescheduledMessage(before, after))

	return after, nil
}

// CancelAppointment is ChangeStatus to Cancelled.
func (s *Service) CancelAppointment(ctx context.Context, actor Actor, id uuid.UUID, reason *string) (*Appointment, error) {
	return s.ChangeStatus(ctx, actor, id, StatusCancelled, reason)
}

// GetAppointment returns the appointment if the actor may see it.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if !appt.VisibleTo(actor) {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

// ListForActor scopes the listing by role: patients see their own,
// doctors their own (optionally by date), front desk everything.
func (s *Service) ListForActor(ctx context.Context, actor Actor, filter ListFilter) ([]Appointment, error) {
	var scoped ListFilter

	switch actor.Role {
	case RolePatient:
		scoped.PatientID = actor.ID
	case RoleDoctor:
		scoped.DoctorID = actor.ID
		scoped.Date = filter.Date
	case RoleAdmin, RoleReceptionist:
		scoped.Status = filter.Status
		scoped.Date = filter.Date
	default:
		return nil, fmt.Errorf("%w: unknown actor role", ErrForbidden)
	}

	list, err := s.store.ListAppointments(ctx, scoped)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

// AvailableSlots lists the catalog slots of a doctor's day that are free.
func (s *Service) AvailableSlots(ctx context.Context, doctorID string, day Day) ([]Slot, error) {
	if _, err := ParseDay(string(day)); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, doctorID, RoleDoctor, ErrDoctorNotFound); err != nil {
		return nil, err
	}

	held, err := s.store.HeldSlots(ctx, doctorID, day)
	if err != nil {
		return nil, fmt.Errorf("held slots: %w", err)
	}

	taken := make(map[Slot]struct{}, len(held))
	for _, h := range held {
		taken[h] = struct{}{}
	}

	free := make([]Slot, 0, len(s.slots.All()))
	for _, slot := range s.slots.All() {
		if _, ok := taken[slot]; !ok {
			free = append(free, slot)
		}
	}
	return free, nil
}

// PurgeAppointment is the administrative hard delete. It bypasses the state
// machine but still keeps the slot index consistent.
func (s *Service) PurgeAppointment(ctx context.Context, actor Actor, id uuid.UUID) error {
	if actor.Role != RoleAdmin {
		return fmt.Errorf("%w: only admins may delete appointments", ErrForbidden)
	}

	var purged *Appointment
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		holder, held, err := tx.Slots().Holder(ctx, cur.Key())
		if err != nil {
			return err
		}
		if held && holder == cur.ID {
			if err := tx.Slots().Release(ctx, cur.Key()); err != nil {
				return err
			}
		}

		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		purged = cur
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Warn("appointment purged",
		zap.String("appointment_id", id.String()),
		zap.String("actor_id", actor.ID),
	)
	s.recordAudit(ctx, actor, audit.ActionAppointmentDeleted, purged, purged.Status, "", "Appointment deleted by administrator")
	return nil
}
