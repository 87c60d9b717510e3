package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/hospital-appointments/internal/audit"
	"github.com/hackgods/hospital-appointments/internal/notify"
	redisclient "github.com/hackgods/hospital-appointments/internal/redis"
)

// Fakes

type mockUserDirectory struct {
	users map[string]Role
}

func (m *mockUserDirectory) ResolveUser(_ context.Context, id string) (User, error) {
	role, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return User{ID: id, Role: role}, nil
}

type mockAuditSink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (m *mockAuditSink) Record(_ context.Context, ev audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockAuditSink) Events() []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Event(nil), m.events...)
}

type sentNotification struct {
	UserID string
	Msg    notify.Message
}

type mockNotifySink struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (m *mockNotifySink) Send(_ context.Context, userID string, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentNotification{UserID: userID, Msg: msg})
	return nil
}

func (m *mockNotifySink) Last() sentNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

type busyLocker struct{}

func (busyLocker) WithSlotLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

// Fixture

var (
	patientP1    = Actor{ID: "P1", Role: RolePatient, IPAddress: "10.0.0.1", UserAgent: "test-agent"}
	patientP2    = Actor{ID: "P2", Role: RolePatient}
	patientP3    = Actor{ID: "P3", Role: RolePatient}
	doctorD1     = Actor{ID: "D1", Role: RoleDoctor}
	doctorD2     = Actor{ID: "D2", Role: RoleDoctor}
	receptionist = Actor{ID: "R1", Role: RoleReceptionist}
	admin        = Actor{ID: "A1", Role: RoleAdmin}
)

type fixture struct {
	svc    *Service
	store  *MemoryStore
	audit  *mockAuditSink
	notify *mockNotifySink
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		store:  NewMemoryStore(),
		audit:  &mockAuditSink{},
		notify: &mockNotifySink{},
	}

	deps := Deps{
		Store: f.store,
		Users: &mockUserDirectory{users: map[string]Role{
			"P1": RolePatient, "P2": RolePatient, "P3": RolePatient,
			"D1": RoleDoctor, "D2": RoleDoctor,
			"R1": RoleReceptionist, "A1": RoleAdmin,
		}},
		Audit:  f.audit,
		Notify: f.notify,
		Now:    func() time.Time { return time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC) },
	}
	for _, o := range opts {
		o(&deps)
	}

	f.svc = NewService(deps)
	return f
}

func bookReq(patient, doctor string, day Day, slot Slot) BookRequest {
	return BookRequest{PatientID: patient, DoctorID: doctor, Date: day, Slot: slot, Fee: 200000}
}

func (f *fixture) mustBook(t *testing.T, actor Actor, req BookRequest) *Appointment {
	t.Helper()
	a, err := f.svc.BookAppointment(context.Background(), actor, req)
	require.NoError(t, err)
	return a
}

func reason(s string) *string { return &s }

// Scenarios

func TestBooking_SecondBookingOfSameTripleConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1 := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	assert.Equal(t, StatusPending, a1.Status)
	assert.Equal(t, int64(200000), a1.Fee)

	_, err := f.svc.BookAppointment(ctx, patientP2, bookReq("P2", "D1", "2024-06-01", "09:00"))
	require.ErrorIs(t, err, ErrSlotConflict)
	assert.Equal(t, KindSlotConflict, KindOf(err))

	all, err := f.store.ListAppointments(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "a rejected booking writes nothing")
}

func TestChangeStatus_ReceptionistConfirms(t *testing.T) {
	f := newFixture(t)
	a1 := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	got, err := f.svc.ChangeStatus(context.Background(), receptionist, a1.ID, StatusConfirmed, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	events := f.audit.Events()
	require.Len(t, events, 2)
	ev := events[1]
	assert.Equal(t, audit.ActionAppointmentStatusChanged, ev.Action)
	assert.Equal(t, "R1", ev.ActorID)
	assert.Equal(t, "receptionist", ev.ActorRole)
	assert.Equal(t, "pending", ev.FromStatus)
	assert.Equal(t, "confirmed", ev.ToStatus)
	assert.Equal(t, a1.ID.String(), ev.TargetID)
	assert.False(t, ev.Timestamp.IsZero())

	last := f.notify.Last()
	assert.Equal(t, "P1", last.UserID)
	assert.Equal(t, notify.PriorityNormal, last.Msg.Priority)
}

func TestChangeStatus_CancelFreesSlotForRebooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	got, err := f.svc.ChangeStatus(ctx, patientP1, a1.ID, StatusCancelled, reason("schedule conflict"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancellationReason)
	assert.Equal(t, "schedule conflict", *got.CancellationReason)

	a3, err := f.svc.BookAppointment(ctx, patientP3, bookReq("P3", "D1", "2024-06-01", "09:00"))
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a3.ID)

	last := f.notify.Last()
	assert.Equal(t, "D1", last.UserID, "new booking notifies the doctor")
}

func TestChangeStatus_CancelledIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	_, err := f.svc.CancelAppointment(ctx, patientP1, a1.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.ChangeStatus(ctx, doctorD1, a1.ID, StatusCompleted, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.store.GetAppointmentByID(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	require.NotNil(t, stored.CancellationReason)
	assert.Equal(t, "", *stored.CancellationReason)
}

func TestBooking_DoctorMustHaveDoctorRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.BookAppointment(ctx, receptionist, bookReq("P1", "P2", "2024-06-01", "09:00"))
	require.ErrorIs(t, err, ErrDoctorNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.svc.BookAppointment(ctx, receptionist, bookReq("P1", "D404", "2024-06-01", "09:00"))
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	_, err = f.svc.BookAppointment(ctx, receptionist, bookReq("D2", "D1", "2024-06-01", "09:00"))
	assert.ErrorIs(t, err, ErrPatientNotFound)

	held, err := f.store.HeldSlots(ctx, "D1", "2024-06-01")
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestBooking_ConcurrentSameTripleHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const rounds = 1000
	slots := f.svc.Slots().All()
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
		for _, p := range []Actor{patientP1, patientP2} {
			wg.Add(1)
			go func(actor Actor) {
				defer wg.Done()
				<-ready
				_, err := f.svc.BookAppointment(ctx, actor, bookReq(actor.ID, "D1", day, slot))
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrSlotConflict):
					atomic.AddInt32(&conflicts, 1)
				default:
					t.Errorf("round %d: unexpected error %v", round, err)
				}
			}(p)
		}
		close(ready)
		wg.Wait()

		require.Equal(t, int32(1), wins, "round %d", round)
		require.Equal(t, int32(1), conflicts, "round %d", round)
	}

	all, err := f.store.ListAppointments(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, rounds)

	held := 0
	for d := 0; d <= (rounds-1)/len(slots); d++ {
		h, err := f.store.HeldSlots(ctx, "D1", DayOf(start.AddDate(0, 0, d)))
		require.NoError(t, err)
		held += len(h)
	}
	assert.Equal(t, rounds, held, "every appointment holds exactly its slot")
}

// Properties and edge cases

func TestBooking_InitialStatusByRole(t *testing.T) {
	f := newFixture(t)

	byRecep := f.mustBook(t, receptionist, bookReq("P1", "D1", "2024-06-01", "09:00"))
	assert.Equal(t, StatusConfirmed, byRecep.Status)

	byAdmin := f.mustBook(t, admin, bookReq("P1", "D1", "2024-06-01", "09:30"))
	assert.Equal(t, StatusConfirmed, byAdmin.Status)

	byPatient := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "10:00"))
	assert.Equal(t, StatusPending, byPatient.Status)
}

func TestBooking_DoctorsCannotBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.BookAppointment(ctx, doctorD1, bookReq("P1", "D1", "2024-06-01", "10:00"))
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, KindForbidden, KindOf(err))

	held, err := f.store.HeldSlots(ctx, "D1", "2024-06-01")
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Empty(t, f.audit.Events())
}

func TestBooking_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  BookRequest
	}{
		{"missing patient", bookReq("", "D1", "2024-06-01", "09:00")},
		{"missing doctor", bookReq("P1", "", "2024-06-01", "09:00")},
		{"bad date", bookReq("P1", "D1", "June 1st", "09:00")},
		{"slot outside catalog", bookReq("P1", "D1", "2024-06-01", "12:00")},
		{"negative fee", BookRequest{PatientID: "P1", DoctorID: "D1", Date: "2024-06-01", Slot: "09:00", Fee: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.BookAppointment(ctx, receptionist, tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	assert.Empty(t, f.audit.Events())
}

func TestBooking_PatientOnlyForThemselves(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.BookAppointment(context.Background(), patientP1, bookReq("P2", "D1", "2024-06-01", "09:00"))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBooking_BusyLockOnFreeSlotStillBooks(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Locker = busyLocker{} })
	ctx := context.Background()

	a, err := f.svc.BookAppointment(ctx, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	require.NoError(t, err)

	holder, held, err := memoryHolder(f.store, a.Key())
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, a.ID, holder)
	assert.Len(t, f.audit.Events(), 1)
}

func TestBooking_BusyLockOnHeldSlotConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	busy := NewService(Deps{
		Store:  f.store,
		Users:  &mockUserDirectory{users: map[string]Role{"P2": RolePatient, "D1": RoleDoctor}},
		Locker: busyLocker{},
		Audit:  f.audit,
	})
	_, err := busy.BookAppointment(ctx, patientP2, bookReq("P2", "D1", "2024-06-01", "09:00"))
	require.ErrorIs(t, err, ErrSlotConflict)

	all, err := f.store.ListAppointments(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBooking_LeftoverRedisLockDoesNotBlockFreeSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, func(d *Deps) { d.Locker = redisclient.NewRedisSlotLocker(rdb, 5*time.Second) })
	ctx := context.Background()

	// a booking that failed after taking the lock left it behind
	require.NoError(t, mr.Set("lock:slot:D1:2024-06-01:09:00", "someone-else"))

	a, err := f.svc.BookAppointment(ctx, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	require.NoError(t, err)

	free, err := f.svc.AvailableSlots(ctx, "D1", "2024-06-01")
	require.NoError(t, err)
	assert.NotContains(t, free, a.Slot)

	_, err = f.svc.BookAppointment(ctx, patientP2, bookReq("P2", "D1", "2024-06-01", "09:00"))
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func memoryHolder(s *MemoryStore, key SlotKey) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memorySlotIndex{held: s.held}).Holder(context.Background(), key)
}

func TestCompletedKeepsSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, receptionist, bookReq("P1", "D1", "2024-06-01", "09:00"))

	_, err := f.svc.ChangeStatus(ctx, doctorD1, a.ID, StatusCompleted, nil)
	require.NoError(t, err)

	_, err = f.svc.BookAppointment(ctx, patientP2, bookReq("P2", "D1", "2024-06-01", "09:00"))
	assert.ErrorIs(t, err, ErrSlotConflict)

	last := f.notify.Last()
	assert.Equal(t, notify.PriorityInfo, last.Msg.Priority)
}

func TestChangeStatus_BackToPendingNotifiesDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, receptionist, bookReq("P1", "D1", "2024-06-01", "09:00"))

	got, err := f.svc.ChangeStatus(ctx, receptionist, a.ID, StatusPending, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "D1", f.notify.Last().UserID)

	got, err = f.svc.ChangeStatus(ctx, doctorD1, a.ID, StatusConfirmed, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestChangeStatus_SelfTransitionRejected(t *testing.T) {
	f := newFixture(t)
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	_, err := f.svc.ChangeStatus(context.Background(), receptionist, a.ID, StatusPending, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestChangeStatus_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	_, err := f.svc.ChangeStatus(context.Background(), receptionist, a.ID, Status("no_show"), nil)
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestChangeStatus_InvisibleAppointmentIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	_, err := f.svc.CancelAppointment(ctx, patientP2, a.ID, nil)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.ChangeStatus(ctx, doctorD2, a.ID, StatusConfirmed, nil)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.ChangeStatus(ctx, admin, uuid.New(), StatusConfirmed, nil)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestChangeStatus_ConfirmRequiresHeldSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	// simulate an index that lost the reservation
	require.NoError(t, f.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Slots().Release(ctx, a.Key())
	}))

	_, err := f.svc.ChangeStatus(ctx, receptionist, a.ID, StatusConfirmed, nil)
	require.ErrorIs(t, err, ErrSlotConflict)

	stored, err := f.store.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestAuditFidelity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	_, err := f.svc.ChangeStatus(ctx, patientP1, a.ID, StatusConfirmed, nil) // forbidden
	require.Error(t, err)
	_, err = f.svc.ChangeStatus(ctx, doctorD1, a.ID, StatusConfirmed, nil)
	require.NoError(t, err)
	_, err = f.svc.ChangeStatus(ctx, doctorD1, a.ID, StatusCompleted, nil)
	require.NoError(t, err)
	_, err = f.svc.ChangeStatus(ctx, doctorD1, a.ID, StatusCancelled, nil) // terminal
	require.Error(t, err)

	events := f.audit.Events()
	require.Len(t, events, 3)

	assert.Equal(t, audit.ActionAppointmentCreated, events[0].Action)
	assert.Equal(t, "", events[0].FromStatus)
	assert.Equal(t, "pending", events[0].ToStatus)
	assert.Equal(t, "10.0.0.1", events[0].IPAddress)
	assert.Equal(t, "test-agent", events[0].UserAgent)

	assert.Equal(t, []string{"pending", "confirmed"}, []string{events[1].FromStatus, events[1].ToStatus})
	assert.Equal(t, []string{"confirmed", "completed"}, []string{events[2].FromStatus, events[2].ToStatus})
	ids := make(map[uuid.UUID]bool, len(events))
	for _, ev := range events {
		assert.Equal(t, a.ID.String(), ev.TargetID)
		assert.Equal(t, time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC), ev.Timestamp)
		assert.NotEqual(t, uuid.Nil, ev.ID)
		ids[ev.ID] = true
	}
	assert.Len(t, ids, len(events), "every event carries its own id")
}

func TestSideEffectFailuresAreFailOpen(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("audit store down")
	f.notify.err = errors.New("inbox down")
	ctx := context.Background()

	a, err := f.svc.BookAppointment(ctx, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, patientP1, a.ID, reason("sick"))
	require.NoError(t, err)

	stored, err := f.store.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestGetAppointment_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	for _, actor := range []Actor{patientP1, doctorD1, receptionist, admin} {
		got, err := f.svc.GetAppointment(ctx, actor, a.ID)
		require.NoError(t, err, actor.ID)
		assert.Equal(t, a.ID, got.ID)
	}

	for _, actor := range []Actor{patientP2, doctorD2} {
		_, err := f.svc.GetAppointment(ctx, actor, a.ID)
		assert.ErrorIs(t, err, ErrAppointmentNotFound, actor.ID)
	}
}

func TestListForActor_Scoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	f.mustBook(t, patientP1, bookReq("P1", "D2", "2024-06-02", "09:00"))
	f.mustBook(t, patientP2, bookReq("P2", "D1", "2024-06-02", "10:00"))
	confirmed := f.mustBook(t, receptionist, bookReq("P3", "D1", "2024-06-03", "08:00"))

	day := Day("2024-06-02")
	st := StatusConfirmed

	// patients always see all of their own, filters ignored
	mine, err := f.svc.ListForActor(ctx, patientP1, ListFilter{Date: &day, Status: &st})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	// doctors see their own, by date if asked; status is ignored
	docDay, err := f.svc.ListForActor(ctx, doctorD1, ListFilter{Date: &day, Status: &st})
	require.NoError(t, err)
	require.Len(t, docDay, 1)
	assert.Equal(t, "P2", docDay[0].PatientID)

	docAll, err := f.svc.ListForActor(ctx, doctorD1, ListFilter{})
	require.NoError(t, err)
	require.Len(t, docAll, 3)
	assert.Equal(t, Day("2024-06-03"), docAll[0].Date, "newest first")

	// front desk filters by status and date across everyone
	byStatus, err := f.svc.ListForActor(ctx, receptionist, ListFilter{Status: &st})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, confirmed.ID, byStatus[0].ID)

	byDate, err := f.svc.ListForActor(ctx, admin, ListFilter{Date: &day})
	require.NoError(t, err)
	assert.Len(t, byDate, 2)

	_, err = f.svc.ListForActor(ctx, Actor{ID: "X", Role: Role("nurse")}, ListFilter{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAvailableSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	f.mustBook(t, patientP2, bookReq("P2", "D1", "2024-06-01", "14:00"))
	f.mustBook(t, patientP2, bookReq("P2", "D2", "2024-06-01", "08:00"))

	free, err := f.svc.AvailableSlots(ctx, "D1", "2024-06-01")
	require.NoError(t, err)
	assert.Len(t, free, len(DefaultSlots)-2)
	assert.NotContains(t, free, Slot("09:00"))
	assert.NotContains(t, free, Slot("14:00"))
	assert.Contains(t, free, Slot("08:00"))

	_, err = f.svc.CancelAppointment(ctx, patientP1, a.ID, nil)
	require.NoError(t, err)

	free, err = f.svc.AvailableSlots(ctx, "D1", "2024-06-01")
	require.NoError(t, err)
	assert.Contains(t, free, Slot("09:00"))

	_, err = f.svc.AvailableSlots(ctx, "P1", "2024-06-01")
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	_, err = f.svc.AvailableSlots(ctx, "D1", "tomorrow")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPurgeAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	err := f.svc.PurgeAppointment(ctx, receptionist, a.ID)
	require.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.svc.PurgeAppointment(ctx, admin, a.ID))

	_, err = f.svc.GetAppointment(ctx, admin, a.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	held, err := f.store.HeldSlots(ctx, "D1", "2024-06-01")
	require.NoError(t, err)
	assert.Empty(t, held)

	events := f.audit.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.ActionAppointmentDeleted, last.Action)
	assert.Equal(t, "pending", last.FromStatus)
	assert.Equal(t, "A1", last.ActorID)

	err = f.svc.PurgeAppointment(ctx, admin, a.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPurgeCancelledDoesNotReleaseNewHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	_, err := f.svc.CancelAppointment(ctx, patientP1, old.ID, nil)
	require.NoError(t, err)
	current := f.mustBook(t, patientP2, bookReq("P2", "D1", "2024-06-01", "09:00"))

	require.NoError(t, f.svc.PurgeAppointment(ctx, admin, old.ID))

	_, err = f.svc.BookAppointment(ctx, patientP3, bookReq("P3", "D1", "2024-06-01", "09:00"))
	assert.ErrorIs(t, err, ErrSlotConflict, fmt.Sprintf("slot still belongs to %s", current.ID))
}

func TestChangeStatus_ConfirmRacingCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const rounds = 200
	slots := f.svc.Slots().All()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for round := 0; round < rounds; round++ {
		day := DayOf(start.AddDate(0, 0, round/len(slots)))
		a := f.mustBook(t, patientP1, bookReq("P1", "D1", day, slots[round%len(slots)]))

		var (
			wg         sync.WaitGroup
			ready      = make(chan struct{})
			confirmErr error
			cancelErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-ready
			_, confirmErr = f.svc.ChangeStatus(ctx, receptionist, a.ID, StatusConfirmed, nil)
		}()
		go func() {
			defer wg.Done()
			<-ready
			_, cancelErr = f.svc.CancelAppointment(ctx, patientP1, a.ID, reason("changed plans"))
		}()
		close(ready)
		wg.Wait()

		// cancel always lands: from pending, or from confirmed after the confirm
		require.NoError(t, cancelErr, "round %d", round)
		if confirmErr != nil {
			require.ErrorIs(t, confirmErr, ErrInvalidTransition, "round %d", round)
		}

		stored, err := f.store.GetAppointmentByID(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, stored.Status, "round %d", round)

		_, held, err := memoryHolder(f.store, a.Key())
		require.NoError(t, err)
		require.False(t, held, "round %d: cancelled appointment keeps no slot", round)
	}
}

func TestReschedule_MovesSlotAndKeepsFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	got, err := f.svc.RescheduleAppointment(ctx, receptionist, a.ID, RescheduleRequest{
		Date: "2024-06-02", Slot: "10:00", Reason: reason("follow-up"),
	})
	require.NoError(t, err)
	assert.Equal(t, Day("2024-06-02"), got.Date)
	assert.Equal(t, Slot("10:00"), got.Slot)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, a.Fee, got.Fee)
	require.NotNil(t, got.Reason)
	assert.Equal(t, "follow-up", *got.Reason)

	free, err := f.svc.AvailableSlots(ctx, "D1", "2024-06-01")
	require.NoError(t, err)
	assert.Contains(t, free, Slot("09:00"), "old slot is released")

	holder, held, err := memoryHolder(f.store, got.Key())
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, a.ID, holder)

	events := f.audit.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.ActionAppointmentUpdated, last.Action)
	assert.Equal(t, "R1", last.ActorID)
	assert.Contains(t, last.Detail, "2024-06-02 at 10:00")

	n := f.notify.Last()
	assert.Equal(t, "P1", n.UserID)
	assert.Equal(t, notify.PriorityHigh, n.Msg.Priority)
}

func TestReschedule_TakenSlotRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	f.mustBook(t, patientP2, bookReq("P2", "D1", "2024-06-01", "10:00"))

	_, err := f.svc.RescheduleAppointment(ctx, receptionist, a.ID, RescheduleRequest{Date: "2024-06-01", Slot: "10:00"})
	require.ErrorIs(t, err, ErrSlotConflict)

	stored, err := f.store.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, Slot("09:00"), stored.Slot)

	holder, held, err := memoryHolder(f.store, a.Key())
	require.NoError(t, err)
	assert.True(t, held, "original slot is still reserved")
	assert.Equal(t, a.ID, holder)
}

func TestReschedule_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))
	to := RescheduleRequest{Date: "2024-06-01", Slot: "11:00"}

	_, err := f.svc.RescheduleAppointment(ctx, patientP1, a.ID, to)
	assert.ErrorIs(t, err, ErrForbidden, "patients cannot reschedule")

	_, err = f.svc.RescheduleAppointment(ctx, doctorD2, a.ID, to)
	assert.ErrorIs(t, err, ErrAppointmentNotFound, "other doctors do not see it")

	_, err = f.svc.RescheduleAppointment(ctx, admin, a.ID, RescheduleRequest{Date: "2024-06-01", Slot: "12:00"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.RescheduleAppointment(ctx, admin, uuid.New(), to)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.ChangeStatus(ctx, receptionist, a.ID, StatusConfirmed, nil)
	require.NoError(t, err)

	_, err = f.svc.RescheduleAppointment(ctx, receptionist, a.ID, to)
	assert.ErrorIs(t, err, ErrInvalidTransition, "only pending appointments move")
}

func TestReschedule_SameSlotOnlyUpdatesReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, patientP1, bookReq("P1", "D1", "2024-06-01", "09:00"))

	got, err := f.svc.RescheduleAppointment(ctx, doctorD1, a.ID, RescheduleRequest{
		Date: "2024-06-01", Slot: "09:00", Reason: reason("bring lab results"),
	})
	require.NoError(t, err)
	require.NotNil(t, got.Reason)
	assert.Equal(t, "bring lab results", *got.Reason)

	holder, held, err := memoryHolder(f.store, a.Key())
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, a.ID, holder)
}
