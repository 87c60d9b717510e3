package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/appointment"
)

// AppointmentService is the engine surface the handlers drive.
type AppointmentService interface {
	BookAppointment(ctx context.Context, actor appointment.Actor, req appointment.BookRequest) (*appointment.Appointment, error)
	ChangeStatus(ctx context.Context, actor appointment.Actor, id uuid.UUID, target appointment.Status, reason *string) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID, reason *string) (*appointment.Appointment, error)
	RescheduleAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID, req appointment.RescheduleRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	ListForActor(ctx context.Context, actor appointment.Actor, filter appointment.ListFilter) ([]appointment.Appointment, error)
	AvailableSlots(ctx context.Context, doctorID string, day appointment.Day) ([]appointment.Slot, error)
	PurgeAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID) error
	Slots() *appointment.SlotCatalog
}

type handlers struct {
	svc AppointmentService
	log *zap.Logger
}

func (h *handlers) actor(w http.ResponseWriter, r *http.Request) (appointment.Actor, bool) {
	a, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
	}
	return a, ok
}

func parseAppointmentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: id must be a valid UUID", appointment.ErrValidation)
	}
	return id, nil
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req CreateAppointmentRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	// patients book for themselves and may leave patientId out
	if req.PatientID == "" && actor.Role == appointment.RolePatient {
		req.PatientID = actor.ID
	}

	slot, err := h.svc.Slots().Parse(req.Slot)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	appt, err := h.svc.BookAppointment(r.Context(), actor, appointment.BookRequest{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Date:      appointment.Day(req.Date),
		Slot:      slot,
		Fee:       req.Fee,
		Reason:    req.Reason,
	})
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var filter appointment.ListFilter
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		st, err := appointment.ParseStatus(raw)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		filter.Status = &st
	}
	if raw := q.Get("date"); raw != "" {
		day, err := appointment.ParseDay(raw)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		filter.Date = &day
	}

	list, err := h.svc.ListForActor(r.Context(), actor, filter)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	resp := ListAppointmentsResponse{
		Appointments: make([]AppointmentResponse, 0, len(list)),
		Count:        len(list),
	}
	for i := range list {
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(&list[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := parseAppointmentID(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := parseAppointmentID(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	var req UpdateStatusRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	target, err := appointment.ParseStatus(req.Status)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	appt, err := h.svc.ChangeStatus(r.Context(), actor, id, target, req.CancellationReason)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := parseAppointmentID(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	var req RescheduleAppointmentRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	slot, err := h.svc.Slots().Parse(req.Slot)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	appt, err := h.svc.RescheduleAppointment(r.Context(), actor, id, appointment.RescheduleRequest{
		Date:   appointment.Day(req.Date),
		Slot:   slot,
		Reason: req.Reason,
	})
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := parseAppointmentID(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	var req CancelAppointmentRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), actor, id, req.CancellationReason)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) availableSlots(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	doctorID := chi.URLParam(r, "doctorId")
	day, err := appointment.ParseDay(r.URL.Query().Get("date"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	slots, err := h.svc.AvailableSlots(r.Context(), doctorID, day)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	resp := AvailableSlotsResponse{
		DoctorID: doctorID,
		Date:     day.String(),
		Slots:    make([]string, 0, len(slots)),
	}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, string(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) purgeAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := parseAppointmentID(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	if err := h.svc.PurgeAppointment(r.Context(), actor, id); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
