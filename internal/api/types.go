package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-appointments/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID string  `json:"patientId" validate:"omitempty,max=64"`
	DoctorID  string  `json:"doctorId" validate:"required,max=64"`
	Date      string  `json:"date" validate:"required,datetime=2006-01-02"`
	Slot      string  `json:"slot" validate:"required"`
	Fee       int64   `json:"fee" validate:"gte=0"`
	Reason    *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// RescheduleAppointmentRequest has no fee; the fee is fixed at booking.
type RescheduleAppointmentRequest struct {
	Date   string  `json:"date" validate:"required,datetime=2006-01-02"`
	Slot   string  `json:"slot" validate:"required"`
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

type UpdateStatusRequest struct {
	Status             string  `json:"status" validate:"required"`
	CancellationReason *string `json:"cancellationReason,omitempty" validate:"omitempty,max=500"`
}

type CancelAppointmentRequest struct {
	CancellationReason *string `json:"cancellationReason,omitempty" validate:"omitempty,max=500"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID `json:"id"`
	PatientID          string    `json:"patientId"`
	DoctorID           string    `json:"doctorId"`
	Date               string    `json:"date"`
	Slot               string    `json:"slot"`
	Status             string    `json:"status"`
	Fee                int64     `json:"fee"`
	Reason             *string   `json:"reason,omitempty"`
	CancellationReason *string   `json:"cancellationReason,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Count        int                   `json:"count"`
}

type AvailableSlotsResponse struct {
	DoctorID string   `json:"doctorId"`
	Date     string   `json:"date"`
	Slots    []string `json:"slots"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		DoctorID:           a.DoctorID,
		Date:               a.Date.String(),
		Slot:               string(a.Slot),
		Status:             string(a.Status),
		Fee:                a.Fee,
		Reason:             a.Reason,
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}
