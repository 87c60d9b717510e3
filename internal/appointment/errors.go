package appointment

import (
	"errors"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrSlotConflict        = errors.New("slot already booked")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrUnknownStatus       = errors.New("unknown status")
	ErrForbidden           = errors.New("forbidden")
	ErrUserNotFound        = &notFoundError{what: "user"}
	ErrPatientNotFound     = &notFoundError{what: "patient"}
	ErrDoctorNotFound      = &notFoundError{what: "doctor"}
	ErrAppointmentNotFound = &notFoundError{what: "appointment"}
)

// ErrStaleStatus is returned by Tx.UpdateStatus when the row no longer has
// the expected status. The service turns it into ErrInvalidTransition.
var ErrStaleStatus = errors.New("appointment status changed concurrently")

type notFoundError struct {
	what string
}

func (e *notFoundError) Error() string { return e.what + " not found" }

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindSlotConflict      Kind = "slot_conflict"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnknownStatus     Kind = "unknown_status"
	KindForbidden         Kind = "forbidden"
	KindInternal          Kind = "internal_error"
)

// KindOf maps an engine error to its machine-readable kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrSlotConflict):
		return KindSlotConflict
	case errors.Is(err, ErrUnknownStatus):
		return KindUnknownStatus
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindInternal
	}
}
