package appointment

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus is case-insensitive. Anything outside the four states is
// ErrUnknownStatus.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// who may trigger an edge of the state machine
type permit func(actor Actor, appt *Appointment) bool

func staffOnly(actor Actor, _ *Appointment) bool {
	return actor.Role.IsStaff()
}

func participantOrFrontDesk(actor Actor, appt *Appointment) bool {
	switch actor.Role {
	case RoleAdmin, RoleReceptionist:
		return true
	case RoleDoctor:
		return appt.DoctorID == actor.ID
	case RolePatient:
		return appt.PatientID == actor.ID
	}
	return false
}

var transitions = map[Status]map[Status]permit{
	StatusPending: {
		StatusConfirmed: staffOnly,
		StatusCompleted: staffOnly,
		StatusCancelled: participantOrFrontDesk,
	},
	StatusConfirmed: {
		StatusPending:   staffOnly,
		StatusCompleted: staffOnly,
		StatusCancelled: participantOrFrontDesk,
	},
}

// CheckTransition validates moving appt to target on behalf of actor.
func CheckTransition(actor Actor, appt *Appointment, target Status) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	if appt.Status.Terminal() {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, appt.Status)
	}
	edges, ok := transitions[appt.Status]
	if !ok {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, appt.Status)
	}
	allowed, ok := edges[target]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, target)
	}
	if !allowed(actor, appt) {
		return fmt.Errorf("%w: %s may not move appointment to %s", ErrForbidden, actor.Role, target)
	}
	return nil
}

// InitialStatus is the status a booking made by the given role starts in.
func InitialStatus(role Role) Status {
	if role.IsFrontDesk() {
		return StatusConfirmed
	}
	return StatusPending
}
