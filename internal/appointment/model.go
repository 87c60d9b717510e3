package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleDoctor       Role = "doctor"
	RoleReceptionist Role = "receptionist"
	RolePatient      Role = "patient"
)

// ParseRole accepts the lowercase role names as well as the upper case
// variants older clients still send.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleDoctor, RoleReceptionist, RolePatient:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
}

// IsStaff reports whether the role belongs to clinic staff.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleReceptionist || r == RoleDoctor
}

// IsFrontDesk is true for roles that may book directly into Confirmed.
func (r Role) IsFrontDesk() bool {
	return r == RoleAdmin || r == RoleReceptionist
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID        string
	Role      Role
	IPAddress string
	UserAgent string
}

// Day is a clinic calendar day formatted as YYYY-MM-DD.
type Day string

const dayLayout = "2006-01-02"

func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	return Day(t.Format(dayLayout)), nil
}

func DayOf(t time.Time) Day {
	return Day(t.Format(dayLayout))
}

// Time returns midnight UTC of the day. Zero time if the day is malformed.
func (d Day) Time() time.Time {
	t, _ := time.Parse(dayLayout, string(d))
	return t
}

func (d Day) String() string { return string(d) }

// SlotKey identifies a bookable unit of a doctor's calendar.
type SlotKey struct {
	DoctorID string
	Date     Day
	Slot     Slot
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.DoctorID, k.Date, k.Slot)
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          string
	DoctorID           string
	Date               Day
	Slot               Slot
	Status             Status
	Fee                int64
	Reason             *string
	CancellationReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a *Appointment) Key() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, Slot: a.Slot}
}

// HoldsSlot reports whether the appointment occupies its slot in the index.
// Completed appointments keep their slot forever.
func (a *Appointment) HoldsSlot() bool {
	return a.Status != StatusCancelled
}

// VisibleTo reports whether the actor may see the appointment at all.
func (a *Appointment) VisibleTo(actor Actor) bool {
	switch actor.Role {
	case RoleAdmin, RoleReceptionist:
		return true
	case RoleDoctor:
		return a.DoctorID == actor.ID
	case RolePatient:
		return a.PatientID == actor.ID
	default:
		return false
	}
}

// RescheduleRequest moves a pending appointment. A nil Reason keeps the
// current one; the fee never changes.
type RescheduleRequest struct {
	Date   Day
	Slot   Slot
	Reason *string
}

type BookRequest struct {
	PatientID string
	DoctorID  string
	Date      Day
	Slot      Slot
	Fee       int64
	Reason    *string
}

type ListFilter struct {
	PatientID string
	DoctorID  string
	Status    *Status
	Date      *Day
}
