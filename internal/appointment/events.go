package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/audit"
	"github.com/hackgods/hospital-appointments/internal/notify"
)

const relatedEntityAppointment = "appointment"

// recordAudit is fail-open: a sink error is logged and the operation
// carries on.
func (s *Service) recordAudit(ctx context.Context, actor Actor, action string, appt *Appointment, from, to Status, detail string) {
	if s.audit == nil {
		return
	}

	ev := audit.Event{
		ID:         uuid.New(),
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		Action:     action,
		TargetID:   appt.ID.String(),
		FromStatus: string(from),
		ToStatus:   string(to),
		Detail:     detail,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		Timestamp:  s.now().UTC(),
	}

	if err := s.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Error("failed to record audit event",
			zap.String("action", action),
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) sendNotification(ctx context.Context, userID string, msg notify.Message) {
	if s.notify == nil {
		return
	}

	if err := s.notify.Send(context.WithoutCancel(ctx), userID, msg); err != nil {
		s.log.Warn("failed to send notification",
			zap.String("user_id", userID),
			zap.String("related_entity_id", msg.RelatedEntityID),
			zap.Error(err),
		)
	}
}

func bookedMessage(a *Appointment) notify.Message {
	return notify.Message{
		Type:              notify.TypeAppointment,
		Priority:          notify.PriorityNormal,
		Title:             "New appointment",
		Message:           fmt.Sprintf("Patient %s booked %s at %s (%s).", a.PatientID, a.Date, a.Slot, a.Status),
		RelatedEntityType: relatedEntityAppointment,
		RelatedEntityID:   a.ID.String(),
	}
}

func statusMessage(a *Appointment) notify.Message {
	msg := notify.Message{
		Type:              notify.TypeAppointment,
		Priority:          notify.PriorityNormal,
		RelatedEntityType: relatedEntityAppointment,
		RelatedEntityID:   a.ID.String(),
	}

	switch a.Status {
	case StatusConfirmed:
		msg.Title = "Appointment confirmed"
		msg.Message = fmt.Sprintf("Your appointment on %s at %s is confirmed.", a.Date, a.Slot)
	case StatusCompleted:
		msg.Priority = notify.PriorityInfo
		msg.Title = "Appointment completed"
		msg.Message = fmt.Sprintf("Your appointment on %s at %s has been completed.", a.Date, a.Slot)
	case StatusCancelled:
		msg.Priority = notify.PriorityHigh
		msg.Title = "Appointment cancelled"
		msg.Message = fmt.Sprintf("Your appointment on %s at %s was cancelled.", a.Date, a.Slot)
		if a.CancellationReason != nil && *a.CancellationReason != "" {
			msg.Message += " Reason: " + *a.CancellationReason
		}
	case StatusPending:
		msg.Title = "Appointment back to pending"
		msg.Message = fmt.Sprintf("Appointment with patient %s on %s at %s needs confirmation again.", a.PatientID, a.Date, a.Slot)
	}

	return msg
}

func rescheduledMessage(before, after *Appointment) notify.Message {
	return notify.Message{
		Type:              notify.TypeAppointment,
		Priority:          notify.PriorityHigh,
		Title:             "Appointment rescheduled",
		Message:           fmt.Sprintf("Your appointment on %s at %s moved to %s at %s.", before.Date, before.Slot, after.Date, after.Slot),
		RelatedEntityType: relatedEntityAppointment,
		RelatedEntityID:   after.ID.String(),
	}
}
