package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ActionAppointmentCreated       = "APPOINTMENT_CREATED"
	ActionAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	ActionAppointmentUpdated       = "APPOINTMENT_UPDATED"
	ActionAppointmentDeleted       = "APPOINTMENT_DELETED"
)

// Event is an immutable record of who did what to which appointment. ID is
// fixed when the event is created so redelivery of the same event is a
// no-op for sinks that store it.
type Event struct {
	ID         uuid.UUID `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	TargetID   string    `json:"target_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// LogSink writes audit events to the structured log only.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, ev Event) error {
	s.log.Info("audit event",
		zap.String("event_id", ev.ID.String()),
		zap.String("action", ev.Action),
		zap.String("actor_id", ev.ActorID),
		zap.String("actor_role", ev.ActorRole),
		zap.String("target_id", ev.TargetID),
		zap.String("from_status", ev.FromStatus),
		zap.String("to_status", ev.ToStatus),
		zap.String("detail", ev.Detail),
		zap.String("ip_address", ev.IPAddress),
		zap.String("user_agent", ev.UserAgent),
		zap.Time("timestamp", ev.Timestamp),
	)
	return nil
}
