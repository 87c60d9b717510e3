package notify

import (
	"context"

	"go.uber.org/zap"
)

type Type string

const (
	TypeAppointment Type = "APPOINTMENT"
	TypeSystem      Type = "SYSTEM"
)

type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityInfo     Priority = "INFO"
)

// Message is a user-facing notification.
type Message struct {
	Type              Type     `json:"type" bson:"type"`
	Priority          Priority `json:"priority" bson:"priority"`
	Title             string   `json:"title" bson:"title"`
	Message           string   `json:"message" bson:"message"`
	RelatedEntityType string   `json:"related_entity_type,omitempty" bson:"relatedEntityType,omitempty"`
	RelatedEntityID   string   `json:"related_entity_id,omitempty" bson:"relatedEntityId,omitempty"`
}

type Sink interface {
	Send(ctx context.Context, userID string, msg Message) error
}

// LogSink only logs. Default for development.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("notify")}
}

func (s *LogSink) Send(_ context.Context, userID string, msg Message) error {
	s.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("type", string(msg.Type)),
		zap.String("priority", string(msg.Priority)),
		zap.String("title", msg.Title),
		zap.String("related_entity_id", msg.RelatedEntityID),
	)
	return nil
}
