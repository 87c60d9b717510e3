package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/audit"
	"github.com/hackgods/hospital-appointments/internal/metrics"
	"github.com/hackgods/hospital-appointments/internal/notify"
)

const (
	SinkAudit        = "audit"
	SinkNotification = "notification"
)

// AuditQueue is an audit.Sink that records asynchronously.
type AuditQueue struct {
	*Queue[audit.Event]
}

func NewAuditQueue(sink audit.Sink, cfg Config, dead DeadLetters, log *zap.Logger, m *metrics.Metrics) *AuditQueue {
	return &AuditQueue{NewQueue(SinkAudit, cfg, sink.Record, dead, log, m)}
}

func (q *AuditQueue) Record(_ context.Context, ev audit.Event) error {
	return q.Enqueue(ev)
}

// Notification is a queued notify.Sink call.
type Notification struct {
	UserID  string         `json:"user_id"`
	Message notify.Message `json:"message"`
}

// NotifyQueue is a notify.Sink that sends asynchronously.
type NotifyQueue struct {
	*Queue[Notification]
}

func NewNotifyQueue(sink notify.Sink, cfg Config, dead DeadLetters, log *zap.Logger, m *metrics.Metrics) *NotifyQueue {
	deliver := func(ctx context.Context, n Notification) error {
		return sink.Send(ctx, n.UserID, n.Message)
	}
	return &NotifyQueue{NewQueue(SinkNotification, cfg, deliver, dead, log, m)}
}

func (q *NotifyQueue) Send(_ context.Context, userID string, msg notify.Message) error {
	return q.Enqueue(Notification{UserID: userID, Message: msg})
}

// Replayer re-delivers dead letters straight to the underlying sinks.
type Replayer struct {
	Audit  audit.Sink
	Notify notify.Sink
}

func (r Replayer) Replay(ctx context.Context, l Letter) error {
	switch l.Sink {
	case SinkAudit:
		var ev audit.Event
		if err := json.Unmarshal(l.Payload, &ev); err != nil {
			return fmt.Errorf("decode audit letter: %w", err)
		}
		return r.Audit.Record(ctx, ev)
	case SinkNotification:
		var n Notification
		if err := json.Unmarshal(l.Payload, &n); err != nil {
			return fmt.Errorf("decode notification letter: %w", err)
		}
		return r.Notify.Send(ctx, n.UserID, n.Message)
	default:
		return fmt.Errorf("unknown dead letter sink %q", l.Sink)
	}
}
