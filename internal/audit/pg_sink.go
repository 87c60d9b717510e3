package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink appends audit events to the audit_logs table.
type PgSink struct {
	pool *pgxpool.Pool
}

func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// Record is idempotent on ev.ID; a retried delivery of a stored event
// inserts nothing.
func (s *PgSink) Record(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_role, action, target_id, from_status, to_status, detail, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()))
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.ActorID, ev.ActorRole, ev.Action, ev.TargetID,
		nullable(ev.FromStatus), nullable(ev.ToStatus), nullable(ev.Detail),
		nullable(ev.IPAddress), nullable(ev.UserAgent), nullableTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
