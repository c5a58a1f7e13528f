package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink appends audit records to the audit_logs table.
type PgSink struct {
	pool        *pgxpool.Pool
	serviceName string
}

// NewPgSink creates a Postgres audit sink.
func NewPgSink(pool *pgxpool.Pool, serviceName string) *PgSink {
	return &PgSink{pool: pool, serviceName: serviceName}
}

// Record inserts rec.
func (s *PgSink) Record(ctx context.Context, rec Record) error {
	rec = Normalize(rec, s.serviceName)

	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (
			id, occurred_at, service_name, event_type, actor_user_id,
			resource_type, resource_id, details, correlation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Timestamp, rec.ServiceName, rec.EventType, rec.ActorUserID,
		rec.ResourceType, rec.ResourceID, detailsJSON, rec.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
