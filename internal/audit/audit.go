// Package audit records workflow commands in the system audit trail.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Audit event types emitted by the workflow engine.
const (
	EventWorkflowStarted   = "CaseWorkflowStarted"
	EventActionPerformed   = "CaseWorkflowActionPerformed"
	EventWorkflowAborted   = "CaseWorkflowAborted"
	EventWorkflowRemoved   = "CaseWorkflowRemoved"
	EventWorkflowArchived  = "CaseWorkflowArchived"
	ResourceTypeCase       = "Case"
	defaultServiceName     = "caseflow"
)

// Record is one audit trail entry.
type Record struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	ServiceName   string         `json:"service_name"`
	EventType     string         `json:"event_type"`
	ActorUserID   string         `json:"actor_user_id"`
	ActorUsername string         `json:"actor_username,omitempty"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Sink writes audit records.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Normalize fills the id, timestamp and service name when they are unset.
func Normalize(rec Record, serviceName string) Record {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ServiceName == "" {
		rec.ServiceName = serviceName
	}
	if rec.ServiceName == "" {
		rec.ServiceName = defaultServiceName
	}
	if rec.ResourceType == "" {
		rec.ResourceType = ResourceTypeCase
	}
	return rec
}

// --- LogSink ---

// LogSink writes audit records as structured log lines.
type LogSink struct {
	logger      *zap.Logger
	serviceName string
}

// NewLogSink creates a sink that logs through logger under the "audit" name.
func NewLogSink(logger *zap.Logger, serviceName string) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit"), serviceName: serviceName}
}

// Record logs rec at info level.
func (s *LogSink) Record(_ context.Context, rec Record) error {
	rec = Normalize(rec, s.serviceName)
	s.logger.Info("audit",
		zap.String("audit_id", rec.ID),
		zap.Time("timestamp", rec.Timestamp),
		zap.String("service_name", rec.ServiceName),
		zap.String("event_type", rec.EventType),
		zap.String("actor_user_id", rec.ActorUserID),
		zap.String("resource_type", rec.ResourceType),
		zap.String("resource_id", rec.ResourceID),
		zap.Any("details", rec.Details),
		zap.String("correlation_id", rec.CorrelationID),
	)
	return nil
}

// --- MultiSink ---

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

// Record writes rec to every sink, continuing past failures.
func (m MultiSink) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// --- NopSink ---

// NopSink discards every record.
type NopSink struct{}

// Record does nothing.
func (NopSink) Record(context.Context, Record) error { return nil }
