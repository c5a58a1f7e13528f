package projector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "caseflow:case-status"

// RedisSink publishes notifications on a Redis channel for the case service
// to consume.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a Redis pub/sub sink.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Deliver implements Sink.
func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("projector: marshal notification: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("projector: publish to %s: %w", s.channel, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisSink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LogSink writes notifications to the log. It is used when no case service
// is wired, e.g. in development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("projector")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	s.logger.Info("case status projected",
		zap.String("delivery_id", n.DeliveryID),
		zap.String("case_id", n.CaseID),
		zap.String("instance_id", n.InstanceID),
		zap.String("outcome", string(n.Outcome)),
		zap.String("case_status", string(n.CaseStatus)),
	)
	return nil
}
