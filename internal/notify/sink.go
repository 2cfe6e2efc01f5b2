package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Sink delivers events to one notification channel.
type Sink interface {
	Send(ctx context.Context, event models.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event models.Event) error

func (f SinkFunc) Send(ctx context.Context, event models.Event) error { return f(ctx, event) }

// LogSink writes events to the log at a level matching their severity.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Send(_ context.Context, e models.Event) error {
	level := zapcore.InfoLevel
	switch e.Severity {
	case models.SeverityWarning:
		level = zapcore.WarnLevel
	case models.SeverityCritical:
		level = zapcore.ErrorLevel
	}
	s.logger.Log(level, string(e.Kind),
		zap.String("severity", string(e.Severity)),
		zap.Time("timestamp", e.Timestamp),
		zap.Any("payload", e.Payload))
	return nil
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Send(ctx context.Context, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis sink: encode %s: %w", e.Kind, err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis sink: publish to %s: %w", s.channel, err)
	}
	return nil
}
