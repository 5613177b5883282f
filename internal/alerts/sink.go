package alerts

import (
	"context"
	"log/slog"

	"scanguard/internal/model"
)

// Sink delivers an alert somewhere. Implementations must be safe for
// concurrent use; a returned error is logged by the dispatcher and never
// reaches detection.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert model.AlertEvent) error
}

// LogSink writes each alert as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Send(ctx context.Context, alert model.AlertEvent) error {
	if l.logger == nil {
		return nil
	}
	l.logger.LogAttrs(ctx, slog.LevelWarn, alert.String(),
		slog.String("id", alert.ID),
		slog.String("kind", string(alert.Kind)),
		slog.String("src", alert.SourceAddr.String()),
		slog.Int("ports", alert.DistinctPorts),
		slog.Int("threshold", alert.Threshold),
	)
	return nil
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, alert model.AlertEvent) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Send(ctx context.Context, alert model.AlertEvent) error {
	return f.Fn(ctx, alert)
}
