package telemetry

import (
	"log/slog"
	"time"
)

// LogMetrics writes metrics to the structured log.
type LogMetrics struct {
	logger *slog.Logger
}

var _ Recorder = (*LogMetrics)(nil)

// NewLogMetrics creates a LogMetrics.
func NewLogMetrics(logger *slog.Logger) *LogMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMetrics{logger: logger.With("component", "metrics")}
}

func (m *LogMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.logger.Debug("metric",
		"name", MetricRequestCount,
		"method", method,
		"route", endpoint,
		"status", status,
		"latency_ms", duration.Milliseconds(),
	)
}

func (m *LogMetrics) RecordLogin(stage, result string) {
	m.logger.Info("metric",
		"name", MetricLoginOutcome,
		"stage", stage,
		"result", result,
	)
}
