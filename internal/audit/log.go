package audit

import (
	"context"
	"log/slog"
)

// LogSink writes each record as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, rec *Record) error {
	attrs := []any{
		"request_id", rec.RequestID,
		"subject", rec.Subject,
		"op", rec.Op,
		"model", rec.Model,
		"provider", rec.Provider,
		"stream", rec.Stream,
		"outcome", rec.Outcome,
		"status", rec.HTTPStatus,
		"total_tokens", rec.TotalTokens,
		"latency_ms", rec.LatencyMs,
	}
	if rec.UsageEstimated {
		attrs = append(attrs, "usage_estimated", true)
	}
	if rec.CreditsDebited > 0 {
		attrs = append(attrs, "credits_debited", rec.CreditsDebited)
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
	}
	s.logger.Info("request audit", attrs...)
	return nil
}

func (s *LogSink) Close(context.Context) error { return nil }
