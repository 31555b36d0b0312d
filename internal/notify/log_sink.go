package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes notifications to the agent log.
type LogSink struct {
	logger *zerolog.Logger
}

func NewLogSink(logger *zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n Notification) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Info().
		Str("kind", n.Kind).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("notification")
	return nil
}
