package audit

import (
	"context"
	"fmt"
)

// MultiLogger fans one event out to several loggers. Every logger gets
// every event even when an earlier one fails; the first error wins.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger wires a fan-out logger.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log writes the event to every logger.
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every logger.
func (m *MultiLogger) Close() error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close audit logger: %w", err)
		}
	}
	return firstErr
}
