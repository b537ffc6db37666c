package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// MultiLogger fans events out to several audit sinks
type MultiLogger struct {
	loggers []Logger
	async   bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	errors []error
}

// NewMultiLogger creates a logger that writes to every given sink synchronously
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// NewSink returns the logrus sink, additionally writing rotated JSON-lines
// files under dir when dir is not empty.
func NewSink(logger logrus.FieldLogger, dir string) (Logger, error) {
	if dir == "" {
		return NewLogrusLogger(logger), nil
	}
	cfg := DefaultFileLoggerConfig()
	cfg.BasePath = dir
	file, err := NewFileLogger(cfg)
	if err != nil {
		return nil, err
	}
	return NewMultiLogger(NewLogrusLogger(logger), file), nil
}

// SetAsync sets whether logging should be asynchronous
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log logs an audit event to all configured loggers
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	if len(m.loggers) == 0 {
		return nil
	}
	if m.async {
		m.logAsync(ctx, event)
		return nil
	}
	return m.logSync(ctx, event)
}

// logSync logs to every sink and returns the first failure
func (m *MultiLogger) logSync(ctx context.Context, event *Event) error {
	var firstErr error
	for _, logger := range m.loggers {
		// Keep going so one broken sink does not starve the others
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiLogger) logAsync(ctx context.Context, event *Event) {
	// Detach from request cancellation; the event outlives the call
	ctx = context.WithoutCancel(ctx)
	for _, logger := range m.loggers {
		m.wg.Add(1)
		go func(l Logger) {
			defer m.wg.Done()
			if err := l.Log(ctx, event); err != nil {
				m.mu.Lock()
				m.errors = append(m.errors, err)
				m.mu.Unlock()
			}
		}(logger)
	}
}

// Wait waits for all async logging operations to complete
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors returns and clears the failures collected from async logging
func (m *MultiLogger) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.errors
	m.errors = nil
	return errs
}

// Close waits for pending events and closes all loggers
func (m *MultiLogger) Close() error {
	m.wg.Wait()

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close logger: %w", err)
		}
	}
	return firstErr
}
