package audit

import (
	"context"
	"sync"
)

// MemoryLogger keeps events in memory. Useful in tests and for short-lived tools.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLogger creates an empty in-memory recorder
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log records a copy of the event
func (l *MemoryLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *event)
	return nil
}

// Events returns a copy of everything recorded so far
func (l *MemoryLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// OfType returns the recorded events of one type
func (l *MemoryLogger) OfType(eventType EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events
func (l *MemoryLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// Close is a no-op
func (l *MemoryLogger) Close() error {
	return nil
}
