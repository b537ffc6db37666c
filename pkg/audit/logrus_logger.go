package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusLogger writes audit events as structured log entries
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger creates an audit sink on top of a logrus logger
func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{logger: logger}
}

// Log writes the event at info level, or warn when it failed or was denied
func (l *LogrusLogger) Log(ctx context.Context, event *Event) error {
	fields := logrus.Fields{
		"audit_id":   event.ID.String(),
		"event_type": string(event.Type),
		"outcome":    string(event.Outcome),
	}
	if event.Actor != "" {
		fields["actor"] = event.Actor
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.RoleID != 0 {
		fields["role_id"] = event.RoleID
	}
	if event.PermissionID != 0 {
		fields["permission_id"] = event.PermissionID
	}
	if event.TemplateID != 0 {
		fields["template_id"] = event.TemplateID
	}
	if event.Scope != "" {
		fields["scope"] = event.Scope
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.logger.WithFields(fields)
	msg := event.Message
	if msg == "" {
		msg = string(event.Type)
	}
	switch event.Outcome {
	case EventStatusFailure, EventStatusDenied:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// Close is a no-op; the underlying logger is owned by the caller
func (l *LogrusLogger) Close() error {
	return nil
}
