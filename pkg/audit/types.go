package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Role grant events
	EventTypeRoleGrantCreate EventType = "rbac.role_grant.create"
	EventTypeRoleGrantRevoke EventType = "rbac.role_grant.revoke"
	EventTypeRoleGrantToggle EventType = "rbac.role_grant.toggle"

	// User role assignment events
	EventTypeAssignmentCreate EventType = "rbac.assignment.create"
	EventTypeAssignmentRevoke EventType = "rbac.assignment.revoke"
	EventTypeAssignmentExpire EventType = "rbac.assignment.expire"

	// User permission override events
	EventTypeOverrideSet    EventType = "rbac.override.set"
	EventTypeOverrideClear  EventType = "rbac.override.clear"
	EventTypeOverrideExpire EventType = "rbac.override.expire"

	// Catalog events
	EventTypeRoleCreate         EventType = "rbac.role.create"
	EventTypeRoleUpdate         EventType = "rbac.role.update"
	EventTypeRoleDelete         EventType = "rbac.role.delete"
	EventTypePermissionCreate   EventType = "rbac.permission.create"
	EventTypePermissionActivate EventType = "rbac.permission.activate"

	// Template events
	EventTypeTemplateCreate EventType = "rbac.template.create"
	EventTypeTemplateUpdate EventType = "rbac.template.update"
	EventTypeTemplateDelete EventType = "rbac.template.delete"
	EventTypeTemplateApply  EventType = "rbac.template.apply"

	// Authorization decisions
	EventTypeDecision EventType = "rbac.decision"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
	EventStatusPartial EventStatus = "partial"
)

// Event is a single audit record emitted by the access engine
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"type"`
	Outcome   EventStatus `json:"outcome"`

	// Actor is whoever performed the operation, taken from the context
	Actor string `json:"actor,omitempty"`

	// Subjects
	UserID       string `json:"user_id,omitempty"`
	RoleID       int64  `json:"role_id,omitempty"`
	PermissionID int64  `json:"permission_id,omitempty"`
	TemplateID   int64  `json:"template_id,omitempty"`
	Scope        string `json:"scope,omitempty"`

	Reason   string                 `json:"reason,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp
func NewEvent(eventType EventType, outcome EventStatus) *Event {
	return &Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Outcome:   outcome,
	}
}

// WithError records err on the event and marks it failed
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Outcome = EventStatusFailure
		e.Error = err.Error()
	}
	return e
}

// WithMetadata sets a metadata key
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
