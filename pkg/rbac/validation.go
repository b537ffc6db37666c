package rbac

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// validateStruct runs the struct tags of req and reports the first failure as
// a *ValidationError naming the json field.
func validateStruct(req interface{}) error {
	err := requestValidator().Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Message: describeTag(fe)}
	}
	return &ValidationError{Field: "request", Message: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func checkWindow(from time.Time, until *time.Time) error {
	if until != nil && !from.IsZero() && !until.After(from) {
		return invalid("effective_until", "must be after effective_from")
	}
	return nil
}

// CreatePermissionRequest describes a new catalog permission.
type CreatePermissionRequest struct {
	ResourceType       string          `json:"resource_type" validate:"required,max=100"`
	Action             string          `json:"action" validate:"required,max=100"`
	Scope              ScopeLevel      `json:"scope" validate:"min=0,max=4"`
	Description        string          `json:"description"`
	IsSystemPermission bool            `json:"is_system_permission"`
	Conditions         json.RawMessage `json:"conditions,omitempty"`
}

func (r *CreatePermissionRequest) normalize() error {
	r.ResourceType = strings.TrimSpace(r.ResourceType)
	r.Action = strings.TrimSpace(r.Action)
	if err := validateStruct(r); err != nil {
		return err
	}
	if strings.Contains(r.ResourceType, ":") {
		return invalid("resource_type", "must not contain ':'")
	}
	if strings.Contains(r.Action, ":") {
		return invalid("action", "must not contain ':'")
	}
	if len(r.Conditions) > 0 && !json.Valid(r.Conditions) {
		return invalid("conditions", "must be valid JSON")
	}
	return nil
}

// CreateRoleRequest describes a new role.
type CreateRoleRequest struct {
	Name         string `json:"name" validate:"required,max=100"`
	Description  string `json:"description"`
	Level        int    `json:"level" validate:"min=0,max=100"`
	ParentRoleID *int64 `json:"parent_role_id,omitempty"`
	IsSystemRole bool   `json:"is_system_role"`
}

func (r *CreateRoleRequest) normalize() error {
	r.Name = strings.TrimSpace(r.Name)
	return validateStruct(r)
}

// UpdateRoleRequest replaces the editable attributes of a role. Name is
// optional and, when set, must equal the current name.
type UpdateRoleRequest struct {
	ID           int64  `json:"id" validate:"required"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description"`
	Level        int    `json:"level" validate:"min=0,max=100"`
	ParentRoleID *int64 `json:"parent_role_id,omitempty"`
	IsActive     bool   `json:"is_active"`
}

func (r *UpdateRoleRequest) normalize() error {
	r.Name = strings.TrimSpace(r.Name)
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.ParentRoleID != nil && *r.ParentRoleID == r.ID {
		return invalid("parent_role_id", "a role cannot be its own parent")
	}
	return nil
}

// AssignRoleRequest binds a role to a user.
type AssignRoleRequest struct {
	UserID         string     `json:"user_id" validate:"required"`
	RoleID         int64      `json:"role_id" validate:"required"`
	Scope          Scope      `json:"scope"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
}

func (r *AssignRoleRequest) normalize(now time.Time) error {
	r.UserID = strings.TrimSpace(r.UserID)
	if err := validateStruct(r); err != nil {
		return err
	}
	scope, err := ParseScope(string(r.Scope))
	if err != nil {
		return err
	}
	r.Scope = scope
	if r.EffectiveFrom.IsZero() {
		r.EffectiveFrom = now
	}
	return checkWindow(r.EffectiveFrom, r.EffectiveUntil)
}

// OverrideRequest grants or denies one permission directly to a user. A
// deny requires a reason.
type OverrideRequest struct {
	UserID         string     `json:"user_id" validate:"required"`
	PermissionID   int64      `json:"permission_id" validate:"required"`
	IsGranted      bool       `json:"is_granted"`
	Scope          Scope      `json:"scope"`
	Reason         string     `json:"reason"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
}

func (r *OverrideRequest) normalize(now time.Time) error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Reason = strings.TrimSpace(r.Reason)
	if err := validateStruct(r); err != nil {
		return err
	}
	if !r.IsGranted && r.Reason == "" {
		return invalid("reason", "is required when denying a permission")
	}
	scope, err := ParseScope(string(r.Scope))
	if err != nil {
		return err
	}
	r.Scope = scope
	if r.EffectiveFrom.IsZero() {
		r.EffectiveFrom = now
	}
	return checkWindow(r.EffectiveFrom, r.EffectiveUntil)
}

// CreateTemplateRequest describes a new permission template.
type CreateTemplateRequest struct {
	Name             string  `json:"name" validate:"required,max=200"`
	Description      string  `json:"description" validate:"required"`
	TemplateType     string  `json:"template_type"`
	PermissionIDs    []int64 `json:"permission_ids"`
	IsSystemTemplate bool    `json:"is_system_template"`
}

func (r *CreateTemplateRequest) normalize() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	r.TemplateType = strings.TrimSpace(r.TemplateType)
	return validateStruct(r)
}

// TemplateUpdate replaces the editable attributes of a template.
type TemplateUpdate struct {
	Name          string  `json:"name" validate:"required,max=200"`
	Description   string  `json:"description" validate:"required"`
	TemplateType  string  `json:"template_type"`
	PermissionIDs []int64 `json:"permission_ids"`
	IsActive      bool    `json:"is_active"`
}

func (r *TemplateUpdate) normalize() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	r.TemplateType = strings.TrimSpace(r.TemplateType)
	return validateStruct(r)
}

// TargetType is what a template is applied to.
type TargetType string

const (
	TargetRole TargetType = "role"
	TargetUser TargetType = "user"
)

// ApplyTemplateRequest copies a template's permissions onto a role or user.
// For a role TargetID is the decimal role id; for a user it is the user id.
// Scope only applies to user targets.
type ApplyTemplateRequest struct {
	TemplateID int64      `json:"template_id" validate:"required"`
	TargetType TargetType `json:"target_type" validate:"required,oneof=role user"`
	TargetID   string     `json:"target_id" validate:"required"`
	Scope      Scope      `json:"scope"`
}

func (r *ApplyTemplateRequest) normalize() error {
	r.TargetID = strings.TrimSpace(r.TargetID)
	if err := validateStruct(r); err != nil {
		return err
	}
	scope, err := ParseScope(string(r.Scope))
	if err != nil {
		return err
	}
	r.Scope = scope
	return nil
}

// ResolveRequest asks for a user's effective permissions in a context scope.
// A zero AsOf means now.
type ResolveRequest struct {
	UserID string    `json:"user_id" validate:"required"`
	Scope  Scope     `json:"scope"`
	AsOf   time.Time `json:"as_of"`
}

func (r *ResolveRequest) normalize(now time.Time) error {
	r.UserID = strings.TrimSpace(r.UserID)
	if err := validateStruct(r); err != nil {
		return err
	}
	scope, err := ParseScope(string(r.Scope))
	if err != nil {
		return err
	}
	r.Scope = scope
	if r.AsOf.IsZero() {
		r.AsOf = now
	}
	r.AsOf = r.AsOf.UTC()
	return nil
}
