// Package audit defines the audit event contract emitted by the access engine
// and a small set of sinks for it.
//
// # Overview
//
// Every mutation of roles, grants, assignments, overrides and templates, and
// optionally every authorization decision, produces one Event. The storage
// format is left to the sink: events can be written to logrus, appended to a
// rotating JSON-lines file, fanned out to several sinks, or recorded in memory.
//
// # Event Types
//
// Role grants: rbac.role_grant.create, rbac.role_grant.revoke, rbac.role_grant.toggle
// Assignments: rbac.assignment.create, rbac.assignment.revoke, rbac.assignment.expire
// Overrides: rbac.override.set, rbac.override.clear, rbac.override.expire
// Catalog: rbac.role.{create,update,delete}, rbac.permission.{create,activate}
// Templates: rbac.template.{create,update,delete,apply}
// Decisions: rbac.decision
//
// # Usage Example
//
//	sink := audit.NewMultiLogger(
//		audit.NewLogrusLogger(log),
//		fileLogger,
//	)
//	ctx = audit.WithActor(ctx, "admin@example.com")
//	engine := rbac.New(repo, rbac.WithAuditLogger(sink))
//
// The actor attached with WithActor is copied onto every event produced while
// serving that context.
package audit
