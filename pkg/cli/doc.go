// Package cli implements accessctl, the administration CLI for the access
// grid.
//
// # Overview
//
// Every command opens the engine described by the ACCESSGRID_* environment
// (see package config), performs one operation and closes it again. Audit
// events name the operator as accessctl:<login>.
//
// # Commands
//
// migrate: Apply pending schema migrations
//
//	accessctl migrate
//
// seed: Apply a YAML catalog (see package seed)
//
//	accessctl seed -file catalog.yaml -prune
//
// matrix: Show or edit the role x permission grid
//
//	accessctl matrix -resource report
//	accessctl matrix -apply changes.json
//	accessctl toggle manager report:export:branch
//	accessctl grant manager report:view
//
// assign, override: Bind roles and direct grants or denies to users
//
//	accessctl assign -user u1 -role manager -scope dept:sales -until 2026-12-31T00:00:00Z
//	accessctl override -user u1 -permission report:export:branch -deny -reason "audit hold"
//
// resolve, check: Inspect effective permissions
//
//	accessctl resolve -user u1 -scope dept:sales/branch:north
//	accessctl check -user u1 -permission application:approve:department
//
// check exits non-zero when the permission is denied.
//
// generate, apply-template, compare: Work with permission templates
//
//	accessctl generate -roles manager,staff -create -name "Manager kit" -description "New managers"
//	accessctl apply-template -template "Manager kit" -user u2 -scope dept:sales
//	accessctl compare "Manager kit" "Staff kit"
//
// Roles are referenced by id or name, permissions by id or
// resource:action[:scope] key and templates by id or name.
package cli
