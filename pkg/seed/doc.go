// Package seed loads a YAML catalog of permissions, roles, grants and
// templates and applies it to an engine.
//
// # Document
//
//	permissions:
//	  - resource_type: application
//	    action: approve
//	    scope: department
//	  - resource_type: settings
//	    action: manage
//	    system: true
//	roles:
//	  - name: staff
//	    level: 10
//	    permissions: [application:view:global]
//	  - name: manager
//	    level: 60
//	    parent: staff
//	    permissions: [application:approve:department]
//	templates:
//	  - name: Manager kit
//	    description: Approvals for new managers
//	    permissions: [application:approve:department]
//
// Grants and templates reference permissions by resource:action:scope key.
//
// # Applying
//
// Apply is idempotent: entries are matched by key or name and existing ones
// are kept. Grants that involve system roles or permissions are written
// straight to the repository, since the engine treats them as immutable,
// and the resolution cache is purged afterwards.
//
//	catalog, err := seed.Load(path)
//	applier := seed.NewApplier(engine, repo, cache, logger)
//	res, err := applier.Apply(ctx, catalog)
//
// Watch reapplies the file whenever it changes on disk.
package seed
