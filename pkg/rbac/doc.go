// Package rbac resolves effective permissions from scoped, time-bounded role
// assignments and per-user overrides, and composes reusable permission
// templates.
//
// # Overview
//
// The package answers one question: can user U do X in context C at time T.
// The answer is derived from three inputs held by a Repository:
//
//   - role assignments, each bound to a Scope and an effective window
//   - user overrides, which grant or deny a single permission directly
//   - role grants, which list the permissions each role carries
//
// Templates are named snapshots of permission ids. Applying one copies its
// ids onto a role or a user; nothing links the target back afterwards.
//
// # Scopes
//
// A Scope is a path of level:id segments with strictly increasing levels:
//
//	department:D1
//	department:D1/branch:B7
//	department:D1/branch:B7/team:T3
//
// The empty Scope is global. A scope contains itself and every scope below
// it, so an assignment at department:D1 applies when resolving for
// department:D1/branch:B7 but not for department:D2.
//
// # Resolution
//
// Resolver.Resolve evaluates, in order:
//
//  1. assignments effective at AsOf whose scope contains the context scope
//  2. the direct grants of those roles, unioned
//  3. overrides effective at AsOf whose scope contains the context scope
//  4. the overrides split into grants and denies
//  5. (role grants ∪ override grants) minus denies
//  6. source attribution, "direct" when an override grant exists
//  7. entries ordered by permission id
//
// A deny always wins. Parent roles do not pass their grants down unless the
// engine is built WithRoleInheritance(true).
//
// # Usage
//
//	repo := rbac.NewMemoryRepository()
//	engine := rbac.New(repo,
//		rbac.WithLogger(logger),
//		rbac.WithCache(rbac.NewLRUCache(10000, 5*time.Minute)),
//	)
//
//	set, err := engine.Resolver.Resolve(ctx, rbac.ResolveRequest{
//		UserID: "u1",
//		Scope:  rbac.MustScope("department:D1"),
//	})
//
//	decision, err := engine.Resolver.Check(ctx, "u1", "application:approve:department",
//		rbac.MustScope("department:D1"), time.Time{})
//
// # Errors
//
// Mutations fail with ErrNotFound, ErrConflict, ErrImmutable or a
// *ValidationError (which matches ErrValidation). None are transient.
//
// # Caching
//
// A Cache stores resolved sets per user and scope. Every write through the
// AssignmentStore, Catalog, Matrix or Composer invalidates the users it can
// affect. Entries carry a generation stamp read before the snapshot, so a
// set computed from data older than the last invalidation is never served.
// Cached sets are only reused for instants inside their validity window.
package rbac
