package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

// ErrDenied is returned by check when the permission is not held.
var ErrDenied = errors.New("permission denied")

func newAssignCommand() *Command {
	return &Command{
		Name:        "assign",
		Description: "Assign a role to a user",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "assign")
			userID := fs.String("user", "", "User id (required)")
			roleRef := fs.String("role", "", "Role id or name (required)")
			scope := fs.String("scope", "", "Assignment scope, e.g. dept:sales/branch:north")
			from := fs.String("from", "", "Start of the assignment (RFC 3339), default now")
			until := fs.String("until", "", "End of the assignment (RFC 3339), default open")
			if err := fs.Parse(args); err != nil {
				return err
			}
			effectiveFrom, err := parseTime(*from)
			if err != nil {
				return err
			}
			effectiveUntil, err := parseOptionalTime(*until)
			if err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				role, err := lookupRole(ctx, s.Engine, *roleRef)
				if err != nil {
					return err
				}
				a, err := s.Engine.Assignments.AssignRoleToUser(ctx, rbac.AssignRoleRequest{
					UserID:         *userID,
					RoleID:         role.ID,
					Scope:          rbac.Scope(*scope),
					EffectiveFrom:  effectiveFrom,
					EffectiveUntil: effectiveUntil,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "assigned %s to %s in %s (assignment %d)\n", role.Name, a.UserID, scopeName(a.Scope), a.ID)
				return nil
			})
		},
	}
}

func newUnassignCommand() *Command {
	return &Command{
		Name:        "unassign",
		Description: "Revoke a role assignment",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "unassign")
			userID := fs.String("user", "", "User id (required)")
			roleRef := fs.String("role", "", "Role id or name (required)")
			scope := fs.String("scope", "", "Assignment scope")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				role, err := lookupRole(ctx, s.Engine, *roleRef)
				if err != nil {
					return err
				}
				if err := s.Engine.Assignments.RevokeRoleFromUser(ctx, *userID, role.ID, rbac.Scope(*scope)); err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "revoked %s from %s\n", role.Name, *userID)
				return nil
			})
		},
	}
}

func newOverrideCommand() *Command {
	return &Command{
		Name:        "override",
		Description: "Grant or deny one permission directly to a user",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "override")
			userID := fs.String("user", "", "User id (required)")
			permRef := fs.String("permission", "", "Permission id or key (required)")
			deny := fs.Bool("deny", false, "Deny instead of grant; requires -reason")
			reason := fs.String("reason", "", "Why the override exists")
			scope := fs.String("scope", "", "Override scope")
			from := fs.String("from", "", "Start of the override (RFC 3339), default now")
			until := fs.String("until", "", "End of the override (RFC 3339), default open")
			if err := fs.Parse(args); err != nil {
				return err
			}
			effectiveFrom, err := parseTime(*from)
			if err != nil {
				return err
			}
			effectiveUntil, err := parseOptionalTime(*until)
			if err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				perm, err := lookupPermission(ctx, s.Engine, *permRef)
				if err != nil {
					return err
				}
				o, err := s.Engine.Assignments.SetUserPermissionOverride(ctx, rbac.OverrideRequest{
					UserID:         *userID,
					PermissionID:   perm.ID,
					IsGranted:      !*deny,
					Scope:          rbac.Scope(*scope),
					Reason:         *reason,
					EffectiveFrom:  effectiveFrom,
					EffectiveUntil: effectiveUntil,
				})
				if err != nil {
					return err
				}
				verb := "granted"
				if !o.IsGranted {
					verb = "denied"
				}
				fmt.Fprintf(env.Out, "%s %s to %s in %s (override %d)\n", verb, perm.Key(), o.UserID, scopeName(o.Scope), o.ID)
				return nil
			})
		},
	}
}

func newClearOverrideCommand() *Command {
	return &Command{
		Name:        "clear-override",
		Description: "Remove a user's permission override",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "clear-override")
			userID := fs.String("user", "", "User id (required)")
			permRef := fs.String("permission", "", "Permission id or key (required)")
			scope := fs.String("scope", "", "Override scope")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				perm, err := lookupPermission(ctx, s.Engine, *permRef)
				if err != nil {
					return err
				}
				if err := s.Engine.Assignments.ClearUserPermissionOverride(ctx, *userID, perm.ID, rbac.Scope(*scope)); err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "cleared override of %s for %s\n", perm.Key(), *userID)
				return nil
			})
		},
	}
}

func newResolveCommand() *Command {
	return &Command{
		Name:        "resolve",
		Description: "Show a user's effective permissions",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "resolve")
			userID := fs.String("user", "", "User id (required)")
			scope := fs.String("scope", "", "Context scope")
			asOf := fs.String("as-of", "", "Resolve at this instant (RFC 3339), default now")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			at, err := parseTime(*asOf)
			if err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				set, err := s.Engine.Resolver.Resolve(ctx, rbac.ResolveRequest{
					UserID: *userID,
					Scope:  rbac.Scope(*scope),
					AsOf:   at,
				})
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, set)
				}
				fmt.Fprintf(env.Out, "user %s in %s as of %s\n", set.UserID, scopeName(set.Scope), set.AsOf.Format(time.RFC3339))
				w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PERMISSION\tSOURCE\tVIA")
				for _, p := range set.Permissions {
					fmt.Fprintf(w, "%s\t%s\t%s\n", p.Key, p.Source.Kind, sourceDetail(p.Source))
				}
				for _, d := range set.Denied {
					fmt.Fprintf(w, "%s\tdenied\t%s\n", d.Key, d.Reason)
				}
				return w.Flush()
			})
		},
	}
}

func newCheckCommand() *Command {
	return &Command{
		Name:        "check",
		Description: "Decide whether a user holds a permission",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "check")
			userID := fs.String("user", "", "User id (required)")
			permRef := fs.String("permission", "", "Permission key resource:action[:scope] (required)")
			scope := fs.String("scope", "", "Context scope")
			asOf := fs.String("as-of", "", "Decide at this instant (RFC 3339), default now")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			key, err := normalizeKey(*permRef)
			if err != nil {
				return err
			}
			at, err := parseTime(*asOf)
			if err != nil {
				return err
			}
			scopeValue, err := rbac.ParseScope(*scope)
			if err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				d, err := s.Engine.Resolver.Check(ctx, *userID, key, scopeValue, at)
				if err != nil {
					return err
				}
				if *asJSON {
					if err := printJSON(env.Out, d); err != nil {
						return err
					}
				} else if d.Allowed {
					fmt.Fprintf(env.Out, "allow: %s\n", d.Reason)
				} else {
					fmt.Fprintf(env.Out, "deny: %s\n", d.Reason)
				}
				if !d.Allowed {
					return ErrDenied
				}
				return nil
			})
		},
	}
}

func newSweepCommand() *Command {
	return &Command{
		Name:        "sweep",
		Description: "Deactivate expired assignments and overrides",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "sweep")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				res, err := s.Engine.Assignments.SweepExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "expired %d assignment(s) and %d override(s)\n", len(res.Assignments), len(res.Overrides))
				return nil
			})
		},
	}
}

func scopeName(s rbac.Scope) string {
	if s.IsGlobal() {
		return "global"
	}
	return string(s)
}

func sourceDetail(src rbac.Source) string {
	if src.Kind == rbac.SourceDirect {
		return "override"
	}
	if len(src.GrantedBy) > 0 {
		return strings.Join(src.GrantedBy, ", ")
	}
	return src.RoleName
}
