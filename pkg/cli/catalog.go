package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/platinummonkey/accessgrid/pkg/seed"
	"github.com/platinummonkey/accessgrid/pkg/storage/postgres"
)

func newMigrateCommand() *Command {
	return &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "migrate")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				if s.Backend == nil || s.Backend.DB == nil {
					fmt.Fprintln(env.Out, "memory storage has no schema")
					return nil
				}
				applied, err := postgres.Migrate(ctx, s.Backend.DB, s.Backend.Dialect, s.Logger)
				if err != nil {
					return err
				}
				version, err := postgres.SchemaVersion(ctx, s.Backend.DB)
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "applied %d migration(s), schema version %d\n", applied, version)
				return nil
			})
		},
	}
}

func newSeedCommand() *Command {
	return &Command{
		Name:        "seed",
		Description: "Apply a YAML catalog of permissions, roles and templates",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "seed")
			file := fs.String("file", "", "Path to the seed catalog (required)")
			prune := fs.Bool("prune", false, "Revoke grants of non-system roles that the catalog does not list")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if *file == "" {
				return errors.New("-file is required")
			}
			catalog, err := seed.Load(*file)
			if err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				applier := seed.NewApplier(s.Engine, s.Backend.Repository, s.Backend.Cache, s.Logger)
				applier.Prune = *prune
				res, err := applier.Apply(ctx, catalog)
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "permissions created: %d\n", res.PermissionsCreated)
				fmt.Fprintf(env.Out, "roles created:       %d\n", res.RolesCreated)
				fmt.Fprintf(env.Out, "grants created:      %d\n", res.GrantsCreated)
				fmt.Fprintf(env.Out, "grants revoked:      %d\n", res.GrantsRevoked)
				fmt.Fprintf(env.Out, "templates created:   %d\n", res.TemplatesCreated)
				fmt.Fprintf(env.Out, "templates updated:   %d\n", res.TemplatesUpdated)
				return nil
			})
		},
	}
}

func newRolesCommand() *Command {
	return &Command{
		Name:        "roles",
		Description: "List roles",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "roles")
			all := fs.Bool("all", false, "Include inactive roles")
			name := fs.String("name", "", "Only roles whose name contains this text")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				roles, err := s.Engine.Catalog.ListRoles(ctx, rbac.RoleFilter{NameContains: *name, IncludeInactive: *all})
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, roles)
				}
				w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tLEVEL\tPARENT\tACTIVE\tSYSTEM")
				for _, r := range roles {
					parent := "-"
					if r.ParentRoleID != nil {
						parent = fmt.Sprint(*r.ParentRoleID)
					}
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%t\t%t\n", r.ID, r.Name, r.Level, parent, r.IsActive, r.IsSystemRole)
				}
				return w.Flush()
			})
		},
	}
}

func newPermissionsCommand() *Command {
	return &Command{
		Name:        "permissions",
		Description: "List catalog permissions",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "permissions")
			all := fs.Bool("all", false, "Include inactive permissions")
			resource := fs.String("resource", "", "Only this resource type")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				perms, err := s.Engine.Catalog.ListPermissions(ctx, rbac.PermissionFilter{ResourceType: *resource, IncludeInactive: *all})
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, perms)
				}
				w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKEY\tACTIVE\tSYSTEM\tDESCRIPTION")
				for _, p := range perms {
					fmt.Fprintf(w, "%d\t%s\t%t\t%t\t%s\n", p.ID, p.Key(), p.IsActive, p.IsSystemPermission, p.Description)
				}
				return w.Flush()
			})
		},
	}
}

func newDeleteRoleCommand() *Command {
	return &Command{
		Name:        "delete-role",
		Description: "Delete a role that nothing references",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "delete-role")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 1 {
				return errors.New("usage: delete-role <role>")
			}
			return withSession(ctx, env, func(s *Session) error {
				role, err := lookupRole(ctx, s.Engine, fs.Arg(0))
				if err != nil {
					return err
				}
				if err := s.Engine.Catalog.DeleteRole(ctx, role.ID); err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "deleted role %s\n", role.Name)
				return nil
			})
		},
	}
}

func newMatrixCommand() *Command {
	return &Command{
		Name:        "matrix",
		Description: "Show the role x permission grid, or apply cell changes",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "matrix")
			name := fs.String("roles", "", "Only roles whose name contains this text")
			resource := fs.String("resource", "", "Only permissions of this resource type")
			minLevel := fs.Int("min-level", -1, "Only roles at or above this level")
			apply := fs.String("apply", "", "JSON file of cell changes to apply")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if *apply != "" {
				return applyMatrixChanges(ctx, env, *apply)
			}

			roleFilter := rbac.RoleFilter{NameContains: *name}
			if *minLevel >= 0 {
				roleFilter.MinLevel = minLevel
			}
			permFilter := rbac.PermissionFilter{ResourceType: *resource}

			return withSession(ctx, env, func(s *Session) error {
				m, err := s.Engine.Matrix.BuildMatrix(ctx, roleFilter, permFilter)
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, m)
				}
				w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
				fmt.Fprint(w, "PERMISSION")
				for _, r := range m.Roles {
					fmt.Fprintf(w, "\t%s", r.Name)
				}
				fmt.Fprintln(w)
				for _, p := range m.Permissions {
					fmt.Fprint(w, p.Key())
					for _, r := range m.Roles {
						fmt.Fprintf(w, "\t%s", cell(m, r.ID, p.ID))
					}
					fmt.Fprintln(w)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintln(env.Out, "x granted, . not granted, * read-only")
				return nil
			})
		},
	}
}

func cell(m *rbac.PermissionMatrix, roleID, permissionID int64) string {
	mark := "."
	if m.Granted(roleID, permissionID) {
		mark = "x"
	}
	if m.ReadOnly(roleID, permissionID) {
		mark += "*"
	}
	return mark
}

func applyMatrixChanges(ctx context.Context, env *Env, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read changes: %w", err)
	}
	var changes []rbac.CellChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return fmt.Errorf("failed to parse changes: %w", err)
	}
	return withSession(ctx, env, func(s *Session) error {
		results := s.Engine.Matrix.ApplyChanges(ctx, changes)
		failed := 0
		w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tPERMISSION\tGRANTED\tRESULT")
		for _, r := range results {
			outcome := "unchanged"
			switch {
			case r.Err != nil:
				outcome = r.Err.Error()
				failed++
			case r.Changed:
				outcome = "changed"
			}
			fmt.Fprintf(w, "%d\t%d\t%t\t%s\n", r.RoleID, r.PermissionID, r.Granted, outcome)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d change(s) failed", failed, len(results))
		}
		return nil
	})
}

func newToggleCommand() *Command {
	return &Command{
		Name:        "toggle",
		Description: "Flip one cell of the permission matrix",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return grantCommand(ctx, env, "toggle", args, func(s *Session, role *rbac.Role, perm *rbac.Permission) error {
				granted, err := s.Engine.Matrix.ToggleCell(ctx, role.ID, perm.ID)
				if err != nil {
					return err
				}
				state := "revoked from"
				if granted {
					state = "granted to"
				}
				fmt.Fprintf(env.Out, "%s %s %s\n", perm.Key(), state, role.Name)
				return nil
			})
		},
	}
}

func newGrantCommand() *Command {
	return &Command{
		Name:        "grant",
		Description: "Grant a permission to a role",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return grantCommand(ctx, env, "grant", args, func(s *Session, role *rbac.Role, perm *rbac.Permission) error {
				if err := s.Engine.Assignments.GrantRolePermission(ctx, role.ID, perm.ID); err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "%s granted to %s\n", perm.Key(), role.Name)
				return nil
			})
		},
	}
}

func newRevokeCommand() *Command {
	return &Command{
		Name:        "revoke",
		Description: "Revoke a permission from a role",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return grantCommand(ctx, env, "revoke", args, func(s *Session, role *rbac.Role, perm *rbac.Permission) error {
				if err := s.Engine.Assignments.RevokeRolePermission(ctx, role.ID, perm.ID); err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "%s revoked from %s\n", perm.Key(), role.Name)
				return nil
			})
		},
	}
}

// grantCommand parses "<role> <permission>" and runs fn with both resolved.
func grantCommand(ctx context.Context, env *Env, name string, args []string, fn func(*Session, *rbac.Role, *rbac.Permission) error) error {
	fs := newFlagSet(env, name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: %s <role> <permission>", name)
	}
	return withSession(ctx, env, func(s *Session) error {
		role, err := lookupRole(ctx, s.Engine, fs.Arg(0))
		if err != nil {
			return err
		}
		perm, err := lookupPermission(ctx, s.Engine, fs.Arg(1))
		if err != nil {
			return err
		}
		return fn(s, role, perm)
	})
}
