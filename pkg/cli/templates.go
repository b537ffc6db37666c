package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

// lookupTemplate accepts a numeric ID or an exact template name.
func lookupTemplate(ctx context.Context, e *rbac.Engine, ref string) (*rbac.PermissionTemplate, error) {
	if ref == "" {
		return nil, errors.New("template is required")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return e.Templates.GetTemplate(ctx, id)
	}
	tmpls, err := e.Templates.ListTemplates(ctx, rbac.TemplateFilter{IncludeInactive: true})
	if err != nil {
		return nil, err
	}
	for i := range tmpls {
		if tmpls[i].Name == ref {
			return &tmpls[i], nil
		}
	}
	return nil, fmt.Errorf("%w: template %q", rbac.ErrNotFound, ref)
}

func newGenerateCommand() *Command {
	return &Command{
		Name:        "generate",
		Description: "Build a template from the union of role grants",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "generate")
			roleRefs := fs.String("roles", "", "Comma separated role ids or names (required)")
			includeInactive := fs.Bool("include-inactive", false, "Keep inactive permissions")
			create := fs.Bool("create", false, "Store the result as a new template")
			name := fs.String("name", "", "Template name, with -create")
			description := fs.String("description", "", "Template description, with -create")
			templateType := fs.String("type", "", "Template type, with -create")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				var ids []int64
				for _, ref := range strings.Split(*roleRefs, ",") {
					if ref = strings.TrimSpace(ref); ref == "" {
						continue
					}
					role, err := lookupRole(ctx, s.Engine, ref)
					if err != nil {
						return err
					}
					ids = append(ids, role.ID)
				}

				gen, err := s.Engine.Templates.GenerateFromRoles(ctx, ids, *includeInactive)
				if err != nil {
					return err
				}
				if !*create {
					if *asJSON {
						return printJSON(env.Out, gen)
					}
					keys, err := permissionKeys(ctx, s.Engine, gen.PermissionIDs)
					if err != nil {
						return err
					}
					fmt.Fprintf(env.Out, "%d permission(s) from %d role(s)\n", gen.EstimatedSize, len(gen.SourceRoles))
					for _, k := range keys {
						fmt.Fprintf(env.Out, "  %s\n", k)
					}
					return nil
				}

				t, err := s.Engine.Templates.CreateTemplate(ctx, rbac.CreateTemplateRequest{
					Name:          *name,
					Description:   *description,
					TemplateType:  *templateType,
					PermissionIDs: gen.PermissionIDs,
				})
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, t)
				}
				fmt.Fprintf(env.Out, "created template %d %q with %d permission(s)\n", t.ID, t.Name, len(t.PermissionIDs))
				return nil
			})
		},
	}
}

func newTemplatesCommand() *Command {
	return &Command{
		Name:        "templates",
		Description: "List permission templates",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "templates")
			all := fs.Bool("all", false, "Include inactive templates")
			templateType := fs.String("type", "", "Only templates of this type")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withSession(ctx, env, func(s *Session) error {
				tmpls, err := s.Engine.Templates.ListTemplates(ctx, rbac.TemplateFilter{
					TemplateType:    *templateType,
					IncludeInactive: *all,
				})
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, tmpls)
				}
				w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tTYPE\tPERMISSIONS\tUSAGE\tACTIVE\tSYSTEM")
				for _, t := range tmpls {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%t\t%t\n",
						t.ID, t.Name, t.TemplateType, len(t.PermissionIDs), t.UsageCount, t.IsActive, t.IsSystemTemplate)
				}
				return w.Flush()
			})
		},
	}
}

func newApplyTemplateCommand() *Command {
	return &Command{
		Name:        "apply-template",
		Description: "Copy a template's permissions onto a role or user",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "apply-template")
			templateRef := fs.String("template", "", "Template id or name (required)")
			roleRef := fs.String("role", "", "Target role id or name")
			userID := fs.String("user", "", "Target user id")
			scope := fs.String("scope", "", "Override scope for a user target")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if (*roleRef == "") == (*userID == "") {
				return errors.New("exactly one of -role or -user is required")
			}
			return withSession(ctx, env, func(s *Session) error {
				t, err := lookupTemplate(ctx, s.Engine, *templateRef)
				if err != nil {
					return err
				}
				req := rbac.ApplyTemplateRequest{
					TemplateID: t.ID,
					TargetType: rbac.TargetUser,
					TargetID:   *userID,
					Scope:      rbac.Scope(*scope),
				}
				if *roleRef != "" {
					role, err := lookupRole(ctx, s.Engine, *roleRef)
					if err != nil {
						return err
					}
					req.TargetType = rbac.TargetRole
					req.TargetID = strconv.FormatInt(role.ID, 10)
				}

				res, err := s.Engine.Templates.ApplyTemplate(ctx, req)
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, res)
				}
				fmt.Fprintf(env.Out, "applied %d, failed %d (batch %s, usage %d)\n", res.Applied, res.Failed, res.BatchID, res.UsageCount)
				for _, item := range res.Items {
					if item.Err != nil {
						fmt.Fprintf(env.Out, "  permission %d: %s\n", item.PermissionID, item.Error)
					}
				}
				return nil
			})
		},
	}
}

func newCompareCommand() *Command {
	return &Command{
		Name:        "compare",
		Description: "Compare the permissions of two templates",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlagSet(env, "compare")
			asJSON := fs.Bool("json", false, "Print JSON")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 2 {
				return errors.New("usage: compare <template-a> <template-b>")
			}
			return withSession(ctx, env, func(s *Session) error {
				a, err := lookupTemplate(ctx, s.Engine, fs.Arg(0))
				if err != nil {
					return err
				}
				b, err := lookupTemplate(ctx, s.Engine, fs.Arg(1))
				if err != nil {
					return err
				}
				cmp, err := s.Engine.Templates.CompareTemplates(ctx, a.ID, b.ID)
				if err != nil {
					return err
				}
				if *asJSON {
					return printJSON(env.Out, cmp)
				}
				for _, section := range []struct {
					title string
					ids   []int64
				}{
					{"common", cmp.Common},
					{"only in " + a.Name, cmp.OnlyInA},
					{"only in " + b.Name, cmp.OnlyInB},
				} {
					keys, err := permissionKeys(ctx, s.Engine, section.ids)
					if err != nil {
						return err
					}
					fmt.Fprintf(env.Out, "%s (%d):\n", section.title, len(keys))
					for _, k := range keys {
						fmt.Fprintf(env.Out, "  %s\n", k)
					}
				}
				return nil
			})
		},
	}
}
