package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/platinummonkey/accessgrid/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Session is an opened engine together with the backend behind it.
type Session struct {
	Engine  *rbac.Engine
	Backend *storage.Backend
	Logger  logrus.FieldLogger
	Close   func() error
}

// Env carries the process dependencies of the commands.
type Env struct {
	Out  io.Writer
	Err  io.Writer
	Open func(ctx context.Context) (*Session, error)
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env, args []string) error
	Subcommands map[string]*Command
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "accessctl",
		Description: "accessctl - access grid administration CLI",
		Subcommands: make(map[string]*Command),
	}

	for _, cmd := range []*Command{
		newMigrateCommand(),
		newSeedCommand(),
		newRolesCommand(),
		newPermissionsCommand(),
		newDeleteRoleCommand(),
		newMatrixCommand(),
		newToggleCommand(),
		newGrantCommand(),
		newRevokeCommand(),
		newAssignCommand(),
		newUnassignCommand(),
		newOverrideCommand(),
		newClearOverrideCommand(),
		newResolveCommand(),
		newCheckCommand(),
		newSweepCommand(),
		newGenerateCommand(),
		newTemplatesCommand(),
		newApplyTemplateCommand(),
		newCompareCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage(env.Out)
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, env, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage(w io.Writer) error {
	fmt.Fprintf(w, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

func newFlagSet(env *Env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if env.Err != nil {
		fs.SetOutput(env.Err)
	}
	return fs
}

// withSession opens the engine for the duration of fn.
func withSession(ctx context.Context, env *Env, fn func(*Session) error) error {
	s, err := env.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if s.Close == nil {
			return
		}
		if err := s.Close(); err != nil && s.Logger != nil {
			s.Logger.WithError(err).Warn("failed to close session")
		}
	}()
	return fn(s)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// lookupRole accepts a numeric ID or a role name.
func lookupRole(ctx context.Context, e *rbac.Engine, ref string) (*rbac.Role, error) {
	if ref == "" {
		return nil, errors.New("role is required")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return e.Catalog.GetRole(ctx, id)
	}
	return e.Catalog.GetRoleByName(ctx, ref)
}

// lookupPermission accepts a numeric ID or a resource:action[:scope] key.
func lookupPermission(ctx context.Context, e *rbac.Engine, ref string) (*rbac.Permission, error) {
	if ref == "" {
		return nil, errors.New("permission is required")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return e.Catalog.GetPermission(ctx, id)
	}
	key, err := normalizeKey(ref)
	if err != nil {
		return nil, err
	}
	perms, err := e.Catalog.ListPermissions(ctx, rbac.PermissionFilter{IncludeInactive: true})
	if err != nil {
		return nil, err
	}
	for i := range perms {
		if perms[i].Key() == key {
			return &perms[i], nil
		}
	}
	return nil, fmt.Errorf("%w: permission %s", rbac.ErrNotFound, key)
}

// normalizeKey accepts resource:action as shorthand for a global key.
func normalizeKey(ref string) (string, error) {
	if strings.Count(ref, ":") == 1 {
		ref += ":global"
	}
	return rbac.ParsePermissionKey(ref)
}

// parseTime accepts RFC 3339; empty means zero.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t, nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	t, err := parseTime(s)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func permissionKeys(ctx context.Context, e *rbac.Engine, ids []int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	perms, err := e.Catalog.ListPermissions(ctx, rbac.PermissionFilter{IDs: ids, IncludeInactive: true})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key())
	}
	sort.Strings(keys)
	return keys, nil
}
