package rbac

import (
	"fmt"
	"strings"
)

// ScopeLevel is the breadth at which a grant or request applies.
type ScopeLevel int

const (
	ScopeGlobal ScopeLevel = iota
	ScopeDepartment
	ScopeBranch
	ScopeTeam
	ScopeOwn
)

var scopeLevelNames = []string{"global", "department", "branch", "team", "own"}

func (l ScopeLevel) String() string {
	if l < ScopeGlobal || l > ScopeOwn {
		return fmt.Sprintf("ScopeLevel(%d)", int(l))
	}
	return scopeLevelNames[l]
}

// ParseScopeLevel parses a level name. "dept" is accepted for department.
func ParseScopeLevel(s string) (ScopeLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "global":
		return ScopeGlobal, nil
	case "department", "dept":
		return ScopeDepartment, nil
	case "branch":
		return ScopeBranch, nil
	case "team":
		return ScopeTeam, nil
	case "own":
		return ScopeOwn, nil
	}
	return ScopeGlobal, invalid("scope", "unknown scope level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l ScopeLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ScopeLevel) UnmarshalText(b []byte) error {
	v, err := ParseScopeLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Scope identifies a position in the organisational tree as a path of
// level:id segments with strictly increasing levels, for example
// "department:D1/branch:B7". The empty Scope is global.
type Scope string

// GlobalScope is the root of the scope tree.
const GlobalScope Scope = ""

// ParseScope validates s and returns its canonical form.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "global") {
		return GlobalScope, nil
	}

	parts := strings.Split(s, "/")
	canonical := make([]string, 0, len(parts))
	last := ScopeGlobal
	for _, part := range parts {
		sep := strings.IndexAny(part, ":=")
		if sep <= 0 || sep == len(part)-1 {
			return GlobalScope, invalid("scope", "segment %q must be level:id", part)
		}
		level, err := ParseScopeLevel(part[:sep])
		if err != nil {
			return GlobalScope, err
		}
		if level == ScopeGlobal {
			return GlobalScope, invalid("scope", "global cannot appear inside a path")
		}
		if level <= last {
			return GlobalScope, invalid("scope", "level %s must be narrower than %s", level, last)
		}
		id := strings.TrimSpace(part[sep+1:])
		if id == "" || strings.ContainsAny(id, "/:=") {
			return GlobalScope, invalid("scope", "bad identifier in segment %q", part)
		}
		canonical = append(canonical, level.String()+":"+id)
		last = level
	}
	return Scope(strings.Join(canonical, "/")), nil
}

// MustScope is ParseScope for literals; it panics on malformed input.
func MustScope(s string) Scope {
	sc, err := ParseScope(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool { return s == GlobalScope }

// Level returns the narrowest level named by s.
func (s Scope) Level() ScopeLevel {
	if s.IsGlobal() {
		return ScopeGlobal
	}
	last := string(s)
	if i := strings.LastIndexByte(last, '/'); i >= 0 {
		last = last[i+1:]
	}
	level, _ := ParseScopeLevel(last[:strings.IndexByte(last, ':')])
	return level
}

// Parent returns the scope one level broader than s.
func (s Scope) Parent() Scope {
	i := strings.LastIndexByte(string(s), '/')
	if i < 0 {
		return GlobalScope
	}
	return s[:i]
}

// Contains reports whether a grant at s satisfies a request at other: s is
// equal to or broader than other along the same path.
func (s Scope) Contains(other Scope) bool {
	if s.IsGlobal() || s == other {
		return true
	}
	return strings.HasPrefix(string(other), string(s)+"/")
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return string(s)
}
