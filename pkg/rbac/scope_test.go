package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Scope
		wantErr bool
	}{
		{"empty is global", "", GlobalScope, false},
		{"global keyword", "Global", GlobalScope, false},
		{"department", "department:D1", "department:D1", false},
		{"dept alias", "dept:D1", "department:D1", false},
		{"equals separator", "dept=D1", "department:D1", false},
		{"full path", "department:D1/branch:B7/team:T2/own:u1", "department:D1/branch:B7/team:T2/own:u1", false},
		{"skipped level", "department:D1/team:T2", "department:D1/team:T2", false},
		{"whitespace", "  branch:B7 ", "branch:B7", false},
		{"out of order", "branch:B7/department:D1", "", true},
		{"repeated level", "department:D1/department:D2", "", true},
		{"global in path", "global:x/department:D1", "", true},
		{"unknown level", "region:EU", "", true},
		{"missing id", "department:", "", true},
		{"missing level", ":D1", "", true},
		{"no separator", "department", "", true},
		{"empty segment", "department:D1//branch:B1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScope(tt.in)
			if tt.wantErr {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "scope", verr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScope_Contains(t *testing.T) {
	d1 := MustScope("department:D1")
	tests := []struct {
		outer, inner Scope
		want         bool
	}{
		{GlobalScope, GlobalScope, true},
		{GlobalScope, d1, true},
		{d1, d1, true},
		{d1, MustScope("department:D1/branch:B1"), true},
		{d1, MustScope("department:D1/branch:B1/team:T1"), true},
		{d1, MustScope("department:D2"), false},
		{d1, MustScope("department:D10"), false},
		{d1, GlobalScope, false},
		{MustScope("department:D1/branch:B1"), d1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outer.Contains(tt.inner), "%s contains %s", tt.outer, tt.inner)
	}
}

func TestScope_LevelAndParent(t *testing.T) {
	s := MustScope("department:D1/branch:B1/team:T1")
	assert.Equal(t, ScopeTeam, s.Level())
	assert.Equal(t, MustScope("department:D1/branch:B1"), s.Parent())
	assert.Equal(t, MustScope("department:D1"), s.Parent().Parent())
	assert.Equal(t, GlobalScope, s.Parent().Parent().Parent())
	assert.Equal(t, ScopeGlobal, GlobalScope.Level())
	assert.Equal(t, "global", GlobalScope.String())
	assert.True(t, s.Parent().Contains(s))
}

func TestScopeLevel_JSON(t *testing.T) {
	var p struct {
		Scope ScopeLevel `json:"scope"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"scope":"dept"}`), &p))
	assert.Equal(t, ScopeDepartment, p.Scope)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope":"department"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"scope":"planet"}`), &p))
	assert.Equal(t, "ScopeLevel(9)", ScopeLevel(9).String())
}

func TestMustScope_Panics(t *testing.T) {
	assert.Panics(t, func() { MustScope("team:T1/branch:B1") })
}
