package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRuleMatches(t *testing.T) {
	cases := []struct {
		rule, perm string
		want       bool
	}{
		{"lab.laser", "lab.laser", true},
		{"lab.laser", "lab.laser.use", false},
		{"lab.laser", "lab", false},
		{"lab.laser.*", "lab.laser", true},
		{"lab.laser.*", "lab.laser.use", true},
		{"lab.laser.*", "lab.laser.use.big", true},
		{"lab.laser.*", "lab.laserx", false},
		{"lab.laser.*", "lab", false},
		{"lab.laser.+", "lab.laser", false},
		{"lab.laser.+", "lab.laser.use", true},
		{"lab.laser.+", "lab.laser.use.big", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RuleMatches(c.rule, c.perm), "%s vs %s", c.rule, c.perm)
	}
}

func TestOracleRoleInheritance(t *testing.T) {
	roles := map[string]Role{
		"member":  {Permissions: []string{"lab.door"}},
		"laser":   {Parents: []string{"member"}, Permissions: []string{"lab.laser.use"}},
		"steward": {Parents: []string{"laser"}, Permissions: []string{"lab.*"}},
	}
	users := StaticUsers{
		"alice": {"laser"},
		"bob":   {"member"},
		"carol": {"steward"},
	}
	o := NewOracle(roles, users, zap.NewNop())

	assert.True(t, o.Allowed("alice", "lab.laser.use"))
	assert.True(t, o.Allowed("alice", "lab.door"), "inherited from member")
	assert.False(t, o.Allowed("alice", "lab.laser.manage"))

	assert.True(t, o.Allowed("bob", "lab.door"))
	assert.False(t, o.Allowed("bob", "lab.laser.use"))

	assert.True(t, o.Allowed("carol", "lab.laser.manage"), "subtree glob")
	assert.False(t, o.Allowed("dave", "lab.door"), "unknown user")
}

func TestOracleCyclicParents(t *testing.T) {
	roles := map[string]Role{
		"a": {Parents: []string{"b"}},
		"b": {Parents: []string{"a"}, Permissions: []string{"x.y"}},
	}
	o := NewOracle(roles, StaticUsers{"u": {"a"}}, zap.NewNop())
	assert.True(t, o.Allowed("u", "x.y"))
	assert.False(t, o.Allowed("u", "x.z"))
}
