// Package policy answers "does user U hold permission P" from the role
// definitions in the configuration and the user/role assignments in the
// durable store. Lookups are read-only and safe for concurrent use.
package policy

import (
	"strings"

	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Oracle is the permission evaluator consumed by the state machines and the
// API layer.
type Oracle interface {
	// Allowed reports whether user holds perm through any of its roles.
	Allowed(user models.UserID, perm string) bool
}

// UserSource yields the roles assigned to a user. Implemented by the durable
// store.
type UserSource interface {
	UserRoles(user models.UserID) ([]string, bool)
}

// Role grants a set of permission rules and inherits everything its parents
// grant.
type Role struct {
	Parents     []string `yaml:"parents,omitempty" json:"parents,omitempty"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// RuleMatches evaluates a single permission rule against a concrete
// permission tag. Rules are dotted paths with an optional trailing glob:
//
//	"lab.laser"    grants exactly lab.laser
//	"lab.laser.*"  grants lab.laser and everything below it
//	"lab.laser.+"  grants everything below lab.laser but not lab.laser itself
func RuleMatches(rule, perm string) bool {
	switch {
	case strings.HasSuffix(rule, ".*"):
		base := strings.TrimSuffix(rule, ".*")
		return perm == base || strings.HasPrefix(perm, base+".")
	case strings.HasSuffix(rule, ".+"):
		base := strings.TrimSuffix(rule, ".+")
		return strings.HasPrefix(perm, base+".")
	default:
		return rule == perm
	}
}

type oracle struct {
	roles map[string]Role
	users UserSource
	log   *zap.Logger
}

// NewOracle builds an Oracle over the frozen role map and the given user
// source.
func NewOracle(roles map[string]Role, users UserSource, log *zap.Logger) Oracle {
	return &oracle{roles: roles, users: users, log: log.Named("policy")}
}

func (o *oracle) Allowed(user models.UserID, perm string) bool {
	roles, ok := o.users.UserRoles(user)
	if !ok {
		o.log.Debug("unknown user", zap.String("user", user))
		return false
	}
	seen := make(map[string]bool, len(roles))
	for _, r := range roles {
		if o.roleGrants(r, perm, seen) {
			return true
		}
	}
	o.log.Debug("permission not held",
		zap.String("user", user), zap.String("perm", perm))
	return false
}

// roleGrants walks the role inheritance tree. seen guards against parent
// cycles in hand-written configs.
func (o *oracle) roleGrants(name, perm string, seen map[string]bool) bool {
	if seen[name] {
		return false
	}
	seen[name] = true
	role, ok := o.roles[name]
	if !ok {
		o.log.Warn("role not defined", zap.String("role", name))
		return false
	}
	for _, rule := range role.Permissions {
		if RuleMatches(rule, perm) {
			return true
		}
	}
	for _, parent := range role.Parents {
		if o.roleGrants(parent, perm, seen) {
			return true
		}
	}
	return false
}

// StaticUsers is an in-memory UserSource, used by tests and the seed
// importer.
type StaticUsers map[models.UserID][]string

func (s StaticUsers) UserRoles(user models.UserID) ([]string, bool) {
	roles, ok := s[user]
	return roles, ok
}
