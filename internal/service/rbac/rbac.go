package rbac

import (
	"github.com/teamtide/teamtide/internal/models"
)

// Capability is a single action a role may be allowed to execute
type Capability string

const (
	CapKeysManage   Capability = "keys.manage"
	CapUsersReadAll Capability = "users.read_all"
	CapUsersManage  Capability = "users.manage"
	CapAuditRead    Capability = "audit.read"
)

// Authorizer resolves role to capability checks over a fixed table.
// Construction happens once at startup, lookups are read only and safe
// for concurrent use.
type Authorizer struct {
	grants map[models.Role]map[Capability]struct{}
}

func New() *Authorizer {
	member := capabilitySet(
		CapKeysManage,
	)

	// Admin extends member, there is no standalone admin permission model
	admin := capabilitySet(
		CapKeysManage,
		CapUsersReadAll,
		CapUsersManage,
		CapAuditRead,
	)

	return &Authorizer{
		grants: map[models.Role]map[Capability]struct{}{
			models.RoleMember: member,
			models.RoleAdmin:  admin,
		},
	}
}

// Can reports whether the role may execute the capability.
// Unknown roles and unknown capabilities are always denied.
func (a *Authorizer) Can(role models.Role, cap Capability) bool {
	caps, ok := a.grants[role]
	if !ok {
		return false
	}

	_, ok = caps[cap]
	return ok
}

func capabilitySet(caps ...Capability) map[Capability]struct{} {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}
