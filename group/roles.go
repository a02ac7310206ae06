package group

// Role is a member's position in the group authority lattice. Roles are
// totally ordered: Owner > Moderator > Member. Every group has exactly
// one Owner at all times.
type Role uint8

const (
	// RoleMember can send messages and read group state.
	RoleMember Role = iota

	// RoleModerator can additionally invite members, remove members of
	// lower rank, and rotate the group key.
	RoleModerator

	// RoleOwner can additionally change roles and transfer ownership.
	RoleOwner
)

// String returns a human-readable role name for logging.
func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleModerator:
		return "moderator"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// CanInvite reports whether the role may add new members.
func (r Role) CanInvite() bool {
	return r >= RoleModerator
}

// CanRemove reports whether the role may remove a member holding the
// target role. Removal never reaches at or above the actor's own rank.
func (r Role) CanRemove(target Role) bool {
	return r >= RoleModerator && target < r
}

// CanChangeRoles reports whether the role may change member roles.
func (r Role) CanChangeRoles() bool {
	return r == RoleOwner
}

// CanRotateKey reports whether the role may force a key rotation.
func (r Role) CanRotateKey() bool {
	return r >= RoleModerator
}
