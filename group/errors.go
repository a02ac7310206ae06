package group

import "errors"

// Sentinel errors for group session operations. Callers classify
// failures with errors.Is rather than matching message text.
var (
	// ErrGroupNotFound indicates an unknown group ID.
	ErrGroupNotFound = errors.New("group not found")

	// ErrNotMember indicates the device is not a member of the group.
	ErrNotMember = errors.New("device is not a group member")

	// ErrAlreadyMember indicates an add for a device already present.
	ErrAlreadyMember = errors.New("device is already a group member")

	// ErrPermissionDenied indicates the acting member's role does not
	// permit the attempted mutation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrEpochConflict indicates a mutation based on a stale view of the
	// group. The caller must refresh and retry.
	ErrEpochConflict = errors.New("group epoch conflict")

	// ErrLastOwner indicates an operation that would leave the group
	// without an owner.
	ErrLastOwner = errors.New("cannot remove the last owner")

	// ErrStaleEpoch indicates an inbound envelope sealed under an epoch
	// older than the acceptance window allows.
	ErrStaleEpoch = errors.New("envelope epoch outside acceptance window")
)
