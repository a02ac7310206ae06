package call

import "errors"

// Sentinel errors for call signaling operations.
var (
	// ErrCallNotFound indicates an unknown call ID.
	ErrCallNotFound = errors.New("call not found")

	// ErrCallEnded indicates an operation on a call in a terminal state.
	ErrCallEnded = errors.New("call already ended")

	// ErrNotParticipant indicates a signal from a device that is not
	// part of the call.
	ErrNotParticipant = errors.New("device is not a call participant")

	// ErrInvalidTransition indicates a signal that has no meaning in
	// the participant's current state.
	ErrInvalidTransition = errors.New("invalid call state transition")
)
