package call

// ParticipantState is one participant's position in the call lifecycle.
// The happy path is Idle, Ringing, Connecting, Active, Ended; Failed is
// reachable from any non-terminal state.
type ParticipantState uint8

const (
	StateIdle ParticipantState = iota
	StateRinging
	StateConnecting
	StateActive
	StateEnded
	StateFailed
)

// String returns a human-readable state name for logging.
func (s ParticipantState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s ParticipantState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// EndReason records why a call reached a terminal state.
type EndReason uint8

const (
	ReasonNone EndReason = iota
	ReasonCompleted
	ReasonDeclined
	ReasonNoAnswer
	ReasonHangup
	ReasonFailure
)

// String returns a human-readable reason name for logging.
func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCompleted:
		return "completed"
	case ReasonDeclined:
		return "declined"
	case ReasonNoAnswer:
		return "no answer"
	case ReasonHangup:
		return "hangup"
	case ReasonFailure:
		return "failure"
	default:
		return "unknown"
	}
}
