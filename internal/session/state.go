package session

// State is a step of the per-connection protocol.
type State int32

// Session states. Rejected always leads to Closed.
const (
	StateConnecting State = iota
	StateAuthPending
	StateAuthenticated
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
