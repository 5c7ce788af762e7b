package nettrans

// SessionState represents the stages of a network session, from the raw TCP
// accept up to a controlling peer.
type SessionState uint32

const (
	// StateStartup indicates the connection is established but no valid
	// protocol signature has been received yet.
	StateStartup SessionState = iota
	// StateNull indicates the signature was accepted and the peer's
	// identity is awaited.
	StateNull
	// StateUnpaired indicates the peer is known but not trusted.
	StateUnpaired
	// StateTheirRequest indicates the peer asked to be paired and the
	// decision is pending on our side.
	StateTheirRequest
	// StateMyRequest indicates we asked the peer to pair and await its
	// verdict.
	StateMyRequest
	// StatePaired indicates mutual trust; the peer may observe but not
	// command.
	StatePaired
	// StateControl indicates this session is the single control session.
	StateControl
)

// IsPaired returns whether the session reached mutual trust, controlling
// or not.
func (s SessionState) IsPaired() bool { return s == StatePaired || s == StateControl }

// IsControl returns whether the session is the control session.
func (s SessionState) IsControl() bool { return s == StateControl }

// String returns the string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateNull:
		return "null"
	case StateUnpaired:
		return "unpaired"
	case StateTheirRequest:
		return "their-request"
	case StateMyRequest:
		return "my-request"
	case StatePaired:
		return "paired"
	case StateControl:
		return "control"
	default:
		return "unknown"
	}
}
