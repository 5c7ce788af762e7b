package serial

// busState is the phase of the master's polling cycle. The cycle runs
// transmit, poll, logon; a requested reset preempts whatever phase is
// active and the cycle restarts at transmit.
type busState uint8

const (
	stateTransmit busState = iota + 1
	statePoll
	stateLogon
	stateReset
)

// next returns the phase following s in the cycle.
func (s busState) next() busState {
	switch s {
	case stateTransmit:
		return statePoll
	case statePoll:
		return stateLogon
	default:
		return stateTransmit
	}
}

func (s busState) String() string {
	switch s {
	case stateTransmit:
		return "transmit"
	case statePoll:
		return "poll"
	case stateLogon:
		return "logon"
	case stateReset:
		return "reset"
	default:
		return "unknown"
	}
}
