package pos

// State is a step of the payment release flow.
type State string

const (
	StateIdle              State = "IDLE"
	StateReaderCharging    State = "READER_CHARGING"
	StateAwaitingTokenData State = "AWAITING_TOKEN_DATA"
	StateReleasing         State = "RELEASING"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

var transitions = map[State][]State{
	StateIdle:              {StateReaderCharging, StateFailed},
	StateReaderCharging:    {StateAwaitingTokenData, StateFailed},
	StateAwaitingTokenData: {StateReleasing, StateFailed},
	StateReleasing:         {StateDone, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
