package model

// RoundState represents the lifecycle state of a Round.
type RoundState string

const (
	RoundStateOpen       RoundState = "OPEN"
	RoundStateClosed     RoundState = "CLOSED"
	RoundStateDiscarded  RoundState = "DISCARDED"
	RoundStateReconciled RoundState = "RECONCILED"
)

// String returns the string representation of the round state.
func (s RoundState) String() string {
	return string(s)
}

// IsTerminal returns true if the round is in a final state.
func (s RoundState) IsTerminal() bool {
	switch s {
	case RoundStateDiscarded, RoundStateReconciled:
		return true
	}
	return false
}

// Valid reports whether s names a known round state.
func (s RoundState) Valid() bool {
	switch s {
	case RoundStateOpen, RoundStateClosed, RoundStateDiscarded, RoundStateReconciled:
		return true
	}
	return false
}

// ValidRoundTransitions defines the allowed state transitions for Rounds.
var ValidRoundTransitions = map[RoundState][]RoundState{
	RoundStateOpen:   {RoundStateClosed},
	RoundStateClosed: {RoundStateReconciled, RoundStateDiscarded},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RoundState) CanTransitionTo(next RoundState) bool {
	for _, allowed := range ValidRoundTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TimeMode selects between wall-clock and logical simulated time.
type TimeMode string

const (
	TimeModeNone      TimeMode = "none"
	TimeModeSimulated TimeMode = "simulated"
)

// TraceDistro names the availability distribution replayed in simulated mode.
type TraceDistro string

const (
	TraceRandom    TraceDistro = "random"
	TraceHighAvail TraceDistro = "high_avail"
	TraceLowAvail  TraceDistro = "low_avail"
	TraceAverage   TraceDistro = "average"
)
