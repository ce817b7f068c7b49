// Package supervisor keeps a single worker alive per logical slot: it launches
// the worker, waits for it to terminate, classifies the exit and restarts it
// with backoff until the restart budget runs out or an operator halts it.
package supervisor

import "fmt"

// State represents the lifecycle state of a supervised slot.
type State int

const (
	// StateIdle is the initial state before the first launch.
	StateIdle State = iota

	// StateLaunching indicates a worker is being started.
	StateLaunching

	// StateRunning indicates a worker is alive and being monitored.
	StateRunning

	// StateTerminating indicates the worker has exited and its handle is
	// being invalidated.
	StateTerminating

	// StateClassifying indicates the exit status is being turned into an
	// ExitReport.
	StateClassifying

	// StateRestarting indicates the slot is waiting out a backoff delay.
	StateRestarting

	// StateHalted indicates supervision has ended. No further launches happen.
	StateHalted
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateClassifying:
		return "classifying"
	case StateRestarting:
		return "restarting"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for s := StateIdle; s <= StateHalted; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown state %q", name)
}

// States lists every state in lifecycle order.
func States() []State {
	all := make([]State, 0, StateHalted+1)
	for s := StateIdle; s <= StateHalted; s++ {
		all = append(all, s)
	}
	return all
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal returns true if the state is a terminal state (halted).
func (s State) IsTerminal() bool {
	return s == StateHalted
}

// transitions lists the legal successors of every state.
var transitions = map[State][]State{
	StateIdle:        {StateLaunching, StateHalted},
	StateLaunching:   {StateRunning, StateRestarting, StateHalted},
	StateRunning:     {StateTerminating},
	StateTerminating: {StateClassifying},
	StateClassifying: {StateRestarting, StateHalted},
	StateRestarting:  {StateLaunching, StateHalted},
	StateHalted:      nil,
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
