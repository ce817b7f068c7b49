package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the slot's current state. It also rejects the loser of a concurrent
	// double launch.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStaleHandle is returned by OnTerminate for a handle that has already
	// been reported.
	ErrStaleHandle = errors.New("stale worker handle")

	// ErrRestartBudgetExhausted marks the fatal condition where the slot used
	// up its restarts within the policy window.
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("supervisor already running")
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	From State
	To   State

	// Until is set when a relaunch was attempted before its backoff elapsed.
	Until time.Time
}

func (e *TransitionError) Error() string {
	if !e.Until.IsZero() {
		return fmt.Sprintf("%s: %s -> %s before backoff elapsed at %s",
			ErrInvalidTransition, e.From, e.To, e.Until.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// LaunchError reports a failure to start a worker. When the failure also used
// up the restart budget, Budget is set and errors.Is matches
// ErrRestartBudgetExhausted.
type LaunchError struct {
	Slot       string
	Generation int
	Err        error
	Budget     *BudgetExhaustedError
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch worker for slot %q (generation %d): %v", e.Slot, e.Generation, e.Err)
	if e.Budget != nil {
		msg += ": " + e.Budget.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() []error {
	if e.Budget != nil {
		return []error{e.Err, e.Budget}
	}
	return []error{e.Err}
}

// BudgetExhaustedError is the fatal supervisory error surfaced when a slot
// halts because it restarted too often.
type BudgetExhaustedError struct {
	Slot     string
	Restarts int
	Max      int
	Window   time.Duration
	Last     *ExitReport
}

func (e *BudgetExhaustedError) Error() string {
	window := "lifetime"
	if e.Window > 0 {
		window = e.Window.String()
	}
	msg := fmt.Sprintf("slot %q: %s (%d restarts, max %d per %s)",
		e.Slot, ErrRestartBudgetExhausted, e.Restarts, e.Max, window)
	if e.Last != nil {
		msg += fmt.Sprintf(", last exit %s (%s)", e.Last.Status, e.Last.Cause)
	}
	return msg
}

func (e *BudgetExhaustedError) Unwrap() error {
	return ErrRestartBudgetExhausted
}
