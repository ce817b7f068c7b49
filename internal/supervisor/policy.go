package supervisor

import (
	"errors"
	"time"
)

// RestartPolicy describes how a slot recovers from terminations. It is
// read-only once a Supervisor has been constructed with it.
type RestartPolicy struct {
	Backoff BackoffConfig

	// MaxRestarts is the number of restarts allowed within Window.
	// 0 means unlimited.
	MaxRestarts int

	// Window is the sliding window the budget applies to. 0 means the whole
	// lifetime of the supervisor.
	Window time.Duration

	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration

	// LaunchTimeout bounds a single launch attempt and the wait for a
	// stopped worker to go away.
	LaunchTimeout time.Duration
}

// DefaultRestartPolicy returns the policy used when nothing is configured.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Backoff:       DefaultBackoffConfig(),
		MaxRestarts:   5,
		Window:        time.Minute,
		StopTimeout:   5 * time.Second,
		LaunchTimeout: 10 * time.Second,
	}
}

// Validate checks the policy for values the supervisor cannot work with.
func (p RestartPolicy) Validate() error {
	var errs []error
	if err := p.Backoff.Validate(); err != nil {
		errs = append(errs, err)
	}
	if p.MaxRestarts < 0 {
		errs = append(errs, errors.New("max restarts must not be negative"))
	}
	if p.Window < 0 {
		errs = append(errs, errors.New("restart window must not be negative"))
	}
	if p.StopTimeout <= 0 {
		errs = append(errs, errors.New("stop timeout must be positive"))
	}
	if p.LaunchTimeout <= 0 {
		errs = append(errs, errors.New("launch timeout must be positive"))
	}
	return errors.Join(errs...)
}

// budget tracks qualifying terminations inside a sliding window.
type budget struct {
	max    int
	window time.Duration
	events []time.Time
}

func newBudget(max int, window time.Duration) *budget {
	return &budget{max: max, window: window}
}

func (b *budget) prune(now time.Time) {
	if b.window <= 0 {
		return
	}
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && !b.events[i].After(cutoff) {
		i++
	}
	b.events = b.events[i:]
}

// allow records a restart at now and reports whether it fits the budget.
// A refused restart is not recorded.
func (b *budget) allow(now time.Time) bool {
	b.prune(now)
	if b.max > 0 && len(b.events) >= b.max {
		return false
	}
	b.events = append(b.events, now)
	return true
}

// used returns the number of restarts currently counted against the budget.
func (b *budget) used(now time.Time) int {
	b.prune(now)
	return len(b.events)
}
