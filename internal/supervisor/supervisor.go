package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
)

// Callbacks contains optional callback functions for supervisor events.
// They run on the supervisor's goroutine and must not block.
type Callbacks struct {
	// OnStateChange is called after every state transition.
	OnStateChange func(slot string, from, to State)

	// OnLaunch is called when a worker instance has started.
	OnLaunch func(info HandleInfo)

	// OnExit is called once per terminated instance with its report.
	OnExit func(report ExitReport)

	// OnRestart is called when a restart has been scheduled.
	OnRestart func(slot string, attempt int, delay time.Duration)

	// OnFatal is called at most once, when the slot halts because its
	// restart budget is exhausted.
	OnFatal func(slot string, err error)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Slot      string
	Launcher  Launcher
	Policy    RestartPolicy
	Seed      int64 // jitter seed, combined with the slot name
	History   int   // ExitReports kept; 0 uses DefaultHistorySize
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Decision is the outcome of DecideNext.
type Decision struct {
	Restart bool
	Delay   time.Duration
	Next    State
	// Err is set when the decision is fatal or the call was out of order.
	Err error
}

// Supervisor manages the lifecycle of a single logical worker slot.
type Supervisor struct {
	slot      string
	launcher  Launcher
	policy    RestartPolicy
	logger    *slog.Logger
	callbacks Callbacks
	now       func() time.Time

	// mu guards everything below it.
	mu         sync.RWMutex
	state      State
	since      time.Time
	handle     *WorkerHandle
	generation int
	restarts   int
	backoff    *Backoff
	restartAt  time.Time // earliest Launch from Restarting
	budget     *budget
	history    *history

	running   atomic.Bool
	stopping  atomic.Bool
	haltCh    chan struct{}
	haltOnce  sync.Once
	haltedCh  chan struct{}
	doneOnce  sync.Once
	fatalOnce sync.Once
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy.StopTimeout <= 0 {
		policy.StopTimeout = DefaultRestartPolicy().StopTimeout
	}
	if policy.LaunchTimeout <= 0 {
		policy.LaunchTimeout = DefaultRestartPolicy().LaunchTimeout
	}

	return &Supervisor{
		slot:      cfg.Slot,
		launcher:  cfg.Launcher,
		policy:    policy,
		logger:    logger.With("slot", cfg.Slot),
		callbacks: cfg.Callbacks,
		now:       time.Now,
		state:     StateIdle,
		since:     time.Now(),
		backoff:   NewBackoff(cfg.Slot, cfg.Seed, policy.Backoff),
		budget:    newBudget(policy.MaxRestarts, policy.Window),
		history:   newHistory(cfg.History),
		haltCh:    make(chan struct{}),
		haltedCh:  make(chan struct{}),
	}
}

// Run is the monitoring loop. It launches the worker, waits for it to exit,
// and restarts it according to the policy. It returns nil after a clean
// shutdown or an operator Halt, ctx.Err() when ctx is cancelled, and a
// *BudgetExhaustedError or *LaunchError when the slot halts because it
// restarted too often.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.logger.Debug("supervisor_starting", "launcher", s.launcher.Name())

	for {
		if err := ctx.Err(); err != nil {
			s.stopping.Store(true)
			s.enterHalted("context_cancelled")
			return err
		}
		if s.haltRequested() {
			s.enterHalted("operator_halt")
			return nil
		}

		h, err := s.Launch(ctx)
		if err != nil {
			var le *LaunchError
			if !errors.As(err, &le) {
				return err
			}
			if ctx.Err() != nil || s.haltRequested() {
				continue
			}
			delay, fatal := s.onLaunchFailure(le)
			if fatal != nil {
				return fatal
			}
			s.sleep(ctx, delay)
			continue
		}

		status := s.wait(ctx, h)
		report, err := s.OnTerminate(h, status)
		if err != nil {
			return err
		}

		d := s.DecideNext(report)
		if d.Err != nil {
			return d.Err
		}
		if !d.Restart {
			return ctx.Err()
		}
		s.sleep(ctx, d.Delay)
	}
}

// wait blocks until the worker exits. Cancellation or an operator halt stops
// the worker first.
func (s *Supervisor) wait(ctx context.Context, h *WorkerHandle) exitstatus.Status {
	done := make(chan exitstatus.Status, 1)
	go func() {
		done <- h.proc.Wait()
	}()

	select {
	case st := <-done:
		return st
	case <-ctx.Done():
		s.stopping.Store(true)
	case <-s.haltCh:
	}

	s.logger.Info("worker_stopping",
		"handle", h.id,
		"pid", h.proc.PID(),
		"timeout", s.policy.StopTimeout.String(),
	)
	if err := h.proc.Stop(s.policy.StopTimeout); err != nil {
		s.logger.Warn("worker_stop_forced", "handle", h.id, "error", err)
	}

	select {
	case st := <-done:
		return st
	case <-time.After(s.policy.LaunchTimeout):
		s.logger.Error("worker_wait_timeout", "handle", h.id, "pid", h.proc.PID())
		return exitstatus.Status{Code: exitstatus.UnknownCode}
	}
}

// sleep waits out a backoff delay unless cancelled or halted.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.haltCh:
	case <-timer.C:
	}
}

// Launch starts a new worker instance. The slot must be Idle, or Restarting
// with its backoff delay elapsed. Of two concurrent callers only one
// proceeds; the other gets ErrInvalidTransition.
func (s *Supervisor) Launch(ctx context.Context) (*WorkerHandle, error) {
	s.mu.Lock()
	from := s.state
	if from != StateIdle && from != StateRestarting {
		s.mu.Unlock()
		return nil, &TransitionError{From: from, To: StateLaunching}
	}
	if from == StateRestarting && s.now().Before(s.restartAt) {
		due := s.restartAt
		s.mu.Unlock()
		return nil, &TransitionError{From: from, To: StateLaunching, Until: due}
	}
	s.state = StateLaunching
	s.since = s.now()
	s.generation++
	gen := s.generation
	s.mu.Unlock()
	s.notifyState(from, StateLaunching)

	req := LaunchRequest{Slot: s.slot, InstanceID: uuid.NewString(), Generation: gen}

	launchCtx, cancel := context.WithTimeout(ctx, s.policy.LaunchTimeout)
	proc, err := s.launcher.Launch(launchCtx, req)
	cancel()
	if err != nil {
		s.logger.Error("worker_launch_failed", "generation", gen, "error", err)
		_ = s.transition(StateLaunching, StateRestarting)
		return nil, &LaunchError{Slot: s.slot, Generation: gen, Err: err}
	}

	h := &WorkerHandle{
		id:         req.InstanceID,
		slot:       s.slot,
		generation: gen,
		startedAt:  s.now(),
		proc:       proc,
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	if err := s.transition(StateLaunching, StateRunning); err != nil {
		// Halted while the launch was in flight.
		s.mu.Lock()
		s.handle = nil
		s.mu.Unlock()
		h.terminated.Store(true)
		_ = proc.Stop(s.policy.StopTimeout)
		return nil, err
	}

	s.logger.Info("worker_launched",
		"handle", h.id,
		"pid", proc.PID(),
		"generation", gen,
	)
	if s.callbacks.OnLaunch != nil {
		s.callbacks.OnLaunch(h.Info())
	}
	return h, nil
}

// OnTerminate records the termination of h. It classifies status, appends the
// ExitReport to the history and invalidates the handle. A second call for the
// same handle returns ErrStaleHandle.
func (s *Supervisor) OnTerminate(h *WorkerHandle, status exitstatus.Status) (ExitReport, error) {
	if h == nil || !h.terminated.CompareAndSwap(false, true) {
		return ExitReport{}, ErrStaleHandle
	}

	s.mu.RLock()
	current := s.handle
	s.mu.RUnlock()
	if current != h {
		return ExitReport{}, ErrStaleHandle
	}

	if err := s.transition(StateRunning, StateTerminating); err != nil {
		return ExitReport{}, err
	}
	if err := s.transition(StateTerminating, StateClassifying); err != nil {
		return ExitReport{}, err
	}

	now := s.now()
	report := ExitReport{
		HandleID:   h.id,
		Slot:       s.slot,
		PID:        h.proc.PID(),
		Generation: h.generation,
		Status:     status,
		Cause:      exitstatus.Classify(status),
		Uptime:     now.Sub(h.startedAt),
		At:         now,
	}
	if t, ok := h.proc.(StderrTailer); ok {
		report.StderrTail = t.StderrTail()
	}

	s.mu.Lock()
	s.history.add(report)
	s.handle = nil
	s.mu.Unlock()

	s.logger.Info("worker_exited",
		"handle", h.id,
		"pid", report.PID,
		"exit_code", status.Code,
		"signaled", status.Signaled,
		"cause", report.Cause.String(),
		"uptime", report.Uptime.String(),
	)
	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(report)
	}
	return report, nil
}

// DecideNext applies the restart policy to report. A clean shutdown halts the
// slot. Crashes and faults consume restart budget and move the slot to
// Restarting; once the budget is spent the slot halts with a
// *BudgetExhaustedError.
func (s *Supervisor) DecideNext(report ExitReport) Decision {
	if !report.Cause.Restartable() || s.stopping.Load() {
		if err := s.transition(StateClassifying, StateHalted); err != nil {
			return Decision{Next: s.State(), Err: err}
		}
		s.logger.Info("supervisor_halted", "reason", haltReason(report, s.stopping.Load()))
		return Decision{Next: StateHalted}
	}

	s.mu.Lock()
	if s.state != StateClassifying {
		from := s.state
		s.mu.Unlock()
		return Decision{Next: from, Err: &TransitionError{From: from, To: StateRestarting}}
	}
	if ShouldReset(report.Uptime, report.Status.Code) {
		s.backoff.Reset()
	}
	if !s.budget.allow(s.now()) {
		last := report
		err := s.exhaustedLocked(&last)
		s.mu.Unlock()

		s.fatal(err)
		_ = s.transition(StateClassifying, StateHalted)
		return Decision{Next: StateHalted, Err: err}
	}
	delay := s.backoff.Next()
	s.restartAt = s.now().Add(delay)
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	if err := s.transition(StateClassifying, StateRestarting); err != nil {
		return Decision{Next: s.State(), Err: err}
	}

	s.logger.Info("restart_scheduled",
		"attempt", attempt,
		"delay", delay.String(),
		"cause", report.Cause.String(),
	)
	if s.callbacks.OnRestart != nil {
		s.callbacks.OnRestart(s.slot, attempt, delay)
	}
	return Decision{Restart: true, Delay: delay, Next: StateRestarting}
}

// onLaunchFailure charges a failed launch against the restart budget.
func (s *Supervisor) onLaunchFailure(le *LaunchError) (time.Duration, error) {
	s.mu.Lock()
	if !s.budget.allow(s.now()) {
		var last *ExitReport
		if r, ok := s.history.last(); ok {
			last = &r
		}
		le.Budget = s.exhaustedLocked(last)
		s.mu.Unlock()

		s.fatal(le)
		s.enterHalted("launch_failures")
		return 0, le
	}
	delay := s.backoff.Next()
	s.restartAt = s.now().Add(delay)
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	s.logger.Info("restart_scheduled",
		"attempt", attempt,
		"delay", delay.String(),
		"cause", "launch_failure",
	)
	if s.callbacks.OnRestart != nil {
		s.callbacks.OnRestart(s.slot, attempt, delay)
	}
	return delay, nil
}

func (s *Supervisor) exhaustedLocked(last *ExitReport) *BudgetExhaustedError {
	return &BudgetExhaustedError{
		Slot:     s.slot,
		Restarts: s.budget.used(s.now()),
		Max:      s.policy.MaxRestarts,
		Window:   s.policy.Window,
		Last:     last,
	}
}

func (s *Supervisor) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.logger.Error("restart_budget_exhausted", "error", err)
		if s.callbacks.OnFatal != nil {
			s.callbacks.OnFatal(s.slot, err)
		}
	})
}

func haltReason(r ExitReport, stopping bool) string {
	if stopping {
		return "stop_requested"
	}
	return r.Cause.String()
}

// Halt stops supervision. A running worker is stopped (SIGTERM, then SIGKILL
// after the stop timeout) and a pending backoff is cut short. The slot ends
// in Halted. Halt is safe to call more than once.
func (s *Supervisor) Halt() {
	s.haltOnce.Do(func() {
		s.logger.Info("halt_requested")
		s.stopping.Store(true)
		close(s.haltCh)
	})
	if !s.running.Load() {
		s.enterHalted("operator_halt")
	}
}

func (s *Supervisor) haltRequested() bool {
	select {
	case <-s.haltCh:
		return true
	default:
		return false
	}
}

// enterHalted moves an Idle, Launching or Restarting slot to Halted.
func (s *Supervisor) enterHalted(reason string) {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, StateHalted) || from == StateClassifying {
		s.mu.Unlock()
		return
	}
	s.state = StateHalted
	s.since = s.now()
	s.mu.Unlock()

	s.logger.Info("supervisor_halted", "reason", reason)
	s.notifyState(from, StateHalted)
}

// transition performs from -> to if the slot is currently in from.
func (s *Supervisor) transition(from, to State) error {
	s.mu.Lock()
	if s.state != from || !CanTransition(from, to) {
		cur := s.state
		s.mu.Unlock()
		return &TransitionError{From: cur, To: to}
	}
	s.state = to
	s.since = s.now()
	s.mu.Unlock()

	s.notifyState(from, to)
	return nil
}

func (s *Supervisor) notifyState(from, to State) {
	s.logger.Debug("state_changed", "from", from.String(), "to", to.String())
	if to == StateHalted {
		s.doneOnce.Do(func() { close(s.haltedCh) })
	}
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(s.slot, from, to)
	}
}

// Done is closed once the slot reaches Halted.
func (s *Supervisor) Done() <-chan struct{} {
	return s.haltedCh
}

// Slot returns the slot name.
func (s *Supervisor) Slot() string {
	return s.slot
}

// Policy returns the restart policy in effect.
func (s *Supervisor) Policy() RestartPolicy {
	return s.policy
}

// State returns the current state of the slot.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handle returns the current worker handle, if one is running.
func (s *Supervisor) Handle() (HandleInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return HandleInfo{}, false
	}
	return s.handle.Info(), true
}

// History returns the retained ExitReports, oldest first.
func (s *Supervisor) History() []ExitReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.list()
}

// Restarts returns the number of restarts scheduled so far.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Uptime returns the current worker's uptime, or 0 if none is running.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return 0
	}
	return s.now().Sub(s.handle.startedAt)
}

// Snapshot is a consistent view of a slot for diagnostics.
type Snapshot struct {
	Slot        string        `json:"slot"`
	State       State         `json:"state"`
	Since       time.Time     `json:"since"`
	Launcher    string        `json:"launcher"`
	Handle      *HandleInfo   `json:"handle,omitempty"`
	Generation  int           `json:"generation"`
	Restarts    int           `json:"restarts"`
	BudgetUsed  int           `json:"budget_used"`
	MaxRestarts int           `json:"max_restarts"`
	Window      time.Duration `json:"window"`
	LastExit    *ExitReport   `json:"last_exit,omitempty"`
}

// Snapshot returns a copy of the slot's state taken under a single lock.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Slot:        s.slot,
		State:       s.state,
		Since:       s.since,
		Launcher:    s.launcher.Name(),
		Generation:  s.generation,
		Restarts:    s.restarts,
		BudgetUsed:  s.budget.used(s.now()),
		MaxRestarts: s.policy.MaxRestarts,
		Window:      s.policy.Window,
	}
	if s.handle != nil {
		info := s.handle.Info()
		snap.Handle = &info
	}
	if r, ok := s.history.last(); ok {
		snap.LastExit = &r
	}
	return snap
}
