package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
)

// LaunchRequest describes the worker a Launcher must start.
type LaunchRequest struct {
	Slot string
	// InstanceID identifies this particular incarnation. Workers report it
	// when answering a liveness probe.
	InstanceID string
	Generation int
}

// Launcher starts worker instances. It decouples the supervisor from how a
// worker runs (child process or goroutine).
type Launcher interface {
	// Launch starts a worker. ctx bounds the start itself only; the worker
	// must keep running after ctx expires.
	Launch(ctx context.Context, req LaunchRequest) (Process, error)

	// Name returns a human-readable name for this launcher.
	Name() string
}

// Process is one running worker instance.
type Process interface {
	// PID is the operating system process id, or 0 for in-process workers.
	PID() int

	// Wait blocks until the worker terminates and returns its exit status.
	// It may be called from several goroutines and always returns the same
	// status.
	Wait() exitstatus.Status

	// Stop asks the worker to exit and forces it after timeout.
	Stop(timeout time.Duration) error
}

// StderrTailer is implemented by processes that keep their last stderr lines.
type StderrTailer interface {
	StderrTail() []string
}

// HandleState is the lifecycle of a single WorkerHandle.
type HandleState int

const (
	HandleRunning HandleState = iota
	HandleTerminated
)

func (s HandleState) String() string {
	if s == HandleTerminated {
		return "terminated"
	}
	return "running"
}

// MarshalText encodes the handle state by name.
func (s HandleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WorkerHandle represents one running worker instance. The supervisor owns
// it; observers get HandleInfo copies.
type WorkerHandle struct {
	id         string
	slot       string
	generation int
	startedAt  time.Time
	proc       Process

	terminated atomic.Bool
}

// HandleInfo is a read-only snapshot of a WorkerHandle.
type HandleInfo struct {
	ID         string      `json:"id"`
	Slot       string      `json:"slot"`
	PID        int         `json:"pid"`
	Generation int         `json:"generation"`
	StartedAt  time.Time   `json:"started_at"`
	State      HandleState `json:"state"`
}

// ID returns the instance id.
func (h *WorkerHandle) ID() string { return h.id }

// PID returns the worker's process id (0 for in-process workers).
func (h *WorkerHandle) PID() int { return h.proc.PID() }

// Generation returns the 1-based launch counter of this instance.
func (h *WorkerHandle) Generation() int { return h.generation }

// StartedAt returns when the instance was launched.
func (h *WorkerHandle) StartedAt() time.Time { return h.startedAt }

// State reports whether the handle is still valid.
func (h *WorkerHandle) State() HandleState {
	if h.terminated.Load() {
		return HandleTerminated
	}
	return HandleRunning
}

// Info returns a copy suitable for observers.
func (h *WorkerHandle) Info() HandleInfo {
	return HandleInfo{
		ID:         h.id,
		Slot:       h.slot,
		PID:        h.proc.PID(),
		Generation: h.generation,
		StartedAt:  h.startedAt,
		State:      h.State(),
	}
}

// Wait blocks until the worker exits.
func (h *WorkerHandle) Wait() exitstatus.Status {
	return h.proc.Wait()
}
