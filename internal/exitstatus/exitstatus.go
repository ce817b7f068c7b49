// Package exitstatus classifies how a supervised worker terminated.
//
// The mapping is pure and total: every Status classifies to exactly one Cause,
// and nothing here touches a process.
package exitstatus

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// TriggeredCrashCode is the reserved exit code a worker uses when it was told
// to crash on purpose. It is part of the external contract and must not change.
//
// 86 sits outside the ranges produced by shells, the Go runtime and common
// conventions: 1-2 (generic errors, Go panics, log.Fatal), 64-78 (sysexits.h),
// 126-165 (exec failures and 128+signal) and 255.
const TriggeredCrashCode = 86

// UnknownCode is recorded when a wait error carried no exit status at all.
const UnknownCode = -1

// Cause is the classified reason a worker terminated.
type Cause int

const (
	// UnexpectedFault is the catch-all for anything that is neither a clean
	// shutdown nor a triggered crash.
	UnexpectedFault Cause = iota

	// CleanShutdown means the worker exited with success on purpose.
	CleanShutdown

	// TriggeredCrash means the worker exited with TriggeredCrashCode.
	TriggeredCrash
)

// String returns the stable name used in logs, metrics labels and JSON.
func (c Cause) String() string {
	switch c {
	case CleanShutdown:
		return "clean_shutdown"
	case TriggeredCrash:
		return "triggered_crash"
	default:
		return "unexpected_fault"
	}
}

// Restartable reports whether the supervisor should bring the worker back.
func (c Cause) Restartable() bool {
	return c != CleanShutdown
}

// MarshalText implements encoding.TextMarshaler.
func (c Cause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cause) UnmarshalText(text []byte) error {
	parsed, err := ParseCause(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCause converts a name produced by Cause.String back into a Cause.
func ParseCause(s string) (Cause, error) {
	switch s {
	case "clean_shutdown":
		return CleanShutdown, nil
	case "triggered_crash":
		return TriggeredCrash, nil
	case "unexpected_fault":
		return UnexpectedFault, nil
	default:
		return UnexpectedFault, fmt.Errorf("unknown cause %q", s)
	}
}

// Causes lists every cause, in declaration order.
func Causes() []Cause {
	return []Cause{UnexpectedFault, CleanShutdown, TriggeredCrash}
}

// Status is the raw termination status of a worker.
type Status struct {
	// Code is the exit code. Signalled exits use the shell convention 128+n.
	Code int `json:"code"`

	// Signal is the terminating signal number when Signaled is true.
	Signal int `json:"signal,omitempty"`

	// Signaled is true if the worker was killed by a signal.
	Signaled bool `json:"signaled,omitempty"`
}

// Exited returns the Status of a worker that exited normally with code.
func Exited(code int) Status {
	return Status{Code: code}
}

// Killed returns the Status of a worker terminated by sig.
func Killed(sig syscall.Signal) Status {
	return Status{Code: 128 + int(sig), Signal: int(sig), Signaled: true}
}

// String renders the status for logs.
func (s Status) String() string {
	if s.Signaled {
		return fmt.Sprintf("signal %s (code %d)", syscall.Signal(s.Signal), s.Code)
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Classify maps a Status to its Cause.
func Classify(s Status) Cause {
	if s.Signaled {
		return UnexpectedFault
	}
	switch s.Code {
	case 0:
		return CleanShutdown
	case TriggeredCrashCode:
		return TriggeredCrash
	default:
		return UnexpectedFault
	}
}

// FromWaitError converts the error returned by exec.Cmd.Wait into a Status.
func FromWaitError(err error) Status {
	if err == nil {
		return Exited(0)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return Killed(ws.Signal())
			}
			return Exited(ws.ExitStatus())
		}
		return Exited(exitErr.ExitCode())
	}

	return Exited(UnknownCode)
}

// Label returns a short human-readable hint for well-known codes.
func Label(s Status) string {
	if s.Signaled {
		return "(" + signalName(s.Signal) + ")"
	}
	switch s.Code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 2:
		return "(panic)"
	case TriggeredCrashCode:
		return "(triggered)"
	case UnknownCode:
		return "(unknown)"
	default:
		return ""
	}
}

func signalName(sig int) string {
	switch syscall.Signal(sig) {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	default:
		return fmt.Sprintf("signal %d", sig)
	}
}
