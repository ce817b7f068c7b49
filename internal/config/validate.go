package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/randomizedcoder/go-trampoline/internal/logging"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined with errors.Join.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Slot names become subject tokens
	if err := validateSlot(cfg.Slot); err != nil {
		add("slot", "%s", err.Error())
	}

	validModes := map[string]bool{ModeExec: true, ModeInProcess: true}
	if !validModes[cfg.Mode] {
		add("mode", "must be 'exec' or 'inprocess' (got %q)", cfg.Mode)
	}

	switch cfg.Transport {
	case transport.BackendMemory:
		if cfg.Mode == ModeExec {
			add("transport", "memory transport cannot reach a worker in another process; use nats or redis with mode exec")
		}
	case transport.BackendNATS:
		if err := validateNATSURL(cfg.NATSURL); err != nil {
			add("nats_url", "%s", err.Error())
		}
	case transport.BackendRedis:
		if err := validateHostPort(cfg.RedisAddr); err != nil {
			add("redis_addr", "%s", err.Error())
		}
		if cfg.RedisDB < 0 {
			add("redis_db", "must not be negative")
		}
	default:
		add("transport", "must be one of: memory, nats, redis (got %q)", cfg.Transport)
	}

	if strings.ContainsAny(cfg.SubjectPrefix, " *>") {
		add("subject_prefix", "must not contain spaces or wildcards (got %q)", cfg.SubjectPrefix)
	}
	if cfg.CrashToken == "" {
		add("crash_token", "must not be empty")
	}

	// Restart policy
	if cfg.MaxRestarts < 0 {
		add("max_restarts", "must not be negative (0 = unlimited)")
	}
	if cfg.MaxRestarts > 0 && cfg.RestartWindow <= 0 {
		add("restart_window", "must be positive when max_restarts is set")
	}
	if cfg.BackoffInitial <= 0 {
		add("backoff_initial", "must be positive")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		add("backoff_max", "must be >= backoff_initial")
	}
	if cfg.BackoffMultiply < 1.0 {
		add("backoff_multiply", "must be >= 1.0")
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter > 1 {
		add("backoff_jitter", "must be between 0 and 1 (got %v)", cfg.BackoffJitter)
	}
	if cfg.StopTimeout <= 0 {
		add("stop_timeout", "must be positive")
	}
	if cfg.LaunchTimeout <= 0 {
		add("launch_timeout", "must be positive")
	}
	if cfg.HistorySize < 1 {
		add("history_size", "must be at least 1")
	}

	// Probe
	if cfg.ProbeTimeout <= 0 {
		add("probe_timeout", "must be positive")
	}
	if cfg.ProbeInterval < 0 {
		add("probe_interval", "must not be negative (0 = off)")
	}

	// Observability
	if cfg.DiagnosticsAddr != "" {
		if err := validateHostPort(cfg.DiagnosticsAddr); err != nil {
			add("diagnostics_addr", "%s", err.Error())
		}
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		add("log_level", "must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateSlot(slot string) error {
	if slot == "" {
		return errors.New("must not be empty")
	}
	if strings.ContainsAny(slot, " .*>\t\n") {
		return fmt.Errorf("must not contain spaces, dots or wildcards (got %q)", slot)
	}
	return nil
}

// validateNATSURL checks the URL uses a scheme nats.go understands.
func validateNATSURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("URL scheme must be nats, tls, ws or wss (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}

// validateHostPort accepts host:port with an optional empty host.
func validateHostPort(addr string) error {
	if strings.Contains(addr, "://") {
		return errors.New("must be host:port, not a URL")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	return nil
}
