// Package config provides configuration management for go-trampoline.
package config

import (
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

// Worker modes.
const (
	ModeExec      = "exec"
	ModeInProcess = "inprocess"
)

// Config holds all configuration options for a supervised slot.
type Config struct {
	// Slot
	Slot         string   `mapstructure:"slot" json:"slot" yaml:"slot"`
	Mode         string   `mapstructure:"mode" json:"mode" yaml:"mode"` // exec, inprocess
	WorkerBinary string   `mapstructure:"worker_binary" json:"worker_binary" yaml:"worker_binary"`
	WorkerArgs   []string `mapstructure:"worker_args" json:"worker_args" yaml:"worker_args"`

	// Transport
	Transport     string `mapstructure:"transport" json:"transport" yaml:"transport"` // memory, nats, redis
	NATSURL       string `mapstructure:"nats_url" json:"nats_url" yaml:"nats_url"`
	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"-" yaml:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db" yaml:"redis_db"`
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" yaml:"subject_prefix"`
	CrashToken    string `mapstructure:"crash_token" json:"-" yaml:"-"`

	// Restart policy
	MaxRestarts     int           `mapstructure:"max_restarts" json:"max_restarts" yaml:"max_restarts"` // 0 = unlimited
	RestartWindow   time.Duration `mapstructure:"restart_window" json:"restart_window" yaml:"restart_window"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial" json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" json:"backoff_max" yaml:"backoff_max"`
	BackoffMultiply float64       `mapstructure:"backoff_multiply" json:"backoff_multiply" yaml:"backoff_multiply"`
	BackoffJitter   float64       `mapstructure:"backoff_jitter" json:"backoff_jitter" yaml:"backoff_jitter"`
	Seed            int64         `mapstructure:"seed" json:"seed" yaml:"seed"` // 0 = time based
	StopTimeout     time.Duration `mapstructure:"stop_timeout" json:"stop_timeout" yaml:"stop_timeout"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" json:"launch_timeout" yaml:"launch_timeout"`
	HistorySize     int           `mapstructure:"history_size" json:"history_size" yaml:"history_size"`

	// Probe
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" yaml:"probe_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" json:"probe_interval" yaml:"probe_interval"` // 0 = off

	// Observability
	DiagnosticsAddr string `mapstructure:"diagnostics_addr" json:"diagnostics_addr" yaml:"diagnostics_addr"` // "" = off
	JournalPath     string `mapstructure:"journal_path" json:"journal_path" yaml:"journal_path"`             // "" = off
	StatusFile      string `mapstructure:"status_file" json:"status_file" yaml:"status_file"`                // "" = off
	LogFormat       string `mapstructure:"log_format" json:"log_format" yaml:"log_format"`                   // json, text
	LogLevel        string `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	Verbose         bool   `mapstructure:"verbose" json:"verbose" yaml:"verbose"`

	// Diagnostic modes
	SkipPreflight bool `mapstructure:"skip_preflight" json:"skip_preflight" yaml:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	policy := supervisor.DefaultRestartPolicy()
	return &Config{
		Slot: "default",
		Mode: ModeExec,

		Transport:     transport.BackendNATS,
		NATSURL:       "nats://127.0.0.1:4222",
		RedisAddr:     "127.0.0.1:6379",
		SubjectPrefix: transport.DefaultPrefix,
		CrashToken:    transport.DefaultCrashToken,

		MaxRestarts:     policy.MaxRestarts,
		RestartWindow:   policy.Window,
		BackoffInitial:  policy.Backoff.Initial,
		BackoffMax:      policy.Backoff.Max,
		BackoffMultiply: policy.Backoff.Multiplier,
		BackoffJitter:   policy.Backoff.JitterPct,
		StopTimeout:     policy.StopTimeout,
		LaunchTimeout:   policy.LaunchTimeout,
		HistorySize:     supervisor.DefaultHistorySize,

		ProbeTimeout: 2 * time.Second,

		DiagnosticsAddr: "127.0.0.1:9464",
		LogFormat:       "json",
		LogLevel:        "info",
	}
}

// RestartPolicy builds the supervisor policy from the config.
func (c *Config) RestartPolicy() supervisor.RestartPolicy {
	return supervisor.RestartPolicy{
		Backoff: supervisor.BackoffConfig{
			Initial:    c.BackoffInitial,
			Max:        c.BackoffMax,
			Multiplier: c.BackoffMultiply,
			JitterPct:  c.BackoffJitter,
		},
		MaxRestarts:   c.MaxRestarts,
		Window:        c.RestartWindow,
		StopTimeout:   c.StopTimeout,
		LaunchTimeout: c.LaunchTimeout,
	}
}

// TransportOptions builds the options for transport.Open.
func (c *Config) TransportOptions(logger *slog.Logger) transport.Options {
	return transport.Options{
		Backend:       c.Transport,
		NATSURL:       c.NATSURL,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		Timeout:       c.ProbeTimeout,
		Logger:        logger,
	}
}
