package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// =============================================================================
// Tests: Defaults
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Mode != ModeExec {
		t.Errorf("Mode = %q, want %q", cfg.Mode, ModeExec)
	}
	if cfg.Transport != "nats" {
		t.Errorf("Transport = %q, want nats", cfg.Transport)
	}
	if cfg.CrashToken != "CRASH" {
		t.Errorf("CrashToken = %q, want CRASH", cfg.CrashToken)
	}
	if cfg.MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d, want 5", cfg.MaxRestarts)
	}
	if cfg.DiagnosticsAddr != "127.0.0.1:9464" {
		t.Errorf("DiagnosticsAddr = %q", cfg.DiagnosticsAddr)
	}
	if cfg.BackoffMultiply < 1.0 {
		t.Errorf("BackoffMultiply = %f, should be >= 1.0", cfg.BackoffMultiply)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestRestartPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRestarts = 3
	cfg.RestartWindow = 10 * time.Second

	p := cfg.RestartPolicy()
	if p.MaxRestarts != 3 || p.Window != 10*time.Second {
		t.Errorf("policy = %+v", p)
	}
	if p.Backoff != supervisor.DefaultBackoffConfig() {
		t.Errorf("Backoff = %+v, want defaults", p.Backoff)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("policy from default config invalid: %v", err)
	}
}

func TestTransportOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = "redis"
	cfg.RedisAddr = "10.0.0.1:6380"
	cfg.RedisDB = 2

	opts := cfg.TransportOptions(nil)
	if opts.Backend != "redis" || opts.RedisAddr != "10.0.0.1:6380" || opts.RedisDB != 2 {
		t.Errorf("TransportOptions() = %+v", opts)
	}
	if opts.Timeout != cfg.ProbeTimeout {
		t.Errorf("Timeout = %v, want %v", opts.Timeout, cfg.ProbeTimeout)
	}
}

// =============================================================================
// Table-Driven Tests: Validate
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string // "" = valid
	}{
		{"defaults", func(*Config) {}, ""},
		{"inprocess memory", func(c *Config) { c.Mode = ModeInProcess; c.Transport = "memory" }, ""},
		{"redis", func(c *Config) { c.Transport = "redis" }, ""},
		{"unlimited restarts without window", func(c *Config) { c.MaxRestarts = 0; c.RestartWindow = 0 }, ""},
		{"diagnostics off", func(c *Config) { c.DiagnosticsAddr = "" }, ""},

		{"empty slot", func(c *Config) { c.Slot = "" }, "slot"},
		{"dotted slot", func(c *Config) { c.Slot = "a.b" }, "slot"},
		{"wildcard slot", func(c *Config) { c.Slot = "bot*" }, "slot"},
		{"bad mode", func(c *Config) { c.Mode = "thread" }, "mode"},
		{"exec over memory", func(c *Config) { c.Transport = "memory" }, "transport"},
		{"unknown transport", func(c *Config) { c.Transport = "kafka" }, "transport"},
		{"http nats url", func(c *Config) { c.NATSURL = "http://localhost:4222" }, "nats_url"},
		{"redis url", func(c *Config) { c.Transport = "redis"; c.RedisAddr = "redis://x:6379" }, "redis_addr"},
		{"redis missing port", func(c *Config) { c.Transport = "redis"; c.RedisAddr = "localhost" }, "redis_addr"},
		{"negative redis db", func(c *Config) { c.Transport = "redis"; c.RedisDB = -1 }, "redis_db"},
		{"wildcard prefix", func(c *Config) { c.SubjectPrefix = "a.>" }, "subject_prefix"},
		{"empty crash token", func(c *Config) { c.CrashToken = "" }, "crash_token"},
		{"negative max restarts", func(c *Config) { c.MaxRestarts = -1 }, "max_restarts"},
		{"budget without window", func(c *Config) { c.RestartWindow = 0 }, "restart_window"},
		{"zero backoff", func(c *Config) { c.BackoffInitial = 0 }, "backoff_initial"},
		{"max below initial", func(c *Config) { c.BackoffMax = time.Millisecond }, "backoff_max"},
		{"shrinking backoff", func(c *Config) { c.BackoffMultiply = 0.5 }, "backoff_multiply"},
		{"jitter too big", func(c *Config) { c.BackoffJitter = 2 }, "backoff_jitter"},
		{"zero stop timeout", func(c *Config) { c.StopTimeout = 0 }, "stop_timeout"},
		{"zero launch timeout", func(c *Config) { c.LaunchTimeout = 0 }, "launch_timeout"},
		{"zero history", func(c *Config) { c.HistorySize = 0 }, "history_size"},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }, "probe_timeout"},
		{"negative probe interval", func(c *Config) { c.ProbeInterval = -time.Second }, "probe_interval"},
		{"bad diagnostics addr", func(c *Config) { c.DiagnosticsAddr = "localhost" }, "diagnostics_addr"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)

			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error on %s", tt.wantField)
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantField+":") {
				t.Errorf("error %q should mention %s", err, tt.wantField)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Slot = ""
	cfg.Mode = "bogus"
	cfg.HistorySize = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected multiple errors")
	}

	errStr := err.Error()
	for _, field := range []string{"slot", "mode", "history_size"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("Error should mention %s", field)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test_field",
		Message: "test message",
	}

	if errStr := err.Error(); errStr != "test_field: test message" {
		t.Errorf("Error string = %q, want %q", errStr, "test_field: test message")
	}
}

// =============================================================================
// Tests: Loader
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RestartPolicy() != DefaultConfig().RestartPolicy() {
		t.Errorf("loaded policy differs from defaults")
	}
	if cfg.Slot != "default" {
		t.Errorf("Slot = %q", cfg.Slot)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trampoline.yaml")
	data := `
slot: bot
mode: inprocess
transport: memory
max_restarts: 3
restart_window: 30s
backoff_initial: 50ms
worker_args: ["--verbose", "--x"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Slot != "bot" || cfg.Mode != ModeInProcess || cfg.Transport != "memory" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxRestarts != 3 || cfg.RestartWindow != 30*time.Second {
		t.Errorf("budget = %d/%v", cfg.MaxRestarts, cfg.RestartWindow)
	}
	if cfg.BackoffInitial != 50*time.Millisecond {
		t.Errorf("BackoffInitial = %v", cfg.BackoffInitial)
	}
	if len(cfg.WorkerArgs) != 2 {
		t.Errorf("WorkerArgs = %v", cfg.WorkerArgs)
	}
	// Untouched keys keep their defaults.
	if cfg.StopTimeout != DefaultConfig().StopTimeout {
		t.Errorf("StopTimeout = %v", cfg.StopTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trampoline.yaml")
	if err := os.WriteFile(path, []byte("slot: from-file\nmax_restarts: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRAMPOLINE_SLOT", "from-env")
	t.Setenv("TRAMPOLINE_PROBE_TIMEOUT", "750ms")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Slot != "from-env" {
		t.Errorf("Slot = %q, want from-env", cfg.Slot)
	}
	if cfg.MaxRestarts != 3 {
		t.Errorf("MaxRestarts = %d, want 3 from file", cfg.MaxRestarts)
	}
	if cfg.ProbeTimeout != 750*time.Millisecond {
		t.Errorf("ProbeTimeout = %v", cfg.ProbeTimeout)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("TRAMPOLINE_SLOT", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("slot", "", "")
	fs.Int("max-restarts", 0, "")
	fs.Bool("not-a-key", false, "")
	if err := fs.Parse([]string{"--slot", "from-flag", "--max-restarts", "9"}); err != nil {
		t.Fatal(err)
	}

	l := NewLoader()
	if err := l.BindFlags(fs); err != nil {
		t.Fatalf("BindFlags() error = %v", err)
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Slot != "from-flag" {
		t.Errorf("Slot = %q, want from-flag", cfg.Slot)
	}
	if cfg.MaxRestarts != 9 {
		t.Errorf("MaxRestarts = %d, want 9", cfg.MaxRestarts)
	}
}

func TestLoad_InvalidIsRejected(t *testing.T) {
	t.Setenv("TRAMPOLINE_MODE", "thread")

	_, err := NewLoader().Load()
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Field != "mode" {
		t.Fatalf("Load() error = %v, want mode ValidationError", err)
	}
}
