package supervisor

import (
	"testing"
	"time"
)

// noJitter is a backoff config with predictable delays.
func noJitter(initial, max time.Duration, mult float64) BackoffConfig {
	return BackoffConfig{Initial: initial, Max: max, Multiplier: mult}
}

// =============================================================================
// Table-Driven Tests: BackoffConfig
// =============================================================================

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()

	if cfg.Initial != 250*time.Millisecond {
		t.Errorf("Initial = %v, want 250ms", cfg.Initial)
	}
	if cfg.Max != 5*time.Second {
		t.Errorf("Max = %v, want 5s", cfg.Max)
	}
	if cfg.Multiplier != 1.7 {
		t.Errorf("Multiplier = %v, want 1.7", cfg.Multiplier)
	}
	if cfg.JitterPct != 0.4 {
		t.Errorf("JitterPct = %v, want 0.4", cfg.JitterPct)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestBackoffConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackoffConfig
		wantErr bool
	}{
		{"ok", noJitter(time.Second, time.Minute, 2), false},
		{"negative initial", noJitter(-time.Second, time.Minute, 2), true},
		{"max below initial", noJitter(time.Minute, time.Second, 2), true},
		{"shrinking multiplier", noJitter(time.Second, time.Minute, 0.5), true},
		{"jitter above 1", BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, JitterPct: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Table-Driven Tests: Backoff.Calculate (no jitter)
// =============================================================================

func TestBackoff_Calculate_NoJitter(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		cfg      BackoffConfig
		want     time.Duration
	}{
		{"attempt 0", 0, noJitter(100*time.Millisecond, 10*time.Second, 2), 100 * time.Millisecond},
		{"attempt 1", 1, noJitter(100*time.Millisecond, 10*time.Second, 2), 200 * time.Millisecond},
		{"attempt 3", 3, noJitter(100*time.Millisecond, 10*time.Second, 2), 800 * time.Millisecond},
		{"capped at max", 10, noJitter(100*time.Millisecond, time.Second, 2), time.Second},
		{"multiplier 1.5", 2, noJitter(100*time.Millisecond, 10*time.Second, 1.5), 225 * time.Millisecond},
		{"fixed delay", 5, noJitter(100*time.Millisecond, 10*time.Second, 1), 100 * time.Millisecond},
		{"negative attempts", -1, noJitter(100*time.Millisecond, 5*time.Second, 2), 50 * time.Millisecond},
		{"zero initial", 4, noJitter(0, 5*time.Second, 2), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff("bot", 0, tt.cfg)
			b.attempts = tt.attempts

			if got := b.Calculate(); got != tt.want {
				t.Errorf("Calculate() = %v, want %v", got, tt.want)
			}
			if b.Attempts() != tt.attempts {
				t.Errorf("Calculate() changed attempts to %d", b.Attempts())
			}
		})
	}
}

// =============================================================================
// Tests: Next / Reset
// =============================================================================

func TestBackoff_NextAndReset(t *testing.T) {
	b := NewBackoff("bot", 0, noJitter(100*time.Millisecond, 10*time.Second, 2))

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
		if b.Attempts() != i+1 {
			t.Errorf("Attempts() after #%d = %d", i+1, b.Attempts())
		}
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Errorf("Attempts() after reset = %d, want 0", b.Attempts())
	}
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next() after reset = %v, want 100ms", got)
	}
}

// =============================================================================
// Tests: Jitter Behavior
// =============================================================================

func TestBackoff_Jitter(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 1.0,
		JitterPct:  0.4, // ±20%
	}

	b1 := NewBackoff("alpha", 12345, cfg)
	b2 := NewBackoff("beta", 12345, cfg)

	allSame := true
	for i := 0; i < 10; i++ {
		d1, d2 := b1.Calculate(), b2.Calculate()
		if d1 != d2 {
			allSame = false
		}
		if d1 < 800*time.Millisecond || d1 > 1200*time.Millisecond {
			t.Errorf("sample[%d] = %v, want between 800ms and 1200ms", i, d1)
		}
	}
	if allSame {
		t.Error("different slots should produce different jitter")
	}
}

func TestBackoff_DeterministicJitter(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 1, JitterPct: 0.4}

	b1 := NewBackoff("bot", 12345, cfg)
	b2 := NewBackoff("bot", 12345, cfg)

	for i := 0; i < 10; i++ {
		if d1, d2 := b1.Calculate(), b2.Calculate(); d1 != d2 {
			t.Errorf("iteration %d: %v != %v (should be deterministic)", i, d1, d2)
		}
	}
}

// =============================================================================
// Table-Driven Tests: ShouldReset
// =============================================================================

func TestShouldReset(t *testing.T) {
	tests := []struct {
		name     string
		uptime   time.Duration
		exitCode int
		want     bool
	}{
		{"short crash", time.Second, 1, false},
		{"short triggered crash", time.Second, 86, false},
		{"stable run then crash", BackoffResetThreshold, 1, true},
		{"long run", time.Hour, 137, true},
		{"clean exit", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldReset(tt.uptime, tt.exitCode); got != tt.want {
				t.Errorf("ShouldReset(%v, %d) = %v, want %v", tt.uptime, tt.exitCode, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkBackoff_Next(b *testing.B) {
	backoff := NewBackoff("bot", 12345, DefaultBackoffConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = backoff.Next()
		if backoff.Attempts() > 100 {
			backoff.Reset()
		}
	}
}
