package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "TRAMPOLINE"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// BindFlags binds every flag in fs whose name, with dashes turned into
// underscores, is a config key.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, ok := defaultValues()[key]; !ok {
			return
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("binding flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load loads configuration from all sources and validates it.
// Precedence (highest to lowest):
// 1. CLI flags (bound with BindFlags)
// 2. Environment variables (TRAMPOLINE_*)
// 3. Config file (--config, YAML)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	for key, value := range defaultValues() {
		l.v.SetDefault(key, value)
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultValues flattens DefaultConfig into viper keys.
func defaultValues() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"slot":             d.Slot,
		"mode":             d.Mode,
		"worker_binary":    d.WorkerBinary,
		"worker_args":      d.WorkerArgs,
		"transport":        d.Transport,
		"nats_url":         d.NATSURL,
		"redis_addr":       d.RedisAddr,
		"redis_password":   d.RedisPassword,
		"redis_db":         d.RedisDB,
		"subject_prefix":   d.SubjectPrefix,
		"crash_token":      d.CrashToken,
		"max_restarts":     d.MaxRestarts,
		"restart_window":   d.RestartWindow,
		"backoff_initial":  d.BackoffInitial,
		"backoff_max":      d.BackoffMax,
		"backoff_multiply": d.BackoffMultiply,
		"backoff_jitter":   d.BackoffJitter,
		"seed":             d.Seed,
		"stop_timeout":     d.StopTimeout,
		"launch_timeout":   d.LaunchTimeout,
		"history_size":     d.HistorySize,
		"probe_timeout":    d.ProbeTimeout,
		"probe_interval":   d.ProbeInterval,
		"diagnostics_addr": d.DiagnosticsAddr,
		"journal_path":     d.JournalPath,
		"status_file":      d.StatusFile,
		"log_format":       d.LogFormat,
		"log_level":        d.LogLevel,
		"verbose":          d.Verbose,
		"skip_preflight":   d.SkipPreflight,
	}
}
