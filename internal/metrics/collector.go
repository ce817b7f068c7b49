// Package metrics provides Prometheus metrics for a supervised slot.
//
// Every Collector owns its metric vectors, so several collectors can live in
// one process (one per registry) without colliding. The supervisor feeds it
// through Callbacks; the prober feeds it through RecordProbe.
package metrics

import (
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/probe"
	"github.com/randomizedcoder/go-trampoline/internal/process"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// =============================================================================
// Collector
// =============================================================================

// Collector manages all Prometheus metrics for one slot.
type Collector struct {
	slot      string
	startTime time.Time

	info           *prometheus.GaugeVec
	state          *prometheus.GaugeVec
	generation     prometheus.Gauge
	launchesTotal  prometheus.Counter
	restartsTotal  prometheus.Counter
	fatalTotal     prometheus.Counter
	exitsTotal     *prometheus.CounterVec
	uptimeSeconds  prometheus.Histogram
	restartDelay   prometheus.Histogram
	probesTotal    *prometheus.CounterVec
	probeLatency   prometheus.Histogram
	workerRSSBytes prometheus.Gauge
	workerCPU      prometheus.Gauge

	// For summary generation
	mu            sync.Mutex
	totalLaunches int64
	totalRestarts int64
	fatal         bool
	causes        map[exitstatus.Cause]int64
	exitCodes     map[int]int64
	uptimes       []time.Duration
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Slot     string
	Launcher string
	Version  string
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	labels := prometheus.Labels{"slot": cfg.Slot}

	c := &Collector{
		slot:      cfg.Slot,
		startTime: time.Now(),
		causes:    make(map[exitstatus.Cause]int64),
		exitCodes: make(map[int]int64),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trampoline_info",
			Help: "Information about the supervisor (value always 1)",
		}, []string{"slot", "launcher", "version"}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "trampoline_state",
			Help:        "Current supervisor state (1 for the active state, 0 otherwise)",
			ConstLabels: labels,
		}, []string{"state"}),

		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "trampoline_worker_generation",
			Help:        "Generation of the current or most recent worker instance",
			ConstLabels: labels,
		}),

		launchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trampoline_launches_total",
			Help:        "Worker instances successfully launched",
			ConstLabels: labels,
		}),

		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trampoline_restarts_total",
			Help:        "Restarts scheduled",
			ConstLabels: labels,
		}),

		fatalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trampoline_fatal_total",
			Help:        "Times the restart budget was exhausted",
			ConstLabels: labels,
		}),

		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trampoline_exits_total",
			Help:        "Worker terminations by cause",
			ConstLabels: labels,
		}, []string{"cause"}),

		uptimeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "trampoline_worker_uptime_seconds",
			Help:        "How long worker instances ran before terminating",
			ConstLabels: labels,
			Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}),

		restartDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "trampoline_restart_delay_seconds",
			Help:        "Backoff delay before each restart",
			ConstLabels: labels,
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trampoline_probes_total",
			Help:        "Liveness probes by result",
			ConstLabels: labels,
		}, []string{"result"}),

		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "trampoline_probe_latency_seconds",
			Help:        "Round-trip latency of successful liveness probes",
			ConstLabels: labels,
			Buckets: []float64{
				0.0005, 0.001, 0.0025, 0.005, 0.01,
				0.025, 0.05, 0.1, 0.25, 0.5, 1, 2,
			},
		}),

		workerRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "trampoline_worker_rss_bytes",
			Help:        "Resident memory of the worker process",
			ConstLabels: labels,
		}),

		workerCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "trampoline_worker_cpu_percent",
			Help:        "CPU usage of the worker process",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		c.info,
		c.state,
		c.generation,
		c.launchesTotal,
		c.restartsTotal,
		c.fatalTotal,
		c.exitsTotal,
		c.uptimeSeconds,
		c.restartDelay,
		c.probesTotal,
		c.probeLatency,
		c.workerRSSBytes,
		c.workerCPU,
	)

	c.info.WithLabelValues(cfg.Slot, cfg.Launcher, cfg.Version).Set(1)
	for _, st := range supervisor.States() {
		c.state.WithLabelValues(st.String()).Set(0)
	}
	c.state.WithLabelValues(supervisor.StateIdle.String()).Set(1)
	for _, cause := range exitstatus.Causes() {
		c.exitsTotal.WithLabelValues(cause.String())
	}

	return c
}

// Callbacks returns supervisor callbacks that record into c.
func (c *Collector) Callbacks() supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStateChange: func(_ string, from, to supervisor.State) { c.StateChanged(from, to) },
		OnLaunch:      c.Launched,
		OnExit:        c.RecordExit,
		OnRestart:     func(_ string, _ int, delay time.Duration) { c.Restarted(delay) },
		OnFatal:       func(string, error) { c.Fatal() },
	}
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// StateChanged moves the state gauge.
func (c *Collector) StateChanged(from, to supervisor.State) {
	c.state.WithLabelValues(from.String()).Set(0)
	c.state.WithLabelValues(to.String()).Set(1)
}

// Launched records a worker start.
func (c *Collector) Launched(info supervisor.HandleInfo) {
	c.launchesTotal.Inc()
	c.generation.Set(float64(info.Generation))

	c.mu.Lock()
	c.totalLaunches++
	c.mu.Unlock()
}

// Restarted records a scheduled restart.
func (c *Collector) Restarted(delay time.Duration) {
	c.restartsTotal.Inc()
	c.restartDelay.Observe(delay.Seconds())

	c.mu.Lock()
	c.totalRestarts++
	c.mu.Unlock()
}

// RecordExit records a worker termination.
func (c *Collector) RecordExit(r supervisor.ExitReport) {
	c.exitsTotal.WithLabelValues(r.Cause.String()).Inc()
	c.uptimeSeconds.Observe(r.Uptime.Seconds())
	c.workerRSSBytes.Set(0)
	c.workerCPU.Set(0)

	c.mu.Lock()
	c.causes[r.Cause]++
	c.exitCodes[r.Status.Code]++
	c.uptimes = append(c.uptimes, r.Uptime)
	c.mu.Unlock()
}

// Fatal records restart budget exhaustion.
func (c *Collector) Fatal() {
	c.fatalTotal.Inc()

	c.mu.Lock()
	c.fatal = true
	c.mu.Unlock()
}

// RecordProbe records a liveness probe result.
func (c *Collector) RecordProbe(r probe.Result) {
	if !r.Reachable {
		c.probesTotal.WithLabelValues("unreachable").Inc()
		return
	}
	c.probesTotal.WithLabelValues("reachable").Inc()
	c.probeLatency.Observe(r.Latency.Seconds())
}

// RecordUsage records a resource sample of the worker process.
func (c *Collector) RecordUsage(u process.Usage) {
	if !u.Running {
		c.workerRSSBytes.Set(0)
		c.workerCPU.Set(0)
		return
	}
	c.workerRSSBytes.Set(float64(u.RSSBytes))
	c.workerCPU.Set(u.CPUPercent)
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Slot          string
	Duration      time.Duration
	TotalLaunches int64
	TotalRestarts int64
	Fatal         bool
	Causes        map[exitstatus.Cause]int64
	ExitCodes     map[int]int64
	UptimeP50     time.Duration
	UptimeP95     time.Duration
	UptimeP99     time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Slot:          c.slot,
		Duration:      time.Since(c.startTime),
		TotalLaunches: c.totalLaunches,
		TotalRestarts: c.totalRestarts,
		Fatal:         c.fatal,
		Causes:        make(map[exitstatus.Cause]int64, len(c.causes)),
		ExitCodes:     make(map[int]int64, len(c.exitCodes)),
	}
	for cause, n := range c.causes {
		s.Causes[cause] = n
	}
	for code, n := range c.exitCodes {
		s.ExitCodes[code] = n
	}

	if len(c.uptimes) > 0 {
		sorted := slices.Clone(c.uptimes)
		slices.Sort(sorted)

		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeP95 = percentile(sorted, 0.95)
		s.UptimeP99 = percentile(sorted, 0.99)
	}

	return s
}

// TotalLaunches returns the number of successful launches.
func (c *Collector) TotalLaunches() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLaunches
}

// TotalRestarts returns the total number of restarts.
func (c *Collector) TotalRestarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRestarts
}

// =============================================================================
// Helper Functions
// =============================================================================

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
