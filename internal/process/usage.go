package process

import (
	"context"
	"fmt"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time resource reading for a worker process.
type Usage struct {
	PID        int     `json:"pid"`
	Running    bool    `json:"running"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	OpenFDs    int32   `json:"open_fds,omitempty"`
}

// ReadUsage samples resource usage for pid. A pid that no longer exists
// yields Running=false and no error.
func ReadUsage(ctx context.Context, pid int) (Usage, error) {
	u := Usage{PID: pid}
	if pid <= 0 {
		return u, nil
	}

	exists, err := psprocess.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return u, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return u, nil
	}

	p, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return u, nil
	}
	u.Running, _ = p.IsRunningWithContext(ctx)

	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		u.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		u.OpenFDs = n
	}
	return u, nil
}

// Usage samples resource usage for this process.
func (p *Process) Usage(ctx context.Context) (Usage, error) {
	if p.Exited() {
		return Usage{PID: p.PID()}, nil
	}
	return ReadUsage(ctx, p.PID())
}
