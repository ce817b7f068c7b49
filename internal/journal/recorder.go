package journal

import (
	"context"
	"sync"

	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// DefaultRecorderBuffer is the queue size used when NewRecorder gets 0.
const DefaultRecorderBuffer = 64

// Recorder writes exit reports on its own goroutine so that supervisor
// callbacks never wait on SQLite. A report that arrives while the queue is
// full is logged and dropped.
type Recorder struct {
	write  func(context.Context, supervisor.ExitReport) error
	j      *Journal
	queue  chan supervisor.ExitReport
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewRecorder starts a Recorder that writes to j.
func (j *Journal) NewRecorder(buffer int) *Recorder {
	return newRecorder(j, j.Record, buffer)
}

func newRecorder(j *Journal, write func(context.Context, supervisor.ExitReport) error, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		write: write,
		j:     j,
		queue: make(chan supervisor.ExitReport, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues rep. It never blocks.
func (r *Recorder) Record(rep supervisor.ExitReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.j.logger.Warn("journal_record_after_close", "slot", rep.Slot, "handle_id", rep.HandleID)
		return
	}
	select {
	case r.queue <- rep:
	default:
		r.j.logger.Warn("journal_queue_full", "slot", rep.Slot, "handle_id", rep.HandleID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rep := range r.queue {
		if err := r.write(context.Background(), rep); err != nil {
			r.j.logger.Warn("journal_record_failed", "slot", rep.Slot, "handle_id", rep.HandleID, "error", err)
		}
	}
}

// Close stops accepting reports and returns once the queued ones are written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}
