// Package dispatcher gates snapshots into a slow asynchronous processor.
//
// At most one frame is in flight at any time. Frames submitted while the
// processor is busy replace each other in a single retained slot; when the
// in-flight call completes, the newest retained frame is dispatched right away
// and everything older is dropped.
//
//	Idle            --submit-->   Busy
//	Busy            --submit-->   BusyWithPending  (retained frame replaced)
//	Busy            --complete--> Idle
//	BusyWithPending --complete--> Busy             (retained frame dispatched)
//
// Completions arrive on goroutines owned by the processor, so the state is
// guarded by a mutex. Every dispatch carries the generation it was started in;
// Reset bumps the generation and completions from an older one are ignored.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/models"
)

// Processor runs one frame and delivers exactly one outcome on the returned
// channel. It must not block; the work happens asynchronously.
type Processor interface {
	Process(ctx context.Context, frame *models.Frame) <-chan models.Outcome
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, frame *models.Frame) <-chan models.Outcome

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, frame *models.Frame) <-chan models.Outcome {
	return f(ctx, frame)
}

// State of the gate.
type State int

const (
	Idle State = iota
	Busy
	BusyWithPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case BusyWithPending:
		return "busy_with_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errNoOutcome = errors.New("processor finished without an outcome")

// Stats counts what went through the gate since creation.
type Stats struct {
	Submitted  uint64
	Dispatched uint64
	Coalesced  uint64 // retained frames replaced before they were dispatched
	Completed  uint64
	Failed     uint64
	Stale      uint64 // completions ignored after Reset
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithCompletion registers a hook called once per completed dispatch of the
// current generation, outside the lock.
func WithCompletion(fn func(models.Outcome)) Option {
	return func(d *Dispatcher) {
		d.onComplete = fn
	}
}

// Dispatcher is the single-slot coalescing gate.
type Dispatcher struct {
	logger     *slog.Logger
	onComplete func(models.Outcome)

	mu      sync.Mutex
	proc    Processor
	busy    bool
	pending bool
	latest  *models.Frame
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	idle    chan struct{} // open while busy, closed while idle
	stats   Stats
}

type job struct {
	gen   uint64
	ctx   context.Context
	proc  Processor
	frame *models.Frame
}

// New creates an idle dispatcher. proc may be nil, in which case frames are
// retained but never dispatched until SetProcessor attaches one.
func New(proc Processor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default(),
		proc:   proc,
		idle:   make(chan struct{}),
	}
	close(d.idle)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit hands a frame to the gate and returns immediately.
func (d *Dispatcher) Submit(frame *models.Frame) {
	if frame == nil {
		return
	}

	d.mu.Lock()
	d.stats.Submitted++
	if d.busy {
		if d.pending {
			d.stats.Coalesced++
		}
		d.latest = frame
		d.pending = true
		d.mu.Unlock()
		return
	}
	d.latest = frame
	if d.proc == nil {
		d.mu.Unlock()
		return
	}
	j := d.beginLocked(frame)
	d.mu.Unlock()

	d.run(j)
}

// beginLocked moves the gate to Busy for frame. d.mu must be held.
func (d *Dispatcher) beginLocked(frame *models.Frame) job {
	if !d.busy {
		d.busy = true
		d.idle = make(chan struct{})
	}
	d.stats.Dispatched++
	return job{gen: d.gen, ctx: d.ctx, proc: d.proc, frame: frame}
}

func (d *Dispatcher) run(j job) {
	done, err := d.call(j)
	if err != nil {
		d.complete(j, models.Outcome{Frame: j.frame, Err: err})
		return
	}
	go func() {
		out, ok := <-done
		if !ok {
			out = models.Outcome{Frame: j.frame, Err: errNoOutcome}
		}
		d.complete(j, out)
	}()
}

// call starts the processor. A panic or a nil channel counts as a failed
// call so the gate is always released.
func (d *Dispatcher) call(j job) (done <-chan models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("processor panicked: %v", r)
		}
	}()
	done = j.proc.Process(j.ctx, j.frame)
	if done == nil {
		return nil, errNoOutcome
	}
	return done, nil
}

func (d *Dispatcher) complete(j job, out models.Outcome) {
	if out.Frame == nil {
		out.Frame = j.frame
	}

	d.mu.Lock()
	if j.gen != d.gen {
		d.stats.Stale++
		d.mu.Unlock()
		d.logger.Debug("ignoring stale completion", "generation", j.gen, "timestamp_ms", j.frame.TimestampMs())
		return
	}

	d.stats.Completed++
	if out.Err != nil {
		d.stats.Failed++
	}
	var next *job
	if d.pending && d.proc != nil {
		n := d.beginLocked(d.latest)
		next = &n
	} else {
		d.busy = false
		close(d.idle)
	}
	d.pending = false
	onComplete := d.onComplete
	d.mu.Unlock()

	if out.Err != nil {
		d.logger.Warn("frame processing failed", "timestamp_ms", j.frame.TimestampMs(), "err", out.Err)
	}
	if onComplete != nil {
		onComplete(out)
	}
	if next != nil {
		d.run(*next)
	}
}

// SetProcessor swaps the processor. The gate is reset: whatever was in flight
// for the old processor is abandoned.
func (d *Dispatcher) SetProcessor(proc Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proc = proc
	d.resetLocked()
}

// Reset forces the gate back to Idle and discards the retained frame. A call
// still in flight has its context cancelled and its completion ignored.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Dispatcher) resetLocked() {
	d.gen++
	d.cancel()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if d.busy {
		close(d.idle)
	}
	d.busy = false
	d.pending = false
	d.latest = nil
}

// State returns the current state of the gate.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.busy && d.pending:
		return BusyWithPending
	case d.busy:
		return Busy
	default:
		return Idle
	}
}

// Latest returns the most recently submitted frame, dispatched or not.
func (d *Dispatcher) Latest() *models.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// WaitIdle blocks until the gate is idle or ctx is done.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
