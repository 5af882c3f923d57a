package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

// Context is the per-task handle passed into a running body. It owns the
// pause/stop signaling for exactly one task; the manager holds the other
// end and flips the signals from control calls.
//
// Suspension is cooperative: the only points where a body can be paused or
// stopped are its own Checkpoint calls. Between checkpoints both signals are
// advisory (stop additionally cancels the body's context.Context).
type Context struct {
	id   string
	name string

	t *task

	bodyCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	gate chan struct{} // non-nil while paused; closed by resume (or abandoned on stop)

	stop     chan struct{}
	stopOnce sync.Once

	// pendingSince is the unix-nano timestamp of the oldest unobserved
	// pause/stop request; 0 when nothing is pending. Used only for the
	// checkpoint-latency warning.
	pendingSince atomic.Int64
	warnAfter    time.Duration

	progressEvents *rate.Limiter

	log logx.Logger
	bus eventbus.Bus
}

// ID returns the task's identifier.
func (c *Context) ID() string { return c.id }

// Name returns the task's configured name.
func (c *Context) Name() string { return c.name }

// Checkpoint is the cooperative yield point. Bodies call it before each
// unit of work with a short step label (used in logs).
//
// If a stop is pending it returns ErrStopRequested immediately. If a pause
// is pending it blocks the calling goroutine until resumed or stopped, then
// re-evaluates. A nil return means: carry on.
func (c *Context) Checkpoint(step string) error {
	c.observePending(step)

	for {
		select {
		case <-c.stop:
			return ErrStopRequested
		default:
		}

		c.mu.Lock()
		gate := c.gate
		c.mu.Unlock()
		if gate == nil {
			return nil
		}

		c.log.Debug("task paused at checkpoint", logx.String("step", step))
		select {
		case <-c.stop:
			return ErrStopRequested
		case <-gate:
			// Resumed; loop to re-evaluate in case another signal landed.
		}
	}
}

// Stopped reports whether a stop has been requested, without blocking.
// Bodies that cannot call Checkpoint at a given point may poll this instead.
func (c *Context) Stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// ReportProgress writes a new progress snapshot onto the task record.
// It has no effect on control flow. total <= 0 leaves Percent at zero.
func (c *Context) ReportProgress(step, total int, message string) {
	p := Progress{
		Step:       step,
		TotalSteps: total,
		Message:    message,
		UpdatedAt:  time.Now(),
	}
	if total > 0 {
		p.Percent = float64(step) / float64(total) * 100
		if p.Percent < 0 {
			p.Percent = 0
		}
		if p.Percent > 100 {
			p.Percent = 100
		}
	}

	c.t.mu.Lock()
	c.t.rec.Progress = p
	ev := c.t.eventLocked()
	c.t.mu.Unlock()

	// The record write above is authoritative; the bus event is a courtesy
	// for live observers and may be dropped under a fast reporter.
	if c.bus != nil && c.progressEvents.Allow() {
		c.bus.Publish(eventbus.Event{Type: eventbus.TaskProgress, Data: ev})
	}
}

// signalPause opens the gate; the next Checkpoint blocks on it.
func (c *Context) signalPause() {
	c.mu.Lock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
	c.mu.Unlock()
	c.markPending()
}

// signalResume closes the gate, waking a checkpoint blocked on it.
func (c *Context) signalResume() {
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
	c.pendingSince.Store(0)
}

// signalStop sets the stop signal, cancels the body context, and clears any
// pause gate so a paused checkpoint wakes up and observes the stop.
func (c *Context) signalStop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.cancel()
	})
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
	c.markPending()
}

func (c *Context) markPending() {
	c.pendingSince.CompareAndSwap(0, time.Now().UnixNano())
}

func (c *Context) observePending(step string) {
	since := c.pendingSince.Swap(0)
	if since == 0 || c.warnAfter <= 0 {
		return
	}
	waited := time.Since(time.Unix(0, since))
	if waited > c.warnAfter {
		c.log.Warn("control signal observed late; body checkpoints too sparse",
			logx.String("step", step),
			logx.Duration("waited", waited),
			logx.Duration("warn_after", c.warnAfter),
		)
	}
}
