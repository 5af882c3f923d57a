package control

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

// runWorker executes the body on the worker goroutine and finalizes the
// record into a terminal state. It is the only writer of terminal statuses.
func (m *Manager) runWorker(t *task, tc *Context, body Body) {
	defer tc.cancel()

	start := time.Now()
	var err error
	func() {
		// A panicking body is a business failure, not a control-plane one:
		// capture it so one bad task can't kill the process or its siblings.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				tc.log.Error("task body panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = body(tc.bodyCtx, tc)
	}()

	m.finalize(t, tc, err, time.Since(start))
}

// finalize maps the body outcome onto a terminal status:
//
//   - stop observed + clean unwind (nil, ErrStopRequested, or the body ctx's
//     cancellation) -> Stopped
//   - any other error (stop pending or not)               -> Failed
//   - clean return with no stop pending                   -> Completed
func (m *Manager) finalize(t *task, tc *Context, err error, took time.Duration) {
	stopRequested := tc.Stopped()

	var status Status
	switch {
	case stopRequested && (err == nil || errors.Is(err, ErrStopRequested) || errors.Is(err, context.Canceled)):
		status = Stopped
		err = nil
	case err != nil:
		status = Failed
	default:
		status = Completed
	}

	t.mu.Lock()
	t.rec.Status = status
	t.rec.FinishedAt = time.Now()
	if err != nil {
		t.rec.LastError = err.Error()
	}
	ev := t.eventLocked()
	t.mu.Unlock()

	switch status {
	case Stopped:
		tc.log.Info("task stopped", logx.Duration("took", took))
		m.publishEvent(eventbus.TaskStopped, ev)
	case Failed:
		tc.log.Warn("task failed", logx.Err(err), logx.Duration("took", took))
		m.publishEvent(eventbus.TaskFailed, ev)
	default:
		tc.log.Info("task completed", logx.Duration("took", took))
		m.publishEvent(eventbus.TaskCompleted, ev)
	}
}

func (m *Manager) publishEvent(typ string, ev TaskEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
