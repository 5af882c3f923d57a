package main

import (
	"context"
	"time"

	"taskd/internal/resource"
	"taskd/internal/task/control"
	logx "taskd/pkg/logx"
)

// session is the daemon's stand-in for the shared automation session.
// Its only job is to give the resource manager something real to count.
type session struct {
	createdAt time.Time
}

type sessionProvider struct {
	log logx.Logger
}

func (p *sessionProvider) Initialize(ctx context.Context) (*session, error) {
	p.log.Info("session opened")
	return &session{createdAt: time.Now()}, nil
}

func (p *sessionProvider) Shutdown(ctx context.Context, s *session) {
	p.log.Info("session closed", logx.Duration("lived", time.Since(s.createdAt)))
}

// builtinJob resolves a schedule job kind to a task body.
func builtinJob(kind string, res *resource.Manager[*session]) (control.Body, bool) {
	switch kind {
	case "resource-probe":
		return resourceProbe(res), true
	default:
		return nil, false
	}
}

// resourceProbe acquires and releases the shared resource as a liveness
// check. A failing initialization surfaces on the bus (and hence in alerts
// and the journal) without any task body being blamed for it.
func resourceProbe(res *resource.Manager[*session]) control.Body {
	return func(ctx context.Context, tc *control.Context) error {
		if err := tc.Checkpoint("acquire"); err != nil {
			return err
		}
		tc.ReportProgress(1, 2, "acquiring shared resource")

		if _, err := res.Acquire(ctx); err != nil {
			return err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = res.Release(rctx)
			cancel()
		}()

		if err := tc.Checkpoint("verify"); err != nil {
			return err
		}
		tc.ReportProgress(2, 2, "shared resource healthy")
		return nil
	}
}
