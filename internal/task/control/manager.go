package control

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

// Manager is the task registry and state-machine driver. It creates task
// records, launches one worker goroutine per started task, validates and
// applies control transitions, and serves read-only snapshots.
//
// Control calls against the same task are linearized through that task's
// mutex; calls against different tasks do not contend. The registry map has
// its own lock and is never held across a task lock.
type Manager struct {
	opt Options
	log logx.Logger
	bus eventbus.Bus

	sup *rtsup.Supervisor

	mu     sync.RWMutex
	tasks  map[string]*task
	closed bool
}

// task pairs the manager-owned record with its signaling context.
// rec and ctx are guarded by mu; ctx is nil until Start.
type task struct {
	mu  sync.Mutex
	rec Record
	cfg Config
	ctx *Context
}

// eventLocked builds the bus payload from the current record.
// Caller holds t.mu.
func (t *task) eventLocked() TaskEvent {
	ev := TaskEvent{
		ID:       t.rec.ID,
		Name:     t.rec.Name,
		Status:   t.rec.Status.String(),
		Progress: t.rec.Progress,
		Error:    t.rec.LastError,
		Started:  t.rec.StartedAt,
	}
	if !t.rec.StartedAt.IsZero() && !t.rec.FinishedAt.IsZero() {
		ev.Duration = t.rec.FinishedAt.Sub(t.rec.StartedAt)
	}
	return ev
}

// snapshotLocked deep-copies the record. Caller holds t.mu.
func (t *task) snapshotLocked() Record {
	rec := t.rec
	if len(rec.Meta) > 0 {
		m := make(map[string]string, len(rec.Meta))
		for k, v := range rec.Meta {
			m[k] = v
		}
		rec.Meta = m
	}
	return rec
}

func New(opt Options, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		opt:   opt.withDefaults(),
		log:   log,
		bus:   bus,
		tasks: map[string]*task{},
	}
	m.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(log.With(logx.String("comp", "taskctl"))),
		// A panicking body is converted to Failed by its own worker; it must
		// never take down sibling tasks.
		rtsup.WithCancelOnError(false),
	)
	return m
}

// Create validates cfg and registers a new task in Pending. The task does
// not run until Start.
func (m *Manager) Create(cfg Config) (string, error) {
	if cfg.Body == nil {
		return "", &ConfigError{Reason: "body is required"}
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return "", &ConfigError{Reason: "name is required"}
	}

	id := uuid.NewString()
	t := &task{
		cfg: cfg,
		rec: Record{
			ID:        id,
			Name:      cfg.Name,
			Status:    Pending,
			CreatedAt: time.Now(),
		},
	}
	if len(cfg.Meta) > 0 {
		t.rec.Meta = make(map[string]string, len(cfg.Meta))
		for k, v := range cfg.Meta {
			t.rec.Meta[k] = v
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.tasks[id] = t
	m.mu.Unlock()

	m.log.Debug("task created", logx.String("task", cfg.Name), logx.String("id", id))
	m.publish(eventbus.TaskCreated, t)
	return id, nil
}

// Start transitions a Pending task to Running and launches its worker.
func (m *Manager) Start(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	t.mu.Lock()
	if t.rec.Status != Pending {
		defer t.mu.Unlock()
		return &TransitionError{ID: id, Op: "start", From: t.rec.Status}
	}

	bodyCtx, cancel := context.WithCancel(m.sup.Context())
	tc := &Context{
		id:             id,
		name:           t.rec.Name,
		t:              t,
		bodyCtx:        bodyCtx,
		cancel:         cancel,
		stop:           make(chan struct{}),
		warnAfter:      m.opt.CheckpointWarn,
		progressEvents: rate.NewLimiter(rate.Limit(m.opt.ProgressEventsPerSec), int(m.opt.ProgressEventsPerSec)+1),
		log:            m.log.With(logx.String("task", t.rec.Name), logx.String("id", id)),
		bus:            m.bus,
	}
	t.ctx = tc
	t.rec.Status = Running
	t.rec.StartedAt = time.Now()
	body := t.cfg.Body
	t.mu.Unlock()

	m.sup.Go("task."+t.rec.Name, func(context.Context) error {
		m.runWorker(t, tc, body)
		return nil
	})

	m.log.Info("task started", logx.String("task", t.rec.Name), logx.String("id", id))
	m.publish(eventbus.TaskStarted, t)
	return nil
}

// Pause sets the pause signal and flips the visible state immediately.
// The worker keeps running until its next checkpoint blocks on the gate;
// the request, not the worker's acknowledgment, drives Record.Status.
func (m *Manager) Pause(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.rec.Status != Running {
		defer t.mu.Unlock()
		return &TransitionError{ID: id, Op: "pause", From: t.rec.Status}
	}
	t.ctx.signalPause()
	t.rec.Status = Paused
	t.mu.Unlock()

	m.log.Info("task paused", logx.String("task", t.rec.Name), logx.String("id", id))
	m.publish(eventbus.TaskPaused, t)
	return nil
}

// Resume clears the pause signal and transitions back to Running.
func (m *Manager) Resume(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.rec.Status != Paused {
		defer t.mu.Unlock()
		return &TransitionError{ID: id, Op: "resume", From: t.rec.Status}
	}
	t.ctx.signalResume()
	t.rec.Status = Running
	t.mu.Unlock()

	m.log.Info("task resumed", logx.String("task", t.rec.Name), logx.String("id", id))
	m.publish(eventbus.TaskResumed, t)
	return nil
}

// Stop sets the stop signal (clearing any pause gate, so a paused task can
// observe it without an intervening Resume) and transitions to Stopping.
// The worker finalizes Stopping -> Stopped when the body unwinds.
func (m *Manager) Stop(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.rec.Status != Running && t.rec.Status != Paused {
		defer t.mu.Unlock()
		return &TransitionError{ID: id, Op: "stop", From: t.rec.Status}
	}
	t.ctx.signalStop()
	t.rec.Status = Stopping
	t.mu.Unlock()

	m.log.Info("task stopping", logx.String("task", t.rec.Name), logx.String("id", id))
	m.publish(eventbus.TaskStopping, t)
	return nil
}

// Info returns a snapshot copy of the task record. It never blocks on
// worker activity.
func (m *Manager) Info(id string) (Record, error) {
	t, err := m.get(id)
	if err != nil {
		return Record{}, err
	}
	t.mu.Lock()
	rec := t.snapshotLocked()
	t.mu.Unlock()
	return rec, nil
}

// List returns snapshots of all known tasks, oldest first.
func (m *Manager) List() []Record {
	m.mu.RLock()
	ts := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		ts = append(ts, t)
	}
	m.mu.RUnlock()

	out := make([]Record, 0, len(ts))
	for _, t := range ts {
		t.mu.Lock()
		out = append(out, t.snapshotLocked())
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats aggregates task states and worker counters for diagnostics.
func (m *Manager) Stats() Stats {
	var st Stats
	for _, rec := range m.List() {
		st.Total++
		switch rec.Status {
		case Pending:
			st.Pending++
		case Running:
			st.Running++
		case Paused:
			st.Paused++
		case Stopping:
			st.Stopping++
		default:
			st.Terminal++
		}
	}
	c := m.sup.Counters()
	st.WorkersActive = c.Active
	st.WorkersStarted = c.Started
	return st
}

// Shutdown stops every non-terminal task and waits for workers to drain.
//
// Stop is cooperative: a body that never reaches another checkpoint keeps
// its goroutine until ctx expires, after which the worker is abandoned as an
// orphan and the caller should force-release any shared resource it may
// still hold (ctx.Err is returned so the caller knows this happened).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		err := m.Stop(id)
		if err == nil {
			continue
		}
		// Terminal and never-started tasks reject Stop; that is expected here.
		var te *TransitionError
		if !errors.As(err, &te) {
			m.log.Warn("shutdown stop failed", logx.String("id", id), logx.Err(err))
		}
	}

	err := m.sup.Wait(ctx)
	if err != nil {
		m.log.Warn("shutdown timed out; abandoning workers", logx.Err(err))
		return err
	}
	m.log.Info("task manager drained")
	return nil
}

func (m *Manager) get(id string) (*task, error) {
	m.mu.RLock()
	t := m.tasks[id]
	m.mu.RUnlock()
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *Manager) publish(typ string, t *task) {
	if m.bus == nil {
		return
	}
	t.mu.Lock()
	ev := t.eventLocked()
	t.mu.Unlock()
	m.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
