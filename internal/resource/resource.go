// Package resource holds one expensive shared instance (in this system, a
// browser-automation session) behind a reference count: built lazily on
// first Acquire, shared by every concurrent holder, torn down exactly once
// when the last holder releases it or a forced release is issued.
package resource

import (
	"context"
	"sync"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

// Provider builds and destroys the concrete instance. Implementations live
// outside this package; the instance's operational API is opaque here.
//
// Initialize may be slow (it is called without the manager lock held) and
// must not retain partial state on error. Shutdown must tolerate being
// called with an instance whose holders have already gone away.
type Provider[R any] interface {
	Initialize(ctx context.Context) (R, error)
	Shutdown(ctx context.Context, instance R)
}

// attempt tracks one in-flight Initialize call. Waiters block on done and
// then read instance/err.
type attempt[R any] struct {
	done     chan struct{}
	instance R
	err      error
}

// Manager is the process-wide admission gate for the shared instance.
//
// Lock discipline: mu guards only the bookkeeping fields. Initialize and
// Shutdown run outside the lock, with in-flight markers (init, teardown) so
// concurrent callers wait on the attempt instead of duplicating it.
type Manager[R any] struct {
	provider Provider[R]
	log      logx.Logger
	bus      eventbus.Bus

	mu       sync.Mutex
	alive    bool
	instance R
	refs     int
	init     *attempt[R]
	teardown chan struct{} // non-nil while Shutdown is in flight

	inits     uint64
	teardowns uint64
}

// Snapshot is a diagnostics view of the manager state.
type Snapshot struct {
	Alive           bool   `json:"alive"`
	Refs            int    `json:"refs"`
	InitInFlight    bool   `json:"init_in_flight"`
	Initializations uint64 `json:"initializations"`
	Teardowns       uint64 `json:"teardowns"`
}

func New[R any](provider Provider[R], log logx.Logger, bus eventbus.Bus) *Manager[R] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager[R]{provider: provider, log: log, bus: bus}
}

// Acquire returns the shared instance, initializing it if no holder exists.
//
// Concurrent first-callers block on the single initialization attempt; if it
// fails, every waiter gets the same InitError and nothing is retained, so a
// later Acquire starts fresh. ctx bounds only this caller's wait, never the
// attempt itself.
func (m *Manager[R]) Acquire(ctx context.Context) (R, error) {
	var zero R
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	for {
		if m.alive {
			m.refs++
			inst := m.instance
			refs := m.refs
			m.mu.Unlock()
			m.log.Debug("resource acquired", logx.Int("refs", refs))
			return inst, nil
		}

		// A teardown in flight means the previous instance is still dying;
		// wait for it before starting a new life.
		if td := m.teardown; td != nil {
			m.mu.Unlock()
			select {
			case <-td:
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			m.mu.Lock()
			continue
		}

		if att := m.init; att != nil {
			m.mu.Unlock()
			select {
			case <-att.done:
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			if att.err != nil {
				return zero, &InitError{Err: att.err}
			}
			// Re-check: the instance may already be gone again.
			m.mu.Lock()
			continue
		}

		att := &attempt[R]{done: make(chan struct{})}
		m.init = att
		m.mu.Unlock()

		inst, err := m.provider.Initialize(ctx)

		m.mu.Lock()
		m.init = nil
		if err != nil {
			att.err = err
			close(att.done)
			m.mu.Unlock()
			m.log.Error("resource initialization failed", logx.Err(err))
			m.publish(eventbus.ResourceInitFailed, err.Error())
			return zero, &InitError{Err: err}
		}
		m.alive = true
		m.instance = inst
		m.refs = 1
		m.inits++
		att.instance = inst
		close(att.done)
		m.mu.Unlock()

		m.log.Info("resource initialized")
		m.publish(eventbus.ResourceInitialized, "")
		return inst, nil
	}
}

// Release drops one reference; the instance is torn down when the count
// reaches zero. Releasing more times than acquired is a programming error
// and is rejected with ErrReleaseUnderflow instead of going negative.
func (m *Manager[R]) Release(ctx context.Context) error {
	return m.release(ctx, false)
}

// ForceRelease tears the instance down immediately regardless of the
// outstanding count and resets it to zero. Holders keep their (now dead)
// instance value; this is the escape hatch for abandoned tasks and forced
// shutdown, not a substitute for balanced Release calls.
func (m *Manager[R]) ForceRelease(ctx context.Context) error {
	return m.release(ctx, true)
}

func (m *Manager[R]) release(ctx context.Context, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if !m.alive {
		if force {
			m.refs = 0
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return ErrReleaseUnderflow
	}

	if !force {
		if m.refs == 0 {
			// alive with zero refs cannot happen; guard anyway.
			m.mu.Unlock()
			return ErrReleaseUnderflow
		}
		m.refs--
		if m.refs > 0 {
			refs := m.refs
			m.mu.Unlock()
			m.log.Debug("resource released", logx.Int("refs", refs))
			return nil
		}
	}

	inst := m.instance
	var zero R
	m.instance = zero
	m.alive = false
	m.refs = 0
	m.teardowns++
	td := make(chan struct{})
	m.teardown = td
	m.mu.Unlock()

	m.provider.Shutdown(ctx, inst)

	m.mu.Lock()
	m.teardown = nil
	m.mu.Unlock()
	close(td)

	if force {
		m.log.Info("resource torn down (forced)")
	} else {
		m.log.Info("resource torn down")
	}
	m.publish(eventbus.ResourceReleased, "")
	return nil
}

func (m *Manager[R]) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Alive:           m.alive,
		Refs:            m.refs,
		InitInFlight:    m.init != nil,
		Initializations: m.inits,
		Teardowns:       m.teardowns,
	}
}

func (m *Manager[R]) publish(typ, errText string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: ResourceEvent{Error: errText}})
}

// ResourceEvent is the payload for resource.* bus events.
type ResourceEvent struct {
	Error string `json:"error,omitempty"`
}
