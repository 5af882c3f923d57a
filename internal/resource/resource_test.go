package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "taskd/pkg/logx"
)

// fakeProvider builds distinct *conn values and counts lifecycle calls.
type conn struct{ id int }

type fakeProvider struct {
	mu        sync.Mutex
	inits     int
	shutdowns int

	initDelay time.Duration
	failNext  error
	lastDown  *conn
}

func (p *fakeProvider) Initialize(ctx context.Context) (*conn, error) {
	if p.initDelay > 0 {
		time.Sleep(p.initDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext; err != nil {
		p.failNext = nil
		return nil, err
	}
	p.inits++
	return &conn{id: p.inits}, nil
}

func (p *fakeProvider) Shutdown(ctx context.Context, c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	p.lastDown = c
}

func (p *fakeProvider) counts() (inits, shutdowns int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.shutdowns
}

func TestAcquireReleaseLifecycle(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	m := New[*conn](p, logx.Nop(), nil)

	ctx := context.Background()
	a, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if a != b {
		t.Fatal("two holders got different instances")
	}
	if snap := m.Snapshot(); !snap.Alive || snap.Refs != 2 || snap.Initializations != 1 {
		t.Fatalf("snapshot = %+v, want alive, 2 refs, 1 init", snap)
	}

	if err := m.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, shutdowns := p.counts(); shutdowns != 0 {
		t.Fatal("teardown ran while a holder remained")
	}

	if err := m.Release(ctx); err != nil {
		t.Fatalf("last Release: %v", err)
	}
	inits, shutdowns := p.counts()
	if inits != 1 || shutdowns != 1 {
		t.Fatalf("inits=%d shutdowns=%d, want 1/1", inits, shutdowns)
	}
	if p.lastDown != a {
		t.Fatal("teardown got a different instance than the holders used")
	}
	if snap := m.Snapshot(); snap.Alive || snap.Refs != 0 {
		t.Fatalf("snapshot after last release = %+v", snap)
	}
}

func TestReleaseUnderflow(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	m := New[*conn](p, logx.Nop(), nil)
	ctx := context.Background()

	if err := m.Release(ctx); !errors.Is(err, ErrReleaseUnderflow) {
		t.Fatalf("Release on dead manager = %v, want ErrReleaseUnderflow", err)
	}

	if _, err := m.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(ctx); !errors.Is(err, ErrReleaseUnderflow) {
		t.Fatalf("extra Release = %v, want ErrReleaseUnderflow", err)
	}
}

// Ten concurrent first-callers must share one Initialize call and one
// instance; ten balanced releases must run exactly one teardown.
func TestConcurrentAcquireSingleInit(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{initDelay: 20 * time.Millisecond}
	m := New[*conn](p, logx.Nop(), nil)
	ctx := context.Background()

	const holders = 10
	got := make([]*conn, holders)
	errs := make([]error, holders)
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = m.Acquire(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < holders; i++ {
		if errs[i] != nil {
			t.Fatalf("holder %d: %v", i, errs[i])
		}
		if got[i] != got[0] {
			t.Fatalf("holder %d got a different instance", i)
		}
	}
	if inits, _ := p.counts(); inits != 1 {
		t.Fatalf("Initialize ran %d times, want 1", inits)
	}
	if snap := m.Snapshot(); snap.Refs != holders {
		t.Fatalf("refs = %d, want %d", snap.Refs, holders)
	}

	for i := 0; i < holders; i++ {
		if err := m.Release(ctx); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if _, shutdowns := p.counts(); shutdowns != 1 {
		t.Fatalf("Shutdown ran %d times, want 1", shutdowns)
	}
}

// A failed Initialize propagates to every waiter and retains nothing, so the
// next Acquire starts a fresh attempt.
func TestInitFailureSharedAndRetryable(t *testing.T) {
	t.Parallel()
	boom := errors.New("browser did not come up")
	p := &fakeProvider{initDelay: 10 * time.Millisecond, failNext: boom}
	m := New[*conn](p, logx.Nop(), nil)
	ctx := context.Background()

	const waiters = 4
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		var ie *InitError
		if !errors.As(err, &ie) {
			t.Fatalf("waiter %d: err = %v, want InitError", i, err)
		}
		if !errors.Is(err, boom) {
			t.Fatalf("waiter %d: cause not preserved: %v", i, err)
		}
	}
	if snap := m.Snapshot(); snap.Alive || snap.Refs != 0 || snap.Initializations != 0 {
		t.Fatalf("state retained after failed init: %+v", snap)
	}

	// The failure is not sticky.
	c, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after failure: %v", err)
	}
	if c == nil {
		t.Fatal("nil instance from successful retry")
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReacquireAfterTeardownRecreates(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	m := New[*conn](p, logx.Nop(), nil)
	ctx := context.Background()

	first, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if first == second {
		t.Fatal("torn-down instance was handed out again")
	}
	if snap := m.Snapshot(); snap.Initializations != 2 || snap.Teardowns != 1 {
		t.Fatalf("snapshot = %+v, want 2 inits / 1 teardown", snap)
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestForceRelease(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	m := New[*conn](p, logx.Nop(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}

	if err := m.ForceRelease(ctx); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if _, shutdowns := p.counts(); shutdowns != 1 {
		t.Fatalf("Shutdown ran %d times, want 1", shutdowns)
	}
	if snap := m.Snapshot(); snap.Alive || snap.Refs != 0 {
		t.Fatalf("snapshot after force = %+v", snap)
	}

	// Straggler releases after a force are underflows, not double teardowns.
	if err := m.Release(ctx); !errors.Is(err, ErrReleaseUnderflow) {
		t.Fatalf("Release after force = %v, want ErrReleaseUnderflow", err)
	}
	// A second force on a dead manager is a no-op.
	if err := m.ForceRelease(ctx); err != nil {
		t.Fatalf("second ForceRelease: %v", err)
	}
	if _, shutdowns := p.counts(); shutdowns != 1 {
		t.Fatalf("second force ran teardown again: %d", shutdowns)
	}
}

// While a teardown is in flight, a new Acquire waits for the old instance to
// finish dying and then initializes a fresh one.
func TestAcquireWaitsForTeardown(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	p := &slowDownProvider{gate: release}
	m := New[*conn](p, logx.Nop(), nil)
	ctx := context.Background()

	if _, err := m.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Release(ctx) }()

	// Wait for the teardown to start, then race an Acquire against it.
	deadline := time.Now().Add(2 * time.Second)
	for p.downStarted.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("teardown never started")
		}
		time.Sleep(time.Millisecond)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx)
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("Acquire completed before teardown finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-acquired; err != nil {
		t.Fatalf("Acquire after teardown: %v", err)
	}
	if p.inits.Load() != 2 {
		t.Fatalf("inits = %d, want 2", p.inits.Load())
	}
}

type slowDownProvider struct {
	gate        chan struct{}
	inits       atomic.Int64
	downStarted atomic.Int64
}

func (p *slowDownProvider) Initialize(ctx context.Context) (*conn, error) {
	n := p.inits.Add(1)
	return &conn{id: int(n)}, nil
}

func (p *slowDownProvider) Shutdown(ctx context.Context, c *conn) {
	p.downStarted.Add(1)
	<-p.gate
}
