package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "taskd/pkg/logx"
)

// fileLogger returns a logger writing JSON lines to a temp file, plus a
// reader for asserting on what was emitted.
func fileLogger(t *testing.T) (logx.Logger, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskd.log")
	cfg := logx.Config{Level: "debug"}
	cfg.File.Enabled = true
	cfg.File.Path = path
	svc, log := logx.New(cfg)
	t.Cleanup(func() { svc.Close() })
	return log, func() string {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		return string(b)
	}
}

const lateSignalMsg = "control signal observed late"

// A checkpoint that observes a pause request only after the warn budget has
// elapsed must log the late-signal warning.
func TestCheckpointLatencyWarning(t *testing.T) {
	t.Parallel()
	log, readLog := fileLogger(t)
	m := New(Options{CheckpointWarn: 20 * time.Millisecond}, log, nil)

	gate := make(chan struct{})
	entered := make(chan struct{})
	id, err := m.Create(Config{Name: "sparse", Body: func(ctx context.Context, tc *Context) error {
		close(entered)
		<-gate
		return tc.Checkpoint("late")
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Start(id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// Let the pause request age well past the budget before the body reaches
	// its checkpoint.
	time.Sleep(80 * time.Millisecond)
	close(gate)

	// The checkpoint parks on the pause gate after warning; resume to finish.
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(readLog(), lateSignalMsg) {
		if time.Now().After(deadline) {
			t.Fatal("late-signal warning never logged")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, m, id, Completed)
}

// A checkpoint arriving well within the budget stays quiet.
func TestCheckpointWithinBudgetDoesNotWarn(t *testing.T) {
	t.Parallel()
	log, readLog := fileLogger(t)
	m := New(Options{CheckpointWarn: time.Minute}, log, nil)

	gate := make(chan struct{})
	entered := make(chan struct{})
	id, _ := m.Create(Config{Name: "prompt", Body: func(ctx context.Context, tc *Context) error {
		close(entered)
		<-gate
		return tc.Checkpoint("prompt")
	}})
	if err := m.Start(id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(gate)
	// Give the body time to reach the checkpoint and park.
	time.Sleep(50 * time.Millisecond)
	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, m, id, Completed)

	if strings.Contains(readLog(), lateSignalMsg) {
		t.Fatal("prompt checkpoint logged the late-signal warning")
	}
}

// A body that returns success between a Pause request and its next
// checkpoint finalizes as Completed: the work finished, and no worker
// remains to resume a frozen record.
func TestCompletionWhilePausePending(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	release := make(chan struct{})
	started := make(chan struct{})
	id, _ := m.Create(Config{Name: "finisher", Body: func(ctx context.Context, tc *Context) error {
		close(started)
		<-release
		return nil
	}})
	if err := m.Start(id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if rec, _ := m.Info(id); rec.Status != Paused {
		t.Fatalf("status after Pause = %s", rec.Status)
	}

	close(release)
	rec := waitStatus(t, m, id, Completed)
	if rec.LastError != "" {
		t.Fatalf("completed task has lastError %q", rec.LastError)
	}
}
