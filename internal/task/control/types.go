package control

import (
	"context"
	"time"
)

// Status is the closed set of task lifecycle states.
//
// Transitions are validated by ValidTransition; anything outside the table
// is rejected with a TransitionError and leaves the record unchanged.
type Status int

const (
	Pending Status = iota
	Running
	Paused
	Stopping
	Stopped
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == Stopped || s == Completed || s == Failed
}

// MarshalText renders the status name, so records serialize readably.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[Status][]Status{
	Pending:  {Running},
	Running:  {Paused, Stopping, Completed, Failed},
	Paused:   {Running, Stopping, Failed},
	Stopping: {Stopped, Failed},
}

// ValidTransition reports whether from -> to is in the lifecycle table.
// Terminal states have no outgoing transitions.
func ValidTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Body is the business callback executed on the task's worker goroutine.
//
// ctx is canceled when a stop is requested (or on forced shutdown), so
// in-flight network calls can unwind early. tc is the cooperative surface:
// bodies call tc.Checkpoint before each unit of work and tc.ReportProgress
// as they go. Both signals are advisory between checkpoints.
type Body func(ctx context.Context, tc *Context) error

// Config describes one task at creation time.
type Config struct {
	// Name labels the task in logs, events and the journal. Required.
	Name string

	// Body is the callback to run. Required.
	Body Body

	// Meta is free-form annotation carried on the record and its snapshots.
	Meta map[string]string
}

// Progress is the task body's self-reported position.
//
// Writes are last-write-wins; the control plane does not enforce
// monotonicity (a body may roll back its own counters after a resume).
type Progress struct {
	Step       int       `json:"step"`
	TotalSteps int       `json:"total_steps"`
	Percent    float64   `json:"percent"`
	Message    string    `json:"message,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Record is the manager-owned state of one task.
//
// Info and List return copies; a Record held by a caller is a snapshot and
// never reflects later mutation.
type Record struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     Status            `json:"status"`
	Progress   Progress          `json:"progress"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
	LastError  string            `json:"last_error,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// TaskEvent is the payload carried on task lifecycle bus events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Progress Progress      `json:"progress"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Options tunes the manager. Zero values get defaults in New.
type Options struct {
	// CheckpointWarn logs a warning when a pause/stop request waits longer
	// than this before a checkpoint observes it. Checkpoint granularity is
	// owned by task bodies; this is the deployment-tunable visibility knob.
	CheckpointWarn time.Duration

	// ProgressEventsPerSec throttles task.progress bus events per task.
	// Progress writes to the record itself are never throttled.
	ProgressEventsPerSec float64
}

func (o Options) withDefaults() Options {
	if o.CheckpointWarn <= 0 {
		o.CheckpointWarn = 10 * time.Second
	}
	if o.ProgressEventsPerSec <= 0 {
		o.ProgressEventsPerSec = 10
	}
	return o
}

// Stats is a lightweight view for diagnostics.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Paused   int `json:"paused"`
	Stopping int `json:"stopping"`
	Terminal int `json:"terminal"`

	WorkersActive  int64  `json:"workers_active"`
	WorkersStarted uint64 `json:"workers_started"`
}
