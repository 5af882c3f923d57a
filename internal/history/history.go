// Package history journals terminal task runs into SQLite. It is an
// append-only operational log fed from the event bus; the control plane's
// in-memory records stay the source of truth.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskd/internal/eventbus"
	"taskd/internal/task/control"
	logx "taskd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrDisabled = errors.New("history disabled")

type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Entry is one journaled run.
type Entry struct {
	TaskID     string
	Name       string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Took       time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the journal. It returns (nil, nil) when disabled;
// a nil *Store is safe to use and reports ErrDisabled.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, name, status, error, started_at, finished_at, took_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		e.TaskID, e.Name, e.Status, nullStr(e.Error),
		nullTime(e.StartedAt), e.FinishedAt.Format(time.RFC3339Nano), e.Took.Milliseconds(),
	)
	return err
}

// Recent returns up to n runs, most recent first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, name, status, COALESCE(error, ''), COALESCE(started_at, ''), finished_at, took_ms
		 FROM runs ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, finished string
		var tookMS int64
		if err := rows.Scan(&e.TaskID, &e.Name, &e.Status, &e.Error, &started, &finished, &tookMS); err != nil {
			return nil, err
		}
		if started != "" {
			e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		}
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		e.Took = time.Duration(tookMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Consume journals terminal task events from the bus until ctx is canceled.
// It is meant to run on its own (supervised) goroutine.
func (s *Store) Consume(ctx context.Context, bus eventbus.Bus) {
	if s == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	s.run(ctx, ch)
}

func (s *Store) run(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			// Tasks finalized just before a shutdown stop may still sit in
			// the buffer; journal them before exiting.
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					s.journal(ev)
				default:
					return
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.journal(ev)
		}
	}
}

// journal appends one terminal task event; everything else is ignored.
func (s *Store) journal(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TaskCompleted, eventbus.TaskFailed, eventbus.TaskStopped:
	default:
		return
	}
	te, ok := ev.Data.(control.TaskEvent)
	if !ok {
		return
	}
	e := Entry{
		TaskID:     te.ID,
		Name:       te.Name,
		Status:     te.Status,
		Error:      te.Error,
		StartedAt:  te.Started,
		FinishedAt: ev.Time,
		Took:       te.Duration,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("journal append failed", logx.String("task", te.Name), logx.Err(err))
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
