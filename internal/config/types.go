package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "taskd/pkg/logx"
)

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be JSON or YAML; unknown fields are rejected either way.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Control tunes the task control plane.
	Control ControlConfig `json:"control,omitempty"`

	// Shutdown bounds how long a graceful stop waits for workers to
	// converge before abandoning them and force-releasing the resource.
	Shutdown ShutdownConfig `json:"shutdown,omitempty"`

	History  *HistoryConfig  `json:"history,omitempty"`
	Notify   *NotifyConfig   `json:"notify,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Pprof    *PprofConfig    `json:"pprof,omitempty"`
}

// PprofConfig controls the optional debug/pprof HTTP listener.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address,omitempty"` // default 127.0.0.1:6060
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // pointer: omitted defaults to true
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// ControlConfig maps onto control.Options.
//
// Defaults (when omitted/zero):
//   - checkpoint_warn: "10s"
//   - progress_events_per_sec: 10
type ControlConfig struct {
	CheckpointWarn       string  `json:"checkpoint_warn,omitempty"`
	ProgressEventsPerSec float64 `json:"progress_events_per_sec,omitempty"`
}

type ShutdownConfig struct {
	// StopBudget defaults to "30s".
	StopBudget string `json:"stop_budget,omitempty"`
}

// HistoryConfig controls the optional SQLite run journal.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// NotifyConfig controls operator alerts over Telegram.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 3
}

// ScheduleConfig registers recurring jobs that create and start tasks.
type ScheduleConfig struct {
	Enabled  bool        `json:"enabled"`
	Timezone string      `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
	Jobs     []JobConfig `json:"jobs,omitempty"`
}

// JobConfig binds a cron/interval spec to a named job kind.
//
// Kind selects a body registered by the embedding program; the daemon ships
// "resource-probe" (acquire/release the shared resource as a health check).
type JobConfig struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"` // cron ("*/5 * * * *") or "@every 10m"
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"` // omitted defaults to true
}

// Defaults for the duration knobs. Accessors below fall back to these, so a
// config that passed Validate never yields a zero budget.
const (
	defaultCheckpointWarn = 10 * time.Second
	defaultStopBudget     = 30 * time.Second
)

// parseDuration parses one duration-string field. Empty means def; junk and
// negative values are rejected with the field's config path in the error.
func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// Validate checks the whole config before commit. It parses every duration
// field so a bad reload is rejected transactionally instead of half-applied.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := parseDuration("control.checkpoint_warn", c.Control.CheckpointWarn, defaultCheckpointWarn); err != nil {
		return err
	}
	if c.Control.ProgressEventsPerSec < 0 {
		return errors.New("control.progress_events_per_sec must be >= 0")
	}
	if _, err := parseDuration("shutdown.stop_budget", c.Shutdown.StopBudget, defaultStopBudget); err != nil {
		return err
	}
	if c.History != nil && c.History.Enabled {
		if strings.TrimSpace(c.History.Path) == "" {
			return errors.New("history.path is required when history is enabled")
		}
		if _, err := parseDuration("history.busy_timeout", c.History.BusyTimeout, 0); err != nil {
			return err
		}
	}
	if c.Notify != nil && c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" {
			return errors.New("notify.token is required when notify is enabled")
		}
		if c.Notify.ChatID == 0 {
			return errors.New("notify.chat_id is required when notify is enabled")
		}
	}
	if c.Schedule != nil {
		seen := map[string]bool{}
		for i, j := range c.Schedule.Jobs {
			name := strings.TrimSpace(j.Name)
			if name == "" {
				return fmt.Errorf("schedule.jobs[%d]: name is required", i)
			}
			if seen[name] {
				return fmt.Errorf("schedule.jobs[%d]: duplicate name %q", i, name)
			}
			seen[name] = true
			if strings.TrimSpace(j.Spec) == "" {
				return fmt.Errorf("schedule.jobs[%d] (%s): spec is required", i, name)
			}
			if strings.TrimSpace(j.Kind) == "" {
				return fmt.Errorf("schedule.jobs[%d] (%s): kind is required", i, name)
			}
		}
	}
	return nil
}

// LogxConfig maps the logging section onto logx.Config.
func (c *Config) LogxConfig() logx.Config {
	out := logx.Config{Level: c.Logging.Level, Console: true}
	if c.Logging.Console != nil {
		out.Console = *c.Logging.Console
	}
	out.File.Enabled = c.Logging.File.Enabled
	out.File.Path = c.Logging.File.Path
	return out
}

// StopBudget returns the parsed shutdown budget with its default.
func (c *Config) StopBudget() time.Duration {
	d, err := parseDuration("shutdown.stop_budget", c.Shutdown.StopBudget, defaultStopBudget)
	if err != nil || d == 0 {
		return defaultStopBudget
	}
	return d
}

// CheckpointWarn returns the parsed control.checkpoint_warn with its default.
func (c *Config) CheckpointWarn() time.Duration {
	d, err := parseDuration("control.checkpoint_warn", c.Control.CheckpointWarn, defaultCheckpointWarn)
	if err != nil || d == 0 {
		return defaultCheckpointWarn
	}
	return d
}

// HistoryBusyTimeout returns the parsed history.busy_timeout. Zero lets the
// journal pick its own default.
func (c *Config) HistoryBusyTimeout() time.Duration {
	if c.History == nil {
		return 0
	}
	d, err := parseDuration("history.busy_timeout", c.History.BusyTimeout, 0)
	if err != nil {
		return 0
	}
	return d
}
