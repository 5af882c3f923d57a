// Package schedule triggers recurring tasks: each registered job carries a
// cron or interval spec and a task body; every tick creates and starts a
// fresh task on the control plane. Execution, pause/stop and reporting all
// stay with the control plane; this service only pulls the trigger.
package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/task/control"
	logx "taskd/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ; empty means local time
}

// Job binds a schedule spec to a task template.
type Job struct {
	Name string
	Spec string // cron ("*/5 * * * *", optional seconds field) or "@every 10m"
	Body control.Body
	Meta map[string]string
}

type jobDef struct {
	job     Job
	entryID cron.EntryID

	mu     sync.Mutex
	lastID string // task created by the previous tick
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	mgr *control.Manager

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef
}

func New(cfg Config, mgr *control.Manager, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		mgr: mgr,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register validates the job spec and queues it for Start. Jobs registered
// after Start are picked up immediately.
func (s *Service) Register(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errName
	}
	if job.Body == nil {
		return errBody
	}
	if _, err := s.parser.Parse(job.Spec); err != nil {
		return err
	}

	def := &jobDef{job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, def)
	if s.c != nil {
		return s.addLocked(def)
	}
	return nil
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, def := range s.defs {
		if err := s.addLocked(def); err != nil {
			s.log.Warn("schedule registration failed", logx.String("job", def.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("scheduler stopped")
}

// addLocked registers def with the running cron. Caller holds s.mu.
func (s *Service) addLocked(def *jobDef) error {
	id, err := s.c.AddFunc(def.job.Spec, func() { s.tick(def) })
	if err != nil {
		return err
	}
	def.entryID = id
	return nil
}

// tick creates and starts one task run, unless the previous run of this job
// is still non-terminal (overlap skip).
func (s *Service) tick(def *jobDef) {
	def.mu.Lock()
	lastID := def.lastID
	def.mu.Unlock()

	if lastID != "" {
		if rec, err := s.mgr.Info(lastID); err == nil && !rec.Status.Terminal() {
			s.log.Debug("schedule tick skipped; previous run still active",
				logx.String("job", def.job.Name),
				logx.String("id", lastID),
				logx.String("status", rec.Status.String()),
			)
			return
		}
	}

	id, err := s.mgr.Create(control.Config{Name: def.job.Name, Body: def.job.Body, Meta: def.job.Meta})
	if err != nil {
		s.log.Warn("schedule tick create failed", logx.String("job", def.job.Name), logx.Err(err))
		return
	}
	if err := s.mgr.Start(id); err != nil {
		s.log.Warn("schedule tick start failed", logx.String("job", def.job.Name), logx.String("id", id), logx.Err(err))
		return
	}

	def.mu.Lock()
	def.lastID = id
	def.mu.Unlock()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
