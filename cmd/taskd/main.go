package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/history"
	"taskd/internal/notify"
	"taskd/internal/observability/pprofsrv"
	"taskd/internal/resource"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/schedule"
	"taskd/internal/task/control"
	logx "taskd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	defer logSvc.Close()
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	sup := rtsup.New(ctx, rtsup.WithLogger(log))

	// Bus consumers must outlive the signal context: the journal and alert
	// rows we most care about are the ones produced while workers drain
	// during shutdown. They are stopped explicitly after the drain.
	consumers := rtsup.New(context.Background(), rtsup.WithLogger(log.With(logx.String("comp", "consumers"))))

	// Control plane.
	mgr := control.New(control.Options{
		CheckpointWarn:       cfg.CheckpointWarn(),
		ProgressEventsPerSec: cfg.Control.ProgressEventsPerSec,
	}, log, bus)

	// Shared resource. The provider here is a stand-in that only proves the
	// admission path end to end; deployments embed taskd as a library and
	// inject their real session provider.
	res := resource.New[*session](&sessionProvider{log: log.With(logx.String("comp", "session"))}, log, bus)

	// Run journal.
	var journal *history.Store
	if cfg.History != nil {
		journal, err = history.Open(history.Config{
			Enabled:     cfg.History.Enabled,
			Path:        cfg.History.Path,
			BusyTimeout: cfg.HistoryBusyTimeout(),
		}, log.With(logx.String("comp", "history")))
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		if journal != nil {
			defer journal.Close()
			consumers.Go0("history.consume", func(c context.Context) { journal.Consume(c, bus) })
		}
	}

	// Operator alerts.
	if cfg.Notify != nil {
		alerter, err := notify.New(notify.Config{
			Enabled:    cfg.Notify.Enabled,
			Token:      cfg.Notify.Token,
			ChatID:     cfg.Notify.ChatID,
			RatePerSec: cfg.Notify.RatePerSec,
		}, log.With(logx.String("comp", "notify")))
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		if alerter != nil {
			consumers.Go0("notify.consume", func(c context.Context) { alerter.Consume(c, bus) })
		}
	}

	// Scheduled jobs.
	var sched *schedule.Service
	if cfg.Schedule != nil && cfg.Schedule.Enabled {
		sched = schedule.New(schedule.Config{
			Enabled:  true,
			Timezone: cfg.Schedule.Timezone,
		}, mgr, log.With(logx.String("comp", "schedule")))
		for _, j := range cfg.Schedule.Jobs {
			if j.Enabled != nil && !*j.Enabled {
				continue
			}
			body, ok := builtinJob(j.Kind, res)
			if !ok {
				return fmt.Errorf("schedule job %q: unknown kind %q", j.Name, j.Kind)
			}
			if err := sched.Register(schedule.Job{
				Name: j.Name,
				Spec: j.Spec,
				Body: body,
				Meta: map[string]string{"kind": j.Kind},
			}); err != nil {
				return fmt.Errorf("schedule job %q: %w", j.Name, err)
			}
		}
		sched.Start()
	}

	// Debug listener.
	dbg := pprofsrv.New(log)
	defer dbg.Stop(context.Background())
	if cfg.Pprof != nil {
		dbg.Apply(ctx, pprofCfg(cfg.Pprof))
	}

	// Hot reload: logging and the pprof listener are applied live; everything
	// else needs a restart and says so in the log.
	sup.Go("config.watch", func(c context.Context) error {
		err := cfgMgr.Watch(c)
		if c.Err() != nil {
			return nil
		}
		return err
	})
	updates := cfgMgr.Subscribe(1)
	defer cfgMgr.Unsubscribe(updates)
	sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				logSvc.Apply(next.LogxConfig())
				if next.Pprof != nil {
					dbg.Apply(c, pprofCfg(next.Pprof))
				} else {
					dbg.Stop(c)
				}
				log.Info("logging and pprof config applied; other sections take effect on restart")
			}
		}
	})

	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyReady)
	log.Info("taskd started", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
	log.Info("shutting down")

	if sched != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		sched.Stop(stopCtx)
		stopCancel()
	}

	// Cooperative drain first; if workers don't converge within the budget
	// they are abandoned and the shared resource is torn down underneath them.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.StopBudget())
	drainErr := mgr.Shutdown(drainCtx)
	drainCancel()

	if snap := res.Snapshot(); snap.Alive || drainErr != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = res.ForceRelease(fctx)
		fcancel()
	}

	// Only now, with every terminal event published, stop the consumers.
	consCtx, consCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = consumers.Stop(consCtx)
	consCancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = sup.Stop(waitCtx)
	waitCancel()

	log.Info("bye")
	return nil
}

func pprofCfg(c *config.PprofConfig) pprofsrv.Config {
	return pprofsrv.Config{
		Enabled:              c.Enabled,
		Address:              c.Address,
		BlockProfileRate:     c.BlockProfileRate,
		MutexProfileFraction: c.MutexProfileFraction,
	}
}
