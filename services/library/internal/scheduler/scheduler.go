package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"atlaslibrary/pkg/domain"
)

// Sweeper runs one overdue sweep.
type Sweeper interface {
	RunSweep(ctx context.Context, trigger string) (domain.SweepRun, error)
}

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Config configures the sweep scheduler.
type Config struct {
	Schedule string
	Timezone string
	// RunTimeout bounds a single scheduled run. Zero means 10 minutes.
	RunTimeout time.Duration
}

// Scheduler fires the sweep on a cron schedule and collapses overlapping
// runs, so a manual trigger during a scheduled run joins it.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	group   singleflight.Group
	timeout time.Duration
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(sweeper Sweeper, cfg Config) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone: %w", err)
		}
		loc = l
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		sweeper: sweeper,
		timeout: timeout,
		baseCtx: ctx,
		cancel:  cancel,
	}
	if cfg.Schedule != "" {
		if _, err := s.cron.AddFunc(cfg.Schedule, s.scheduled); err != nil {
			cancel()
			return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) scheduled() {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()
	if _, _, err := s.RunNow(ctx, TriggerSchedule); err != nil {
		slog.Error("scheduled sweep failed", "err", err)
	}
}

// RunNow runs a sweep unless one is already in flight, in which case it
// waits for that run and reports shared=true.
func (s *Scheduler) RunNow(ctx context.Context, trigger string) (domain.SweepRun, bool, error) {
	ch := s.group.DoChan("sweep", func() (any, error) {
		// Detach from the first caller so a disconnect does not abort a run others joined.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.sweeper.RunSweep(runCtx, trigger)
	})
	select {
	case <-ctx.Done():
		return domain.SweepRun{}, false, ctx.Err()
	case res := <-ch:
		run, _ := res.Val.(domain.SweepRun)
		return run, res.Shared, res.Err
	}
}

// Start begins firing scheduled sweeps.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		slog.Info("sweep scheduled", "entry", int(e.ID), "next", e.Next)
	}
}

// Stop halts the schedule and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
