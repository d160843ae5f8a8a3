package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/report"
	"github.com/fincode/auditwatch/internal/session"
	"github.com/fincode/auditwatch/internal/walk"
)

// Auditor follows one document through its audit. *session.Session
// implements it.
type Auditor interface {
	Run(ctx context.Context, path string) (session.Outcome, error)
}

type Supervisor struct {
	inbox     string
	auditor   Auditor
	sinks     []Sink
	oneshot   bool
	parallel  int
	scheduler gocron.Scheduler
	start     chan struct{}
	seenMx    sync.Mutex
	seen      map[string]time.Time
	now       func() time.Time
}

func NewSupervisor(ctx context.Context, cfg model.Config, auditor Auditor) (*Supervisor, error) {
	svcCfg := cfg.Service
	if svcCfg.InboxDir() == "" {
		return nil, errors.New("service.inbox is not set")
	}
	sinks, err := sinks(ctx, svcCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing sinks: %w", err)
	}

	var supervisor = &Supervisor{}
	var scheduler gocron.Scheduler
	if svcCfg.Mode == model.ServiceModeTimer {
		scheduler, err = newScheduler(ctx, svcCfg.Schedule, supervisor.Start)
		if err != nil {
			closeSinks(ctx, sinks)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}

	supervisor.inbox = svcCfg.InboxDir()
	supervisor.auditor = auditor
	supervisor.sinks = sinks
	supervisor.oneshot = svcCfg.Mode != model.ServiceModeTimer
	supervisor.parallel = svcCfg.Concurrency()
	supervisor.scheduler = scheduler
	supervisor.start = make(chan struct{}, 1)
	supervisor.seen = make(map[string]time.Time)
	supervisor.now = time.Now

	return supervisor, nil
}

// WithSinks replaces the sinks of an initialized Supervisor.
// This method exists for a unit testing only.
func (s *Supervisor) WithSinks(ctx context.Context, sinks ...Sink) *Supervisor {
	closeSinks(ctx, s.sinks)
	s.sinks = sinks
	return s
}

// Start asks the supervisor for a pass over the inbox. It never blocks; a
// request made while one is pending is merged with it.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor.
//
// Oneshot (manual) mode runs a single pass and returns its error. Timer mode
// starts the scheduler and runs a pass for every Start until ctx is
// cancelled; pass errors are only logged and nil is returned.
//
// Shutdown (deferred order): scheduler -> sinks.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "inbox", s.inbox, "oneshot", s.oneshot)
	defer closeSinks(ctx, s.sinks)

	if s.oneshot {
		return s.pass(ctx)
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if err := s.pass(ctx); err != nil {
				slog.ErrorContext(ctx, "inbox pass failed", "error", err)
			}
		}
	}
}

// pass audits every new or modified document of the inbox.
func (s *Supervisor) pass(ctx context.Context) error {
	var (
		errsMx sync.Mutex
		errs   []error
	)
	fail := func(err error) {
		errsMx.Lock()
		defer errsMx.Unlock()
		errs = append(errs, err)
	}

	var g errgroup.Group
	g.SetLimit(s.parallel)
	audited := 0
	for entry, err := range walk.Documents(ctx, s.inbox) {
		if err != nil {
			fail(fmt.Errorf("walking inbox: %w", err))
			continue
		}
		info, err := entry.Stat()
		if err != nil {
			fail(err)
			continue
		}
		path, modTime := entry.Path(), info.ModTime()
		if !s.claim(path, modTime) {
			continue
		}
		audited++
		g.Go(func() error {
			if err := s.audit(ctx, path); err != nil {
				s.unclaim(path, modTime)
				fail(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "inbox pass done", "audited", audited, "errors", len(errs))
	return errors.Join(errs...)
}

func (s *Supervisor) audit(ctx context.Context, path string) error {
	out, err := s.auditor.Run(ctx, path)
	if err != nil && !errors.Is(err, session.ErrAuditFailed) {
		return fmt.Errorf("auditing %s: %w", path, err)
	}
	r := report.New(out.Document, out.Job, s.now())

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Put(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("reporting %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// claim marks path as audited at modTime. It reports false when this
// version of the document was already claimed.
func (s *Supervisor) claim(path string, modTime time.Time) bool {
	s.seenMx.Lock()
	defer s.seenMx.Unlock()
	if seen, ok := s.seen[path]; ok && seen.Equal(modTime) {
		return false
	}
	s.seen[path] = modTime
	return true
}

func (s *Supervisor) unclaim(path string, modTime time.Time) {
	s.seenMx.Lock()
	defer s.seenMx.Unlock()
	if seen, ok := s.seen[path]; ok && seen.Equal(modTime) {
		delete(s.seen, path)
	}
}

func closeSinks(ctx context.Context, sinks []Sink) {
	for _, sink := range sinks {
		if closer, ok := sink.(SinkCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing sink have failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		d, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "every", d.String())
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.schedule.duration must be positive, got %s", cfg.Duration)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
