// Package scheduler runs the backlog job and the compliance check on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/backlog"
	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/monitoring"
)

// Runner executes one backlog pass across all organizations.
type Runner interface {
	Run(ctx context.Context) (*backlog.RunReport, error)
}

// Checker evaluates compliance and delivers alerts.
type Checker interface {
	Check(ctx context.Context) []monitoring.Alert
}

// Scheduler owns the cron instance. A run that is still in progress when its
// next tick fires is skipped.
type Scheduler struct {
	cron        *cron.Cron
	runner      Runner
	checker     Checker
	backlogSpec string
	checkSpec   string
	ctx         context.Context
}

// New creates a scheduler. checker may be nil to disable compliance checks.
func New(runner Runner, checker Checker, cfg *config.Config) *Scheduler {
	logger := cronLogger{log: zap.L().Sugar().With("component", "scheduler")}
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	return &Scheduler{
		cron:        c,
		runner:      runner,
		checker:     checker,
		backlogSpec: cfg.Backlog.Schedule,
		checkSpec:   cfg.Monitoring.CheckSchedule,
		ctx:         context.Background(),
	}
}

// Start registers the jobs and starts the cron loop. Jobs run with ctx; once
// it is cancelled in-flight jobs observe the cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx != nil {
		s.ctx = ctx
	}
	if err := s.register(); err != nil {
		return err
	}
	s.cron.Start()
	zap.L().Info("scheduler: started",
		zap.String("backlog_schedule", s.backlogSpec),
		zap.String("check_schedule", s.checkSpec),
		zap.Int("entries", len(s.cron.Entries())),
	)
	return nil
}

func (s *Scheduler) register() error {
	if s.backlogSpec == "" {
		return eris.New("scheduler: backlog schedule is required")
	}
	if _, err := s.cron.AddFunc(s.backlogSpec, s.RunBacklog); err != nil {
		return eris.Wrapf(err, "scheduler: invalid backlog schedule %q", s.backlogSpec)
	}
	if s.checker == nil || s.checkSpec == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.checkSpec, s.RunCheck); err != nil {
		return eris.Wrapf(err, "scheduler: invalid check schedule %q", s.checkSpec)
	}
	return nil
}

// Stop stops scheduling new runs. The returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries returns the registered cron entries.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// RunBacklog executes one backlog pass.
func (s *Scheduler) RunBacklog() {
	start := time.Now()
	report, err := s.runner.Run(s.ctx)
	if err != nil {
		zap.L().Error("scheduler: backlog run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	if report == nil {
		return
	}
	totals := report.Totals()
	zap.L().Info("scheduler: backlog run complete",
		zap.Int("orgs", len(report.Orgs)),
		zap.Int("submitted", totals.Submitted),
		zap.Int("rejected", totals.Rejected),
		zap.Int("errored", totals.Errored),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// RunCheck executes one compliance check.
func (s *Scheduler) RunCheck() {
	if s.checker == nil {
		return
	}
	alerts := s.checker.Check(s.ctx)
	zap.L().Debug("scheduler: compliance check complete", zap.Int("alerts", len(alerts)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(fmt.Sprintf("cron: %s", msg), append(keysAndValues, "error", err)...)
}
