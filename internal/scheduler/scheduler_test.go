package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evv-cli/internal/backlog"
	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/monitoring"
)

type runnerFunc func(ctx context.Context) (*backlog.RunReport, error)

func (f runnerFunc) Run(ctx context.Context) (*backlog.RunReport, error) { return f(ctx) }

type checkerFunc func(ctx context.Context) []monitoring.Alert

func (f checkerFunc) Check(ctx context.Context) []monitoring.Alert { return f(ctx) }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Backlog.Schedule = "@every 15m"
	cfg.Monitoring.CheckSchedule = "@hourly"
	return cfg
}

func TestStart_RegistersBothJobs(t *testing.T) {
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) { return &backlog.RunReport{}, nil }),
		checkerFunc(func(context.Context) []monitoring.Alert { return nil }), testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Len(t, s.Entries(), 2)
}

func TestStart_WithoutChecker(t *testing.T) {
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) { return &backlog.RunReport{}, nil }), nil, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Len(t, s.Entries(), 1)
}

func TestStart_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Backlog.Schedule = "every so often"
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) { return nil, nil }), nil, cfg)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid backlog schedule")
}

func TestStart_MissingSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Backlog.Schedule = ""
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) { return nil, nil }), nil, cfg)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backlog schedule is required")
}

func TestRunBacklog_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "tick")

	var got atomic.Value
	s := New(runnerFunc(func(ctx context.Context) (*backlog.RunReport, error) {
		got.Store(ctx.Value(key{}))
		return &backlog.RunReport{Orgs: []backlog.OrgReport{{OrgID: "org-1", Submitted: 2}}}, nil
	}), nil, testConfig())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	s.RunBacklog()
	assert.Equal(t, "tick", got.Load())
}

func TestRunBacklog_ErrorIsLogged(t *testing.T) {
	var calls atomic.Int32
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) {
		calls.Add(1)
		return nil, context.Canceled
	}), nil, testConfig())

	assert.NotPanics(t, s.RunBacklog)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWrappedJob_RecoversPanic(t *testing.T) {
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) {
		panic("boom")
	}), nil, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.NotPanics(t, entries[0].WrappedJob.Run)
}

func TestWrappedJob_SkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return &backlog.RunReport{}, nil
	}), nil, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	job := s.Entries()[0].WrappedJob
	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	<-started

	job.Run()
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not finish")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunCheck(t *testing.T) {
	var calls atomic.Int32
	s := New(runnerFunc(func(context.Context) (*backlog.RunReport, error) { return &backlog.RunReport{}, nil }),
		checkerFunc(func(context.Context) []monitoring.Alert {
			calls.Add(1)
			return []monitoring.Alert{{Type: monitoring.AlertComplianceRate}}
		}), testConfig())

	s.RunCheck()
	assert.Equal(t, int32(1), calls.Load())

	s = New(runnerFunc(func(context.Context) (*backlog.RunReport, error) { return nil, nil }), nil, testConfig())
	assert.NotPanics(t, s.RunCheck)
}
