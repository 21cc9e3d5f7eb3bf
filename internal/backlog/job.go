// Package backlog runs the periodic submission job: for every active
// organization it selects completed visits that still need to reach the
// state aggregator, checks them, submits them and records the outcome.
package backlog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evv-cli/internal/authz"
	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/monitoring"
	"github.com/sells-group/evv-cli/internal/payload"
	"github.com/sells-group/evv-cli/internal/remediation"
	"github.com/sells-group/evv-cli/internal/resilience"
	"github.com/sells-group/evv-cli/internal/sequence"
	"github.com/sells-group/evv-cli/internal/store"
	"github.com/sells-group/evv-cli/internal/txlog"
	"github.com/sells-group/evv-cli/internal/validate"
	"github.com/sells-group/evv-cli/pkg/aggregator"
)

const (
	defaultBatchSize      = 500
	defaultConcurrency    = 4
	defaultThresholdHours = 24
)

// ClientFactory returns the aggregator client for an organization's account.
type ClientFactory func(org *model.Organization) aggregator.Client

// NewClientFactory builds clients against the configured aggregator, one
// circuit breaker per organization.
func NewClientFactory(cfg config.AggregatorConfig, breakers *resilience.Breakers) ClientFactory {
	return func(org *model.Organization) aggregator.Client {
		return aggregator.NewClient(cfg.BaseURL,
			aggregator.Credentials{
				Username: org.AggregatorUsername,
				Password: org.AggregatorPassword,
				Account:  org.AggregatorAccount,
			},
			aggregator.WithTimeout(time.Duration(cfg.TimeoutSecs)*time.Second),
			aggregator.WithRateLimit(cfg.RateLimitRPS),
			aggregator.WithCircuitBreaker(breakers.Get(org.ID)),
		)
	}
}

// Notifier delivers alerts. *monitoring.Alerter implements it.
type Notifier interface {
	Notify(ctx context.Context, alert monitoring.Alert) int
}

var _ Notifier = (*monitoring.Alerter)(nil)

// Job is the backlog submission job. It is safe to call Run concurrently;
// the per-organization lock makes overlapping runs skip busy organizations.
type Job struct {
	store     store.Store
	clients   ClientFactory
	cfg       config.BacklogConfig
	rules     config.OrgRules
	overrides config.OrgOverrides
	backoff   resilience.Backoff
	notifier  Notifier
	router    *remediation.Router
	now       func() time.Time
}

// Option configures a Job.
type Option func(*Job)

// WithNotifier sets the alert sink.
func WithNotifier(n Notifier) Option {
	return func(j *Job) { j.notifier = n }
}

// WithRouter sets the remediation router. Without one, tasks are stored but
// not mirrored to a board.
func WithRouter(r *remediation.Router) Option {
	return func(j *Job) { j.router = r }
}

// WithOverrides sets the per-organization rule overrides.
func WithOverrides(o config.OrgOverrides) Option {
	return func(j *Job) { j.overrides = o }
}

// WithBackoff replaces the retry backoff derived from the config.
func WithBackoff(b resilience.Backoff) Option {
	return func(j *Job) { j.backoff = b }
}

// WithClock overrides the job clock.
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// New creates a Job from the application config.
func New(cfg *config.Config, st store.Store, clients ClientFactory, opts ...Option) *Job {
	j := &Job{
		store:   st,
		clients: clients,
		cfg:     cfg.Backlog,
		rules:   cfg.Rules,
		backoff: resilience.BackoffFromConfig(cfg.Retry.InitialBackoffSecs, cfg.Retry.MaxBackoffSecs, cfg.Retry.Multiplier, cfg.Retry.JitterFraction),
		now:     time.Now,
	}
	if j.cfg.BatchSize <= 0 {
		j.cfg.BatchSize = defaultBatchSize
	}
	if j.cfg.MaxConcurrentOrgs <= 0 {
		j.cfg.MaxConcurrentOrgs = defaultConcurrency
	}
	if j.cfg.ThresholdHours <= 0 {
		j.cfg.ThresholdHours = defaultThresholdHours
	}
	for _, o := range opts {
		o(j)
	}
	if j.router == nil {
		j.router = remediation.New(st, nil)
	}
	return j
}

// Run processes every active organization. Per-organization failures are
// recorded in the report; only failing to list organizations is an error.
func (j *Job) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{StartedAt: j.now().UTC()}

	orgs, err := j.store.ListActiveOrganizations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "backlog: list organizations")
	}

	zap.L().Info("backlog: run started",
		zap.Int("organizations", len(orgs)),
		zap.Int("concurrency", j.cfg.MaxConcurrentOrgs),
	)

	report.Orgs = make([]OrgReport, len(orgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.MaxConcurrentOrgs)
	for i := range orgs {
		org := orgs[i]
		g.Go(func() error {
			r, err := j.runOrg(gctx, &org)
			if err != nil {
				zap.L().Error("backlog: organization run failed", zap.String("org_id", org.ID), zap.Error(err))
				r.Error = err.Error()
			}
			report.Orgs[i] = *r
			return nil // one organization never aborts the others
		})
	}
	_ = g.Wait()

	report.FinishedAt = j.now().UTC()
	t := report.Totals()
	zap.L().Info("backlog: run complete",
		zap.Int("candidates", t.Candidates),
		zap.Int("submitted", t.Submitted),
		zap.Int("rejected", t.Rejected),
		zap.Int("errored", t.Errored),
		zap.Int("blocked", t.Blocked),
		zap.Int("deferred", t.Deferred),
		zap.Duration("duration", t.Duration),
	)
	return report, ctx.Err()
}

// RunOrg processes a single organization.
func (j *Job) RunOrg(ctx context.Context, orgID string) (*OrgReport, error) {
	org, err := j.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "backlog: load organization %s", orgID)
	}
	return j.runOrg(ctx, org)
}

func (j *Job) runOrg(ctx context.Context, org *model.Organization) (*OrgReport, error) {
	start := j.now()
	report := &OrgReport{OrgID: org.ID, OrgName: org.Name}
	defer func() { report.Duration = j.now().Sub(start) }()

	rules, err := config.ResolveOrgRules(j.rules, org.Settings, j.overrides, org.ID)
	if err != nil {
		return report, eris.Wrap(err, "backlog: resolve rules")
	}

	run := j.newOrgRun(org, rules, report)
	acquired, err := j.store.WithOrgLock(ctx, org.ID, run.process)
	if !acquired && err == nil {
		report.Skipped = true
		zap.L().Info("backlog: organization busy, skipping", zap.String("org_id", org.ID))
		return report, nil
	}
	if err != nil {
		return report, eris.Wrapf(err, "backlog: org %s", org.ID)
	}
	return report, nil
}

func (j *Job) newOrgRun(org *model.Organization, rules config.OrgRules, report *OrgReport) *orgRun {
	clock := func() time.Time { return j.now() }
	return &orgRun{
		job:       j,
		org:       org,
		rules:     rules,
		validator: validate.New(rules),
		policy:    authz.PolicyFromRules(rules),
		builder:   payload.NewBuilder(sequence.New(j.store), payload.WithClock(clock)),
		txlog:     txlog.New(j.store, j.backoff, txlog.WithClock(clock)),
		client:    j.clients(org),
		report:    report,
		staff:     make(map[string]result),
		log:       zap.L().With(zap.String("component", "backlog"), zap.String("org_id", org.ID)),
	}
}

// process runs with the organization lock held.
func (r *orgRun) process(ctx context.Context) error {
	visits, err := r.job.store.ListCandidateVisits(ctx, r.org.ID, r.job.now(), r.job.cfg.BatchSize)
	if err != nil {
		return eris.Wrap(err, "backlog: list candidates")
	}
	r.report.Candidates = len(visits)
	r.log.Info("backlog: processing organization", zap.Int("candidates", len(visits)))

	for i := range visits {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "backlog: run interrupted")
		}
		v := &visits[i]
		res, err := r.processVisit(ctx, v)
		if err != nil {
			r.log.Error("backlog: visit failed", zap.String("visit_id", v.ID), zap.Error(err))
			res = resultErrored
		}
		r.report.add(res)
	}

	return r.checkBacklogAge(ctx)
}

// checkBacklogAge raises the escalation alert when the oldest unsubmitted
// visit has waited longer than the threshold.
func (r *orgRun) checkBacklogAge(ctx context.Context) error {
	stats, err := r.job.store.BacklogStats(ctx, r.org.ID)
	if err != nil {
		return eris.Wrap(err, "backlog: stats")
	}
	r.report.BacklogCount = stats.Count
	if stats.Oldest == nil {
		return nil
	}
	age := r.job.now().Sub(*stats.Oldest)
	r.report.OldestAgeHours = age.Hours()

	threshold := time.Duration(r.job.cfg.ThresholdHours) * time.Hour
	if age > threshold {
		r.report.Escalated = true
		r.alert(ctx, monitoring.BacklogAge(r.org.ID, age, threshold, stats.Count))
	}
	return nil
}

func (r *orgRun) alert(ctx context.Context, a monitoring.Alert) {
	if r.job.notifier == nil {
		return
	}
	r.job.notifier.Notify(ctx, a)
}
