package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/backlog"
	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/monitoring"
	"github.com/sells-group/evv-cli/internal/remediation"
	"github.com/sells-group/evv-cli/internal/resilience"
	"github.com/sells-group/evv-cli/internal/store"
	"github.com/sells-group/evv-cli/pkg/notion"
	"github.com/sells-group/evv-cli/pkg/rabbitmq"
)

// notionRPS stays under Notion's published average of three requests per
// second.
const notionRPS = 3

// pipelineEnv holds the store, alerting and the backlog job shared by the
// run, schedule, serve and ping commands.
type pipelineEnv struct {
	Store     store.Store
	Breakers  *resilience.Breakers
	Clients   backlog.ClientFactory
	Alerter   *monitoring.Alerter
	Collector *monitoring.Collector
	Checker   *monitoring.Checker
	Job       *backlog.Job

	producer *rabbitmq.Producer
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.producer != nil {
		_ = pe.producer.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var cipher *store.Cipher
	if cfg.Store.EncryptionKey != "" {
		c, err := store.NewCipher(cfg.Store.EncryptionKey)
		if err != nil {
			return nil, eris.Wrap(err, "init cipher")
		}
		cipher = c
	} else {
		zap.L().Warn("store.encryption_key not set, identifiers are stored unencrypted")
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "evv.db"
		}
		st, err = store.NewSQLite(dsn, cipher)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver (EVV_STORE_DATABASE_URL)")
		}
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}, cipher)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline wires the store, aggregator clients, alert channels, the
// remediation board and the backlog job. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Aggregator.BaseURL == "" {
		return nil, eris.New("aggregator.base_url is required (EVV_AGGREGATOR_BASE_URL)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	breakerCfg := resilience.FromCircuitConfig(cfg.Aggregator.CircuitFailureThreshold, cfg.Aggregator.CircuitResetSecs)
	breakerCfg.OnStateChange = func(key string, from, to resilience.CircuitState) {
		zap.L().Warn("aggregator circuit state changed",
			zap.String("org_id", key),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	env.Breakers = resilience.NewBreakers(breakerCfg)
	env.Clients = backlog.NewClientFactory(cfg.Aggregator, env.Breakers)

	var alerterOpts []monitoring.AlerterOption
	if cfg.Monitoring.AMQPURL != "" {
		p, err := rabbitmq.Dial(cfg.Monitoring.AMQPURL, cfg.Monitoring.AMQPExchange)
		if err != nil {
			zap.L().Warn("amqp alert channel unavailable, continuing without it", zap.Error(err))
		} else {
			env.producer = p
			alerterOpts = append(alerterOpts, monitoring.WithPublisher(p))
		}
	}
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring, alerterOpts...)
	env.Collector = monitoring.NewCollector(st)
	env.Checker = monitoring.NewChecker(env.Collector, env.Alerter, cfg.Monitoring)

	var board remediation.Board
	if cfg.Notion.Token != "" && cfg.Notion.RemediationDB != "" {
		board = notion.NewBoard(notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(notionRPS)), cfg.Notion.RemediationDB)
		zap.L().Info("notion remediation board enabled")
	} else {
		zap.L().Debug("notion not configured, remediation tasks are stored only")
	}

	jobOpts := []backlog.Option{
		backlog.WithNotifier(env.Alerter),
		backlog.WithRouter(remediation.New(st, board)),
	}
	if cfg.Backlog.OrgsFile != "" {
		overrides, err := config.LoadOrgOverrides(cfg.Backlog.OrgsFile)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "load organization overrides")
		}
		jobOpts = append(jobOpts, backlog.WithOverrides(overrides))
	}
	env.Job = backlog.New(cfg, st, env.Clients, jobOpts...)

	return env, nil
}
