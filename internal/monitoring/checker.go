package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/config"
)

// Checker evaluates compliance snapshots for all organizations and sends the
// resulting alerts. It is triggered by the scheduler.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a compliance checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Check runs one evaluation pass and returns the alerts it raised.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snaps, err := c.collector.CollectAll(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect compliance snapshots", zap.Error(err))
		return nil
	}

	var alerts []Alert
	for i := range snaps {
		alerts = append(alerts, c.alerter.Evaluate(&snaps[i])...)
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered", zap.Int("orgs", len(snaps)))
		return nil
	}

	sent := c.alerter.NotifyAll(ctx, alerts)
	log.Info("monitoring: compliance check complete",
		zap.Int("orgs", len(snaps)),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("deliveries", sent),
	)
	return alerts
}
