package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertVisitRejected    AlertType = "visit_rejected"
	AlertBacklogAge       AlertType = "backlog_age"
	AlertAuthFailure      AlertType = "auth_failure"
	AlertRetriesExhausted AlertType = "retries_exhausted"
	AlertComplianceRate   AlertType = "compliance_rate"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// minFinishedForRate is the number of finished submissions in the window
// below which the compliance rate is not evaluated.
const minFinishedForRate = 5

// Alert is a single alert event.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	OrgID     string         `json:"org_id"`
	RecordID  string         `json:"record_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RoutingKey is the topic used when publishing the alert.
func (a Alert) RoutingKey() string {
	return "evv.alert." + string(a.Type)
}

// Publisher delivers alerts to a message broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// Alerter logs alerts and fans them out to the configured webhook and
// broker. Delivery failures are logged and never returned to the caller's
// batch.
type Alerter struct {
	cfg       config.MonitoringConfig
	client    *http.Client
	publisher Publisher
	retry     resilience.RetryConfig
	now       func() time.Time
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithPublisher adds a broker delivery channel.
func WithPublisher(p Publisher) AlerterOption {
	return func(a *Alerter) { a.publisher = p }
}

// WithHTTPClient overrides the webhook HTTP client.
func WithHTTPClient(c *http.Client) AlerterOption {
	return func(a *Alerter) { a.client = c }
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig, opts ...AlerterOption) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("alerts", "webhook")
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// VisitRejected builds the per-visit rejection alert.
func VisitRejected(orgID, visitID, code, message string) Alert {
	return Alert{
		Type:     AlertVisitRejected,
		Severity: SeverityWarning,
		OrgID:    orgID,
		RecordID: visitID,
		Message:  fmt.Sprintf("visit %s rejected by aggregator: %s", visitID, message),
		Details:  map[string]any{"error_code": code},
	}
}

// BacklogAge builds the escalation alert for an overdue backlog.
func BacklogAge(orgID string, age, threshold time.Duration, count int) Alert {
	return Alert{
		Type:     AlertBacklogAge,
		Severity: SeverityCritical,
		OrgID:    orgID,
		Message: fmt.Sprintf("oldest unsubmitted visit is %.1fh old (threshold %.0fh, %d unsubmitted)",
			age.Hours(), threshold.Hours(), count),
		Details: map[string]any{
			"oldest_age_hours": age.Hours(),
			"threshold_hours":  threshold.Hours(),
			"backlog_count":    count,
		},
	}
}

// AuthFailure builds the credentials alert raised on first occurrence.
func AuthFailure(orgID, recordID string, httpStatus int) Alert {
	return Alert{
		Type:     AlertAuthFailure,
		Severity: SeverityHigh,
		OrgID:    orgID,
		RecordID: recordID,
		Message:  fmt.Sprintf("aggregator refused credentials (HTTP %d)", httpStatus),
		Details:  map[string]any{"http_status": httpStatus},
	}
}

// RetriesExhausted builds the alert for a submission that needs manual
// intervention.
func RetriesExhausted(orgID, recordID, code string, attempts int) Alert {
	return Alert{
		Type:     AlertRetriesExhausted,
		Severity: SeverityHigh,
		OrgID:    orgID,
		RecordID: recordID,
		Message:  fmt.Sprintf("submission of %s failed %d times; manual intervention required", recordID, attempts),
		Details:  map[string]any{"error_code": code, "attempts": attempts},
	}
}

// Evaluate checks a compliance snapshot against the configured threshold.
func (a *Alerter) Evaluate(snap *ComplianceSnapshot) []Alert {
	if snap == nil || a.cfg.ComplianceThreshold <= 0 {
		return nil
	}
	finished := snap.Accepted + snap.Rejected
	if finished < minFinishedForRate || snap.ComplianceRate >= a.cfg.ComplianceThreshold {
		return nil
	}
	return []Alert{{
		Type:     AlertComplianceRate,
		Severity: SeverityHigh,
		OrgID:    snap.OrgID,
		Message: fmt.Sprintf("EVV compliance rate %.1f%% is below %.1f%% (%d rejected / %d finished in last %dh)",
			snap.ComplianceRate*100, a.cfg.ComplianceThreshold*100, snap.Rejected, finished, snap.LookbackHours),
		Details: map[string]any{
			"compliance_rate": snap.ComplianceRate,
			"threshold":       a.cfg.ComplianceThreshold,
			"accepted":        snap.Accepted,
			"rejected":        snap.Rejected,
		},
		Timestamp: a.now().UTC(),
	}}
}

// Notify logs alert and delivers it on every configured channel. It returns
// the number of channels that accepted it.
func (a *Alerter) Notify(ctx context.Context, alert Alert) int {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now().UTC()
	}
	zap.L().Warn("monitoring: alert",
		zap.String("alert_type", string(alert.Type)),
		zap.String("severity", alert.Severity),
		zap.String("org_id", alert.OrgID),
		zap.String("record_id", alert.RecordID),
		zap.String("message", alert.Message),
	)

	sent := 0
	if a.cfg.WebhookURL != "" {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: webhook delivery failed", zap.String("alert_type", string(alert.Type)), zap.Error(err))
		} else {
			sent++
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, alert.RoutingKey(), alert); err != nil {
			zap.L().Error("monitoring: broker delivery failed", zap.String("alert_type", string(alert.Type)), zap.Error(err))
		} else {
			sent++
		}
	}
	return sent
}

// NotifyAll delivers each alert and returns the total number of deliveries.
func (a *Alerter) NotifyAll(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		sent += a.Notify(ctx, alert)
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		f := resilience.NewFailure(resilience.ClassifyHTTPStatus(resp.StatusCode), resp.StatusCode,
			eris.Errorf("webhook returned status %d", resp.StatusCode))
		return eris.Wrap(f, "monitoring: webhook")
	}
	return nil
}
