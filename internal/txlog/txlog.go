// Package txlog records every aggregator submission attempt and decides when
// a failed attempt may be retried.
package txlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/payload"
	"github.com/sells-group/evv-cli/internal/resilience"
	"github.com/sells-group/evv-cli/pkg/aggregator"
)

// Store is the persistence the log needs.
type Store interface {
	InsertTransaction(ctx context.Context, tx *model.Transaction, supersedes string) error
	LatestTransaction(ctx context.Context, entity model.EntityType, recordID string) (*model.Transaction, error)
	HasSuccess(ctx context.Context, entity model.EntityType, recordID string, sequenceID int64) (bool, error)
	ListRetryable(ctx context.Context, orgID string, now time.Time, limit int) ([]model.Transaction, error)
}

// Attempt is one submission to record.
type Attempt struct {
	OrgID       string
	Entity      model.EntityType
	RecordID    string
	SequenceID  int64
	Fingerprint string
	Outcome     *aggregator.Outcome

	// MaxRetries is the organization's retry ceiling.
	MaxRetries int
	// RetryDelay overrides the base backoff delay when positive.
	RetryDelay time.Duration
	// Previous is the failed transaction this attempt supersedes. Its retry
	// count carries over only when the SequenceID is unchanged.
	Previous *model.Transaction
}

// Log writes the transaction log.
type Log struct {
	store   Store
	backoff resilience.Backoff
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for timestamps and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a Log that schedules retries with backoff.
func New(s Store, backoff resilience.Backoff, opts ...Option) *Log {
	l := &Log{store: s, backoff: backoff, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record writes the transaction for an attempt and returns it.
//
// A retryable failure increments the retry counter. While the counter is
// below MaxRetries the transaction is "retrying" with next_retry_at set by
// the backoff; at the ceiling it becomes a terminal "error". Rejections and
// internal failures are terminal on first occurrence.
func (l *Log) Record(ctx context.Context, a Attempt) (*model.Transaction, error) {
	if a.Outcome == nil {
		return nil, eris.Errorf("txlog: attempt for %s %s has no outcome", a.Entity, a.RecordID)
	}
	now := l.now().UTC()
	o := a.Outcome

	tx := &model.Transaction{
		OrgID:           a.OrgID,
		EntityType:      a.Entity,
		RecordID:        a.RecordID,
		SequenceID:      a.SequenceID,
		Fingerprint:     a.Fingerprint,
		RequestPayload:  rawJSON(payload.Redact(o.Request)),
		ResponsePayload: rawJSON(o.Response),
		HTTPStatus:      o.HTTPStatus,
		ExternalID:      o.ExternalID,
		MaxRetries:      a.MaxRetries,
		LatencyMS:       o.Latency.Milliseconds(),
		CreatedAt:       now,
	}
	// The retry budget belongs to one SequenceID; a rebuilt payload starts over.
	prevCount := 0
	if a.Previous != nil && a.Previous.SequenceID == a.SequenceID {
		prevCount = a.Previous.RetryCount
	}
	tx.RetryCount = prevCount

	switch {
	case o.Status == aggregator.StatusAccepted:
		tx.Status = model.TransactionSuccess
	case o.Failure != nil && o.Failure.Retryable():
		tx.Retryable = true
		tx.RetryCount = prevCount + 1
		if tx.RetryCount < a.MaxRetries {
			tx.Status = model.TransactionRetrying
			next := now.Add(l.backoff.WithInitial(a.RetryDelay).Delay(tx.RetryCount))
			tx.NextRetryAt = &next
		} else {
			tx.Status = model.TransactionError
		}
	default:
		tx.Status = model.TransactionError
	}
	if tx.Status != model.TransactionSuccess {
		tx.ErrorCode = o.ErrorCode()
		tx.ErrorMessage = o.Message()
		if o.Failure != nil {
			tx.ErrorCategory = string(o.Failure.Kind)
		}
	}

	supersedes := ""
	if a.Previous != nil {
		supersedes = a.Previous.ID
	}
	if err := l.store.InsertTransaction(ctx, tx, supersedes); err != nil {
		return nil, eris.Wrapf(err, "txlog: record %s %s", a.Entity, a.RecordID)
	}

	fields := []zap.Field{
		zap.String("org_id", a.OrgID),
		zap.String("entity_type", string(a.Entity)),
		zap.String("record_id", a.RecordID),
		zap.Int64("sequence_id", a.SequenceID),
		zap.String("tx_status", string(tx.Status)),
		zap.Int("retry_count", tx.RetryCount),
		zap.Int64("latency_ms", tx.LatencyMS),
	}
	if tx.NextRetryAt != nil {
		fields = append(fields, zap.Time("next_retry_at", *tx.NextRetryAt))
	}
	if tx.ErrorCode != "" {
		fields = append(fields, zap.String("error_code", tx.ErrorCode), zap.String("error_category", tx.ErrorCategory))
	}
	zap.L().Info("txlog: attempt recorded", fields...)
	return tx, nil
}

// Gate says how a record's next submission relates to its latest
// transaction.
type Gate struct {
	// Proceed is false while a retry is scheduled but not yet due.
	Proceed bool
	// Previous is the failed transaction the next attempt supersedes.
	Previous *model.Transaction
	// Latest is the most recent transaction, if any.
	Latest *model.Transaction
}

// Check loads the latest transaction for the record and decides whether it
// may be submitted now.
func (l *Log) Check(ctx context.Context, entity model.EntityType, recordID string) (Gate, error) {
	latest, err := l.store.LatestTransaction(ctx, entity, recordID)
	if err != nil {
		return Gate{}, eris.Wrapf(err, "txlog: latest %s %s", entity, recordID)
	}
	return Decide(latest, l.now()), nil
}

// Decide applies the retry rules to latest at now.
func Decide(latest *model.Transaction, now time.Time) Gate {
	g := Gate{Proceed: true, Latest: latest}
	if latest == nil || latest.RetriedBy != "" {
		return g
	}
	if latest.Status == model.TransactionRetrying || (latest.Status == model.TransactionError && latest.Retryable) {
		if latest.EligibleForRetry(now) {
			g.Previous = latest
			return g
		}
		if !latest.Exhausted() {
			g.Proceed = false
		}
	}
	return g
}

// Submitted reports whether sequenceID was already accepted for the record.
func (l *Log) Submitted(ctx context.Context, entity model.EntityType, recordID string, sequenceID int64) (bool, error) {
	ok, err := l.store.HasSuccess(ctx, entity, recordID, sequenceID)
	if err != nil {
		return false, eris.Wrapf(err, "txlog: has success %s %s", entity, recordID)
	}
	return ok, nil
}

// Due lists the organization's transactions whose retry time has elapsed.
func (l *Log) Due(ctx context.Context, orgID string, limit int) ([]model.Transaction, error) {
	txs, err := l.store.ListRetryable(ctx, orgID, l.now().UTC(), limit)
	if err != nil {
		return nil, eris.Wrapf(err, "txlog: list due %s", orgID)
	}
	return txs, nil
}

// rawJSON keeps valid JSON bodies as-is and quotes anything else so the
// column always holds JSON.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
