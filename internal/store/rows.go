package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evv-cli/internal/model"
)

type scannable interface {
	Scan(dest ...any) error
}

func scanTransaction(row scannable) (*model.Transaction, error) {
	var t model.Transaction
	var req, resp []byte
	err := row.Scan(
		&t.ID, &t.OrgID, &t.EntityType, &t.RecordID, &t.SequenceID, &t.Fingerprint, &req, &resp,
		&t.HTTPStatus, &t.Status, &t.ExternalID, &t.ErrorCode, &t.ErrorCategory, &t.ErrorMessage,
		&t.Retryable, &t.RetryCount, &t.MaxRetries, &t.NextRetryAt, &t.LatencyMS, &t.RetriedBy, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(req) > 0 {
		t.RequestPayload = json.RawMessage(req)
	}
	if len(resp) > 0 {
		t.ResponsePayload = json.RawMessage(resp)
	}
	return &t, nil
}

// txArgs returns the insert arguments in txColumns order.
func txArgs(t *model.Transaction) []any {
	return []any{
		t.ID, t.OrgID, string(t.EntityType), t.RecordID, t.SequenceID, t.Fingerprint,
		nullJSON(t.RequestPayload), nullJSON(t.ResponsePayload),
		t.HTTPStatus, string(t.Status), t.ExternalID, t.ErrorCode, t.ErrorCategory, t.ErrorMessage,
		t.Retryable, t.RetryCount, t.MaxRetries, t.NextRetryAt, t.LatencyMS, t.RetriedBy, t.CreatedAt,
	}
}

// transactionFilterQuery builds the ListTransactions query. ph renders the
// driver's placeholder for the n-th argument.
func transactionFilterQuery(filter TransactionFilter, ph func(n int) string) (string, []any) {
	query := `SELECT ` + txColumns + ` FROM evv_transactions WHERE 1 = 1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += ` AND ` + clause + ` ` + ph(len(args))
	}

	if filter.OrgID != "" {
		add("org_id =", filter.OrgID)
	}
	if filter.EntityType != "" {
		add("entity_type =", string(filter.EntityType))
	}
	if filter.RecordID != "" {
		add("record_id =", filter.RecordID)
	}
	if filter.Status != "" {
		add("status =", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("created_at >=", filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT ` + ph(len(args))
	return query, args
}

// visitUpdateSets renders the SET clauses for a status update. updated_at is
// always touched.
func visitUpdateSets(u model.VisitStatusUpdate, ph func(n int) string) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.RejectionReason != nil {
		add("rejection_reason", *u.RejectionReason)
	}
	if u.ValidationErrors != nil {
		data, err := json.Marshal(u.ValidationErrors)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal validation errors")
		}
		add("validation_errors", string(data))
	}
	if u.ExternalID != nil {
		add("external_id", *u.ExternalID)
	}
	if u.BillableUnits != nil {
		add("billable_units", *u.BillableUnits)
	}
	if u.AuthorizationID != nil {
		add("authorization_id", *u.AuthorizationID)
	}
	if u.ConsumedUnits != nil {
		add("consumed_units", *u.ConsumedUnits)
	}
	if u.NeedsSubmission != nil {
		add("needs_submission", *u.NeedsSubmission)
	}
	if u.RetryAfter != nil {
		if u.RetryAfter.IsZero() {
			add("retry_after", nil)
		} else {
			add("retry_after", u.RetryAfter.UTC())
		}
	}
	add("updated_at", time.Now().UTC())
	return sets, args, nil
}

// reopenVisitsSQL flags the open visits referencing a changed row, so the
// next backlog pass rebuilds them.
func reopenVisitsSQL(column, ph string) string {
	return `UPDATE visits SET needs_submission = TRUE WHERE ` + column + ` = ` + ph + ` AND status IN ('not_submitted', 'rejected')`
}

func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// placeholders renders n comma-separated "?" markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
