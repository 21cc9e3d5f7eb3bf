// Package report exports an organization's transaction log, backlog and
// open remediation tasks as an XLSX workbook.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/monitoring"
	"github.com/sells-group/evv-cli/internal/store"
)

// Sheet names.
const (
	SheetSummary      = "Summary"
	SheetTransactions = "Transactions"
	SheetBacklog      = "Backlog"
	SheetRemediation  = "Remediation"
)

const timeLayout = "2006-01-02 15:04:05"

// Source is the persistence a report reads.
type Source interface {
	ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error)
	ListBacklogVisits(ctx context.Context, orgID string, limit int) ([]model.VisitRecord, error)
	ListOpenRemediations(ctx context.Context, orgID string) ([]model.RemediationTask, error)
}

// Options bounds what a report includes.
type Options struct {
	// Since limits transactions to those created at or after it.
	Since time.Time
	// Limit caps the transaction and backlog rows. Zero means 5000.
	Limit int
	// LookbackHours is the compliance snapshot window.
	LookbackHours int
}

// Report is the data behind one workbook.
type Report struct {
	OrgID        string
	GeneratedAt  time.Time
	Snapshot     *monitoring.ComplianceSnapshot
	Transactions []model.Transaction
	Backlog      []model.VisitRecord
	Remediations []model.RemediationTask
}

// Collect loads the report data for orgID.
func Collect(ctx context.Context, src Source, collector *monitoring.Collector, orgID string, opts Options) (*Report, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5000
	}

	snap, err := collector.Collect(ctx, orgID, opts.LookbackHours)
	if err != nil {
		return nil, eris.Wrap(err, "report: compliance snapshot")
	}
	txs, err := src.ListTransactions(ctx, store.TransactionFilter{OrgID: orgID, Since: opts.Since, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "report: transactions")
	}
	backlog, err := src.ListBacklogVisits(ctx, orgID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "report: backlog")
	}
	tasks, err := src.ListOpenRemediations(ctx, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "report: remediation tasks")
	}

	return &Report{
		OrgID:        orgID,
		GeneratedAt:  snap.CollectedAt,
		Snapshot:     snap,
		Transactions: txs,
		Backlog:      backlog,
		Remediations: tasks,
	}, nil
}

// Workbook renders the report.
func (r *Report) Workbook() (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return nil, eris.Wrap(err, "report: add summary sheet")
	}
	r.writeSummary(summary)

	txSheet, err := f.AddSheet(SheetTransactions)
	if err != nil {
		return nil, eris.Wrap(err, "report: add transactions sheet")
	}
	addHeader(txSheet, "Created", "Entity", "Record", "Sequence ID", "Status", "HTTP", "Error Code", "Category", "Message", "Retry", "Next Retry", "External ID", "Latency ms")
	for _, tx := range r.Transactions {
		row := txSheet.AddRow()
		addString(row, tx.CreatedAt.UTC().Format(timeLayout))
		addString(row, string(tx.EntityType))
		addString(row, tx.RecordID)
		row.AddCell().SetInt64(tx.SequenceID)
		addString(row, string(tx.Status))
		row.AddCell().SetInt(tx.HTTPStatus)
		addString(row, tx.ErrorCode)
		addString(row, tx.ErrorCategory)
		addString(row, tx.ErrorMessage)
		addString(row, fmt.Sprintf("%d/%d", tx.RetryCount, tx.MaxRetries))
		addString(row, formatTime(tx.NextRetryAt))
		addString(row, tx.ExternalID)
		row.AddCell().SetInt64(tx.LatencyMS)
	}

	backlog, err := f.AddSheet(SheetBacklog)
	if err != nil {
		return nil, eris.Wrap(err, "report: add backlog sheet")
	}
	addHeader(backlog, "Visit", "Client", "Caregiver", "Service", "Clock Out", "Age Hours", "Status", "Validation Errors", "Rejection Reason")
	for _, v := range r.Backlog {
		row := backlog.AddRow()
		addString(row, v.ID)
		addString(row, v.ClientID)
		addString(row, v.CaregiverID)
		addString(row, v.ServiceCode)
		addString(row, formatTime(v.ClockOut))
		age := 0.0
		if v.ClockOut != nil {
			age = r.GeneratedAt.Sub(*v.ClockOut).Hours()
		}
		row.AddCell().SetFloatWithFormat(age, "0.0")
		addString(row, string(v.Status))
		addString(row, strings.Join(v.ValidationErrors, ", "))
		addString(row, v.RejectionReason)
	}

	rem, err := f.AddSheet(SheetRemediation)
	if err != nil {
		return nil, eris.Wrap(err, "report: add remediation sheet")
	}
	addHeader(rem, "Opened", "Entity", "Record", "Kind", "Codes", "Detail", "Board")
	for _, t := range r.Remediations {
		row := rem.AddRow()
		addString(row, t.CreatedAt.UTC().Format(timeLayout))
		addString(row, string(t.EntityType))
		addString(row, t.RecordID)
		addString(row, string(t.Kind))
		addString(row, strings.Join(t.Codes, ", "))
		addString(row, t.Detail)
		addString(row, t.ExternalRef)
	}

	return f, nil
}

func (r *Report) writeSummary(sheet *xlsx.Sheet) {
	pair := func(label string, set func(c *xlsx.Cell)) {
		row := sheet.AddRow()
		addString(row, label)
		set(row.AddCell())
	}
	str := func(s string) func(*xlsx.Cell) { return func(c *xlsx.Cell) { c.SetString(s) } }
	num := func(n int) func(*xlsx.Cell) { return func(c *xlsx.Cell) { c.SetInt(n) } }

	pair("Organization", str(r.OrgID))
	pair("Generated", str(r.GeneratedAt.UTC().Format(timeLayout)))
	if s := r.Snapshot; s != nil {
		pair("Backlog", num(s.BacklogCount))
		pair("Oldest Unsubmitted", str(formatTime(s.OldestUnsubmitted)))
		pair("Oldest Age Hours", func(c *xlsx.Cell) { c.SetFloatWithFormat(s.OldestAgeHours, "0.0") })
		pair(fmt.Sprintf("Accepted (%dh)", s.LookbackHours), num(s.Accepted))
		pair(fmt.Sprintf("Rejected (%dh)", s.LookbackHours), num(s.Rejected))
		pair(fmt.Sprintf("Errored (%dh)", s.LookbackHours), num(s.Errored))
		pair("Compliance Rate", func(c *xlsx.Cell) { c.SetFloatWithFormat(s.ComplianceRate, "0.0%") })
	}
	pair("Open Remediation Tasks", num(len(r.Remediations)))
}

// Save writes the workbook to path.
func (r *Report) Save(path string) error {
	f, err := r.Workbook()
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

// Write streams the workbook to w.
func (r *Report) Write(w io.Writer) error {
	f, err := r.Workbook()
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "report: write workbook")
}

func addHeader(sheet *xlsx.Sheet, names ...string) {
	row := sheet.AddRow()
	for _, n := range names {
		cell := row.AddCell()
		cell.SetString(n)
		style := xlsx.NewStyle()
		style.Font.Bold = true
		style.ApplyFont = true
		cell.SetStyle(style)
	}
}

func addString(row *xlsx.Row, s string) {
	row.AddCell().SetString(s)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
