package backlog

import (
	"time"
)

// result is the fate of one candidate visit in a run.
type result int

const (
	resultSubmitted result = iota // accepted or acknowledged by the aggregator
	resultRejected
	resultErrored
	resultBlocked   // routed to remediation instead of submitted
	resultDeferred  // a retry is scheduled but not yet due
	resultUnchanged // already accepted, or awaiting correction after a terminal failure
)

// OrgReport is the outcome of one organization's run.
type OrgReport struct {
	OrgID   string `json:"org_id"`
	OrgName string `json:"org_name,omitempty"`
	// Skipped is true when another run held the organization's lock.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`

	Candidates int `json:"candidates"`
	Submitted  int `json:"submitted"`
	Rejected   int `json:"rejected"`
	Errored    int `json:"errored"`
	Blocked    int `json:"blocked"`
	Deferred   int `json:"deferred"`
	Unchanged  int `json:"unchanged"`

	BacklogCount   int     `json:"backlog_count"`
	OldestAgeHours float64 `json:"oldest_age_hours"`
	// Escalated is true when the oldest unsubmitted visit exceeded the
	// backlog threshold and an escalation alert was raised.
	Escalated bool `json:"escalated,omitempty"`

	Duration time.Duration `json:"duration"`
}

func (r *OrgReport) add(res result) {
	switch res {
	case resultSubmitted:
		r.Submitted++
	case resultRejected:
		r.Rejected++
	case resultErrored:
		r.Errored++
	case resultBlocked:
		r.Blocked++
	case resultDeferred:
		r.Deferred++
	case resultUnchanged:
		r.Unchanged++
	}
}

// RunReport aggregates a job run across organizations.
type RunReport struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Orgs       []OrgReport `json:"orgs"`
}

// Totals sums the per-organization counts.
func (r *RunReport) Totals() OrgReport {
	var t OrgReport
	for _, o := range r.Orgs {
		t.Candidates += o.Candidates
		t.Submitted += o.Submitted
		t.Rejected += o.Rejected
		t.Errored += o.Errored
		t.Blocked += o.Blocked
		t.Deferred += o.Deferred
		t.Unchanged += o.Unchanged
		t.BacklogCount += o.BacklogCount
		if o.OldestAgeHours > t.OldestAgeHours {
			t.OldestAgeHours = o.OldestAgeHours
		}
		if o.Escalated {
			t.Escalated = true
		}
	}
	t.Duration = r.FinishedAt.Sub(r.StartedAt)
	return t
}
