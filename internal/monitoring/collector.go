// Package monitoring raises pipeline alerts and computes per-organization
// EVV compliance snapshots.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/store"
)

// ComplianceSnapshot is a point-in-time view of one organization's EVV
// health.
type ComplianceSnapshot struct {
	OrgID   string `json:"org_id"`
	OrgName string `json:"org_name,omitempty"`

	BacklogCount      int        `json:"backlog_count"`
	OldestUnsubmitted *time.Time `json:"oldest_unsubmitted,omitempty"`
	OldestAgeHours    float64    `json:"oldest_age_hours"`

	// Visit submission outcomes within the lookback window.
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Errored  int `json:"errored"`
	// ComplianceRate is accepted / (accepted + rejected); 1 when nothing
	// finished in the window.
	ComplianceRate float64 `json:"compliance_rate"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SnapshotStore is the persistence the collector reads.
type SnapshotStore interface {
	ListActiveOrganizations(ctx context.Context) ([]model.Organization, error)
	BacklogStats(ctx context.Context, orgID string) (store.BacklogStats, error)
	CountOutcomes(ctx context.Context, orgID string, since time.Time) (store.OutcomeCounts, error)
}

// Collector gathers compliance snapshots from the store.
type Collector struct {
	store SnapshotStore
	now   func() time.Time
}

// NewCollector creates a compliance collector.
func NewCollector(st SnapshotStore) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect builds the snapshot for one organization over the lookback window.
func (c *Collector) Collect(ctx context.Context, orgID string, lookbackHours int) (*ComplianceSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &ComplianceSnapshot{
		OrgID:          orgID,
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
		ComplianceRate: 1,
	}

	stats, err := c.store.BacklogStats(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: backlog stats %s", orgID)
	}
	snap.BacklogCount = stats.Count
	if stats.Oldest != nil {
		oldest := stats.Oldest.UTC()
		snap.OldestUnsubmitted = &oldest
		snap.OldestAgeHours = now.Sub(oldest).Hours()
	}

	counts, err := c.store.CountOutcomes(ctx, orgID, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: count outcomes %s", orgID)
	}
	snap.Accepted = counts.Accepted
	snap.Rejected = counts.Rejected
	snap.Errored = counts.Errored
	if finished := counts.Accepted + counts.Rejected; finished > 0 {
		snap.ComplianceRate = float64(counts.Accepted) / float64(finished)
	}
	return snap, nil
}

// CollectAll builds snapshots for every active organization.
func (c *Collector) CollectAll(ctx context.Context, lookbackHours int) ([]ComplianceSnapshot, error) {
	orgs, err := c.store.ListActiveOrganizations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list organizations")
	}
	snaps := make([]ComplianceSnapshot, 0, len(orgs))
	for _, org := range orgs {
		snap, err := c.Collect(ctx, org.ID, lookbackHours)
		if err != nil {
			return nil, err
		}
		snap.OrgName = org.Name
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}
