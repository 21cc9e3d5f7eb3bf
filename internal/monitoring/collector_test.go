package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/store"
)

type mockStore struct {
	orgs    []model.Organization
	stats   map[string]store.BacklogStats
	counts  map[string]store.OutcomeCounts
	since   time.Time
	statErr error
}

func (m *mockStore) ListActiveOrganizations(context.Context) ([]model.Organization, error) {
	return m.orgs, nil
}

func (m *mockStore) BacklogStats(_ context.Context, orgID string) (store.BacklogStats, error) {
	return m.stats[orgID], m.statErr
}

func (m *mockStore) CountOutcomes(_ context.Context, orgID string, since time.Time) (store.OutcomeCounts, error) {
	m.since = since
	return m.counts[orgID], nil
}

var collectNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestCollector(m *mockStore) *Collector {
	c := NewCollector(m)
	c.now = func() time.Time { return collectNow }
	return c
}

func TestCollect(t *testing.T) {
	oldest := collectNow.Add(-30 * time.Hour)
	m := &mockStore{
		stats:  map[string]store.BacklogStats{"org-1": {Count: 7, Oldest: &oldest}},
		counts: map[string]store.OutcomeCounts{"org-1": {Accepted: 18, Rejected: 2, Errored: 3}},
	}

	snap, err := newTestCollector(m).Collect(context.Background(), "org-1", 48)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.BacklogCount)
	assert.InDelta(t, 30.0, snap.OldestAgeHours, 0.001)
	assert.InDelta(t, 0.9, snap.ComplianceRate, 0.0001)
	assert.Equal(t, 3, snap.Errored)
	assert.Equal(t, collectNow.Add(-48*time.Hour), m.since)
}

func TestCollect_EmptyWindow(t *testing.T) {
	m := &mockStore{}
	snap, err := newTestCollector(m).Collect(context.Background(), "org-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, 1.0, snap.ComplianceRate)
	assert.Nil(t, snap.OldestUnsubmitted)
}

func TestCollect_StoreError(t *testing.T) {
	m := &mockStore{statErr: assert.AnError}
	_, err := newTestCollector(m).Collect(context.Background(), "org-1", 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: backlog stats org-1")
}

func TestCollectAll(t *testing.T) {
	m := &mockStore{
		orgs: []model.Organization{{ID: "org-1", Name: "Sunrise"}, {ID: "org-2", Name: "Lakeside"}},
		counts: map[string]store.OutcomeCounts{
			"org-1": {Accepted: 10},
			"org-2": {Accepted: 5, Rejected: 5},
		},
	}
	snaps, err := newTestCollector(m).CollectAll(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "Sunrise", snaps[0].OrgName)
	assert.Equal(t, 0.5, snaps[1].ComplianceRate)
}

func TestChecker_Check(t *testing.T) {
	m := &mockStore{
		orgs: []model.Organization{{ID: "org-1"}, {ID: "org-2"}},
		counts: map[string]store.OutcomeCounts{
			"org-1": {Accepted: 10},
			"org-2": {Accepted: 5, Rejected: 5},
		},
	}
	p := &mockPublisher{}
	p.On("Publish", "evv.alert.compliance_rate", mock.Anything).Return(nil).Once()

	cfg := config.MonitoringConfig{ComplianceThreshold: 0.9, LookbackWindowHours: 24}
	alerts := NewChecker(newTestCollector(m), NewAlerter(cfg, WithPublisher(p)), cfg).Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, "org-2", alerts[0].OrgID)
	p.AssertExpectations(t)
}
