package store

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evv-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T, cipher *Cipher) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "evv.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)
	return c
}

func seedVisit(t *testing.T, s *SQLiteStore, id string, clockOut time.Time) *model.VisitRecord {
	t.Helper()
	in := clockOut.Add(-2 * time.Hour)
	v := &model.VisitRecord{
		ID:                 id,
		OrgID:              "org-1",
		ClientID:           "client-1",
		CaregiverID:        "staff-1",
		ServiceCode:        "T1019",
		PayerID:            "MCD",
		PayerProgram:       "STAR+PLUS",
		ProcedureCode:      "T1019",
		Modifiers:          []string{"U3"},
		ScheduledStart:     in,
		ScheduledEnd:       clockOut,
		ClockIn:            &in,
		ClockOut:           &clockOut,
		ClockInLocation:    &model.GeoPoint{Latitude: 30.2672, Longitude: -97.7431, AccuracyMeters: 12},
		ClockOutLocation:   &model.GeoPoint{Latitude: 30.2673, Longitude: -97.7432},
		VerificationMethod: model.VerificationGPS,
		BillableUnits:      8,
	}
	require.NoError(t, s.SaveVisit(context.Background(), v))
	return v
}

func TestSQLite_OrganizationRoundTripEncryptsPassword(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, testCipher(t))

	org := &model.Organization{
		ID: "org-1", Name: "Sunrise Home Care", ProviderID: "P100",
		AggregatorAccount: "acct", AggregatorUsername: "user", AggregatorPassword: "s3cret",
		Active: true, Settings: []byte(`{"geofence_radius_meters":300}`),
	}
	require.NoError(t, s.SaveOrganization(ctx, org))

	var raw string
	require.NoError(t, s.db.QueryRow(`SELECT aggregator_password FROM organizations WHERE id = ?`, "org-1").Scan(&raw))
	assert.True(t, strings.HasPrefix(raw, cipherPrefix))
	assert.NotContains(t, raw, "s3cret")

	got, err := s.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.AggregatorPassword)
	assert.JSONEq(t, `{"geofence_radius_meters":300}`, string(got.Settings))

	orgs, err := s.ListActiveOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, "org-1", orgs[0].ID)
}

func TestSQLite_GetOrganizationNotFound(t *testing.T) {
	s := newTestSQLiteStore(t, nil)
	_, err := s.GetOrganization(context.Background(), "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_ClientAndStaffRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, testCipher(t))

	client := &model.ClientRow{
		ID: "client-1", OrgID: "org-1", FirstName: "Ana", LastName: "Lopez",
		DateOfBirth: time.Date(1941, 3, 9, 0, 0, 0, 0, time.UTC),
		MedicaidID:  "518234567",
		Address:     model.Address{Line1: "1 Main St", City: "Austin", State: "TX", Zip: "78701"},
		Location:    &model.GeoPoint{Latitude: 30.2672, Longitude: -97.7431},
	}
	require.NoError(t, s.SaveClient(ctx, client))

	gotClient, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "518234567", gotClient.MedicaidID)
	assert.True(t, client.DateOfBirth.Equal(gotClient.DateOfBirth))
	require.NotNil(t, gotClient.Location)
	assert.InDelta(t, 30.2672, gotClient.Location.Latitude, 1e-9)

	staff := &model.StaffRow{
		ID: "staff-1", OrgID: "org-1", ExternalID: "E-7", FirstName: "Maria", LastName: "Gomez",
		DateOfBirth: time.Date(1985, 6, 1, 0, 0, 0, 0, time.UTC), SSN: "123450001", Category: "caregiver",
	}
	require.NoError(t, s.SaveStaff(ctx, staff))

	gotStaff, err := s.GetStaff(ctx, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, "123450001", gotStaff.SSN)
	assert.Equal(t, "E-7", gotStaff.ExternalID)
	assert.True(t, gotStaff.HireDate.IsZero())
}

func TestSQLite_EncryptedValueWithoutKeyFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "evv.db")

	withKey, err := NewSQLite(path, testCipher(t))
	require.NoError(t, err)
	require.NoError(t, withKey.Migrate(ctx))
	require.NoError(t, withKey.SaveStaff(ctx, &model.StaffRow{ID: "staff-1", OrgID: "org-1", SSN: "123450001"}))
	require.NoError(t, withKey.Close())

	noKey, err := NewSQLite(path, nil)
	require.NoError(t, err)
	defer noKey.Close() //nolint:errcheck

	_, err = noKey.GetStaff(ctx, "staff-1")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDecrypt))
}

func TestSQLite_VisitRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	out := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	seedVisit(t, s, "visit-1", out)

	got, err := s.GetVisit(ctx, "visit-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"U3"}, got.Modifiers)
	assert.Equal(t, model.SubmissionNotSubmitted, got.Status)
	require.NotNil(t, got.ClockOut)
	assert.True(t, out.Equal(*got.ClockOut))
	require.NotNil(t, got.ClockInLocation)
	assert.InDelta(t, 12.0, got.ClockInLocation.AccuracyMeters, 1e-9)
	assert.Nil(t, got.ValidationErrors)

	_, err = s.GetVisit(ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_SaveVisitKeepsPipelineStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	v := seedVisit(t, s, "visit-1", time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))

	accepted := model.SubmissionAccepted
	ext := "AGG-1"
	require.NoError(t, s.UpdateVisitStatus(ctx, "visit-1", model.VisitStatusUpdate{Status: &accepted, ExternalID: &ext}))

	v.ServiceCode = "S5125"
	require.NoError(t, s.SaveVisit(ctx, v))

	got, err := s.GetVisit(ctx, "visit-1")
	require.NoError(t, err)
	assert.Equal(t, "S5125", got.ServiceCode)
	assert.Equal(t, model.SubmissionAccepted, got.Status)
	assert.Equal(t, "AGG-1", got.ExternalID)
}

func TestSQLite_ListCandidateVisitsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	seedVisit(t, s, "visit-b", base)
	seedVisit(t, s, "visit-a", base)
	seedVisit(t, s, "visit-old", base.Add(-24*time.Hour))
	seedVisit(t, s, "visit-done", base.Add(-48*time.Hour))
	open := seedVisit(t, s, "visit-open", base.Add(-72*time.Hour))
	open.ClockOut = nil
	require.NoError(t, s.SaveVisit(ctx, open))

	accepted := model.SubmissionAccepted
	require.NoError(t, s.UpdateVisitStatus(ctx, "visit-done", model.VisitStatusUpdate{Status: &accepted}))

	visits, err := s.ListCandidateVisits(ctx, "org-1", base, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"visit-old", "visit-a", "visit-b"}, visitIDs(visits))

	stats, err := s.BacklogStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	require.NotNil(t, stats.Oldest)
	assert.True(t, base.Add(-24*time.Hour).Equal(*stats.Oldest))
}

func visitIDs(visits []model.VisitRecord) []string {
	var ids []string
	for _, v := range visits {
		ids = append(ids, v.ID)
	}
	return ids
}

func TestSQLite_BacklogStatsWithOpenVisits(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)

	stats, err := s.BacklogStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
	assert.Nil(t, stats.Oldest)

	out := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	seedVisit(t, s, "visit-1", out)
	seedVisit(t, s, "visit-2", out.Add(90*time.Minute+250*time.Millisecond))

	stats, err = s.BacklogStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	require.NotNil(t, stats.Oldest)
	assert.True(t, out.Equal(*stats.Oldest), "oldest %s", stats.Oldest)
}

func TestParseSQLiteTime(t *testing.T) {
	want := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2026-03-02 13:00:00 +0000 UTC",
		"2026-03-02 07:00:00 -0600 CST",
		"2026-03-02 13:00:00 +0000 UTC m=+0.000123",
		"2026-03-02 13:00:00+00:00",
		"2026-03-02T13:00:00Z",
		"2026-03-02 13:00:00",
	} {
		got, err := parseSQLiteTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
		assert.Equal(t, time.UTC, got.Location(), in)
	}

	_, err := parseSQLiteTime("yesterday")
	assert.Error(t, err)
}

func TestSQLite_CandidateVisitsSkipParkedAndHeld(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	now := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

	seedVisit(t, s, "visit-parked", now.Add(-5*time.Hour))
	seedVisit(t, s, "visit-held", now.Add(-4*time.Hour))
	seedVisit(t, s, "visit-new", now.Add(-time.Hour))

	rejected := model.SubmissionRejected
	parked := false
	require.NoError(t, s.UpdateVisitStatus(ctx, "visit-parked", model.VisitStatusUpdate{Status: &rejected, NeedsSubmission: &parked}))
	retryAt := now.Add(5 * time.Minute)
	require.NoError(t, s.UpdateVisitStatus(ctx, "visit-held", model.VisitStatusUpdate{RetryAfter: &retryAt}))

	visits, err := s.ListCandidateVisits(ctx, "org-1", now, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"visit-new"}, visitIDs(visits))

	visits, err = s.ListCandidateVisits(ctx, "org-1", retryAt, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"visit-held", "visit-new"}, visitIDs(visits))

	// The backlog still counts every open visit.
	backlog, err := s.ListBacklogVisits(ctx, "org-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"visit-parked", "visit-held", "visit-new"}, visitIDs(backlog))

	// Clearing the hold with a zero time makes the visit due again.
	var noHold time.Time
	require.NoError(t, s.UpdateVisitStatus(ctx, "visit-held", model.VisitStatusUpdate{RetryAfter: &noHold}))
	visits, err = s.ListCandidateVisits(ctx, "org-1", now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"visit-held", "visit-new"}, visitIDs(visits))
}

func TestSQLite_SavesReopenParkedVisits(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	now := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	parked := false
	park := func() {
		t.Helper()
		require.NoError(t, s.UpdateVisitStatus(ctx, "visit-1", model.VisitStatusUpdate{NeedsSubmission: &parked}))
		visits, err := s.ListCandidateVisits(ctx, "org-1", now, 0)
		require.NoError(t, err)
		require.Empty(t, visits)
	}
	due := func(msg string) {
		t.Helper()
		visits, err := s.ListCandidateVisits(ctx, "org-1", now, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"visit-1"}, visitIDs(visits), msg)
	}

	v := seedVisit(t, s, "visit-1", now.Add(-2*time.Hour))
	park()
	require.NoError(t, s.SaveVisit(ctx, v))
	due("visit saved")

	park()
	require.NoError(t, s.SaveClient(ctx, &model.ClientRow{ID: "client-1", OrgID: "org-1", FirstName: "Ana", LastName: "Lopez"}))
	due("client saved")

	park()
	require.NoError(t, s.SaveStaff(ctx, &model.StaffRow{ID: "staff-1", OrgID: "org-1", FirstName: "Jose", LastName: "Nunez"}))
	due("caregiver saved")

	park()
	require.NoError(t, s.SaveAuthorization(ctx, &model.Authorization{ID: "auth-1", OrgID: "org-1", ClientID: "client-1", PayerID: "MCD", ProcedureCode: "T1019", AuthorizedUnits: 10}))
	due("authorization saved")

	park()
	require.NoError(t, s.SaveOrganization(ctx, &model.Organization{ID: "org-1", Name: "Agency", Active: true}))
	due("organization saved")

	// Accepted visits stay closed.
	accepted := model.SubmissionAccepted
	require.NoError(t, s.UpdateVisitStatus(ctx, "visit-1", model.VisitStatusUpdate{Status: &accepted, NeedsSubmission: &parked}))
	require.NoError(t, s.SaveClient(ctx, &model.ClientRow{ID: "client-1", OrgID: "org-1", FirstName: "Ana", LastName: "Lopez"}))
	visits, err := s.ListCandidateVisits(ctx, "org-1", now, 0)
	require.NoError(t, err)
	assert.Empty(t, visits)
}

func TestSQLite_UpdateVisitStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	seedVisit(t, s, "visit-1", time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))

	rejected := model.SubmissionRejected
	reason := "E102: invalid member"
	require.NoError(t, s.UpdateVisitStatus(ctx, "visit-1", model.VisitStatusUpdate{
		Status:           &rejected,
		RejectionReason:  &reason,
		ValidationErrors: []string{"MISSING_CLOCK_IN"},
	}))

	got, err := s.GetVisit(ctx, "visit-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionRejected, got.Status)
	assert.Equal(t, reason, got.RejectionReason)
	assert.Equal(t, []string{"MISSING_CLOCK_IN"}, got.ValidationErrors)

	err = s.UpdateVisitStatus(ctx, "missing", model.VisitStatusUpdate{Status: &rejected})
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_ConsumeUnitsGuards(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	require.NoError(t, s.SaveAuthorization(ctx, &model.Authorization{
		ID: "auth-1", OrgID: "org-1", ClientID: "client-1", PayerID: "MCD", ProcedureCode: "T1019",
		Modifiers: []string{"U3"}, AuthorizedUnits: 10, UsedUnits: 6,
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}))

	ok, err := s.ConsumeUnits(ctx, "auth-1", 4, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeUnits(ctx, "auth-1", 1, false)
	require.NoError(t, err)
	assert.False(t, ok, "over-consumption refused")

	ok, err = s.ConsumeUnits(ctx, "auth-1", 1, true)
	require.NoError(t, err)
	assert.True(t, ok, "allowed when over-authorization is permitted")

	ok, err = s.ConsumeUnits(ctx, "auth-1", -20, false)
	require.NoError(t, err)
	assert.False(t, ok, "used units never go negative")

	auths, err := s.ListAuthorizations(ctx, "org-1", "client-1")
	require.NoError(t, err)
	require.Len(t, auths, 1)
	assert.Equal(t, 11, auths[0].UsedUnits)
	assert.Equal(t, []string{"U3"}, auths[0].Modifiers)
	assert.Equal(t, model.AuthorizationActive, auths[0].Status)
	assert.Equal(t, 2026, auths[0].EndDate.Year())
}

func TestSQLite_NextSequenceIsPerOrgAndEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)

	for want := int64(1); want <= 3; want++ {
		got, err := s.NextSequence(ctx, "org-1", model.EntityVisit)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.NextSequence(ctx, "org-1", model.EntityStaff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	got, err = s.NextSequence(ctx, "org-2", model.EntityVisit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestSQLite_NextSequenceConcurrentIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)

	const n = 20
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.NextSequence(ctx, "org-1", model.EntityVisit)
			assert.NoError(t, err)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestSQLite_SequenceBinding(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)

	b, err := s.GetSequenceBinding(ctx, model.EntityVisit, "visit-1")
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, s.BindSequence(ctx, model.SequenceBinding{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", Value: 4, Fingerprint: "abc", BoundAt: time.Now(),
	}))
	require.NoError(t, s.BindSequence(ctx, model.SequenceBinding{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", Value: 9, Fingerprint: "def", BoundAt: time.Now(),
	}))

	b, err = s.GetSequenceBinding(ctx, model.EntityVisit, "visit-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(9), b.Value)
	assert.Equal(t, "def", b.Fingerprint)
}

func TestSQLite_TransactionLog(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	first := &model.Transaction{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", SequenceID: 1,
		RequestPayload: []byte(`{"sequenceId":1}`), HTTPStatus: 503, Status: model.TransactionRetrying,
		ErrorCategory: "server", Retryable: true, RetryCount: 1, MaxRetries: 3, NextRetryAt: &past,
		CreatedAt: now.Add(-2 * time.Minute),
	}
	require.NoError(t, s.InsertTransaction(ctx, first, ""))
	require.NotEmpty(t, first.ID)

	retryable, err := s.ListRetryable(ctx, "org-1", now, 0)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, first.ID, retryable[0].ID)
	assert.JSONEq(t, `{"sequenceId":1}`, string(retryable[0].RequestPayload))
	assert.Nil(t, retryable[0].ResponsePayload)

	second := &model.Transaction{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", SequenceID: 1,
		HTTPStatus: 200, Status: model.TransactionSuccess, ExternalID: "AGG-1", RetryCount: 1, MaxRetries: 3,
		CreatedAt: now,
	}
	require.NoError(t, s.InsertTransaction(ctx, second, first.ID))

	third := &model.Transaction{OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", SequenceID: 1, Status: model.TransactionSuccess}
	err = s.InsertTransaction(ctx, third, first.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already retried")

	retryable, err = s.ListRetryable(ctx, "org-1", now, 0)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	latest, err := s.LatestTransaction(ctx, model.EntityVisit, "visit-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	ok, err := s.HasSuccess(ctx, model.EntityVisit, "visit-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasSuccess(ctx, model.EntityVisit, "visit-1", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	none, err := s.LatestTransaction(ctx, model.EntityStaff, "staff-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := s.ListTransactions(ctx, TransactionFilter{OrgID: "org-1", RecordID: "visit-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	successes, err := s.ListTransactions(ctx, TransactionFilter{Status: model.TransactionSuccess})
	require.NoError(t, err)
	assert.Len(t, successes, 1)
}

func TestSQLite_CountOutcomes(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	now := time.Now().UTC()

	insert := func(status model.TransactionStatus, category string, at time.Time) {
		require.NoError(t, s.InsertTransaction(ctx, &model.Transaction{
			OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-" + at.String(),
			Status: status, ErrorCategory: category, CreatedAt: at,
		}, ""))
	}
	insert(model.TransactionSuccess, "", now.Add(-time.Hour))
	insert(model.TransactionSuccess, "", now.Add(-2*time.Hour))
	insert(model.TransactionError, "rejection", now.Add(-3*time.Hour))
	insert(model.TransactionRetrying, "server", now.Add(-4*time.Hour))
	insert(model.TransactionSuccess, "", now.Add(-48*time.Hour))

	counts, err := s.CountOutcomes(ctx, "org-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCounts{Accepted: 2, Rejected: 1, Errored: 1}, counts)
}

func TestSQLite_UpsertRemediationDeduplicatesOpenTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)

	task := &model.RemediationTask{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1",
		Kind: model.RemediationValidation, Codes: []string{"MISSING_CLOCK_IN"}, Detail: "missing clock in",
	}
	created, err := s.UpsertRemediation(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, s.SetRemediationRef(ctx, task.ID, "notion-page-1"))

	again := &model.RemediationTask{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1",
		Kind: model.RemediationValidation, Codes: []string{"MISSING_CLOCK_IN", "DURATION_VARIANCE"}, Detail: "two issues",
	}
	created, err = s.UpsertRemediation(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, "notion-page-1", again.ExternalRef)

	other := &model.RemediationTask{OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", Kind: model.RemediationRejection}
	created, err = s.UpsertRemediation(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	open, err := s.ListOpenRemediations(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, []string{"MISSING_CLOCK_IN", "DURATION_VARIANCE"}, open[0].Codes)
	assert.Equal(t, "two issues", open[0].Detail)

	err = s.SetRemediationRef(ctx, "missing", "x")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_ResolveRemediations(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)

	for _, kind := range []model.RemediationKind{model.RemediationValidation, model.RemediationRejection} {
		_, err := s.UpsertRemediation(ctx, &model.RemediationTask{
			OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", Kind: kind,
		})
		require.NoError(t, err)
	}
	_, err := s.UpsertRemediation(ctx, &model.RemediationTask{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-2", Kind: model.RemediationValidation,
	})
	require.NoError(t, err)

	resolved, err := s.ResolveRemediations(ctx, model.EntityVisit, "visit-1")
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	for _, r := range resolved {
		assert.Equal(t, model.RemediationResolved, r.Status)
	}

	open, err := s.ListOpenRemediations(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "visit-2", open[0].RecordID)

	resolved, err = s.ResolveRemediations(ctx, model.EntityVisit, "visit-1")
	require.NoError(t, err)
	assert.Empty(t, resolved)

	// A resolved task does not block a new one for the same failure.
	created, err := s.UpsertRemediation(ctx, &model.RemediationTask{
		OrgID: "org-1", EntityType: model.EntityVisit, RecordID: "visit-1", Kind: model.RemediationRejection,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSQLite_WithOrgLockRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		acquired, err := s.WithOrgLock(ctx, "org-1", func(_ context.Context) error {
			close(held)
			<-release
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, acquired)
	}()
	<-held

	acquired, err := s.WithOrgLock(ctx, "org-1", func(_ context.Context) error {
		t.Error("second run must not start while the first holds the lock")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)

	acquired, err = s.WithOrgLock(ctx, "org-2", func(_ context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "other orgs are independent")

	close(release)
	<-done

	acquired, err = s.WithOrgLock(ctx, "org-1", func(_ context.Context) error { return eris.New("boom") })
	assert.True(t, acquired)
	assert.EqualError(t, err, "boom")
}

func TestSQLite_Ping(t *testing.T) {
	s := newTestSQLiteStore(t, nil)
	assert.NoError(t, s.Ping(context.Background()))
}
