package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evv-cli/internal/model"
)

// ErrNotFound is returned by Get methods when the row does not exist.
var ErrNotFound = eris.New("store: not found")

// TransactionFilter specifies criteria for listing transactions.
type TransactionFilter struct {
	OrgID      string                  `json:"org_id,omitempty"`
	EntityType model.EntityType        `json:"entity_type,omitempty"`
	RecordID   string                  `json:"record_id,omitempty"`
	Status     model.TransactionStatus `json:"status,omitempty"`
	Since      time.Time               `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// BacklogStats summarizes an organization's unsubmitted completed visits.
type BacklogStats struct {
	Count int
	// Oldest is the clock-out time of the oldest unsubmitted visit; nil when
	// the backlog is empty.
	Oldest *time.Time
}

// OutcomeCounts are visit submission outcomes over a window.
type OutcomeCounts struct {
	Accepted int
	Rejected int
	Errored  int
}

// Store defines the persistence interface for the EVV pipeline.
type Store interface {
	// Organizations
	SaveOrganization(ctx context.Context, org *model.Organization) error
	GetOrganization(ctx context.Context, orgID string) (*model.Organization, error)
	ListActiveOrganizations(ctx context.Context) ([]model.Organization, error)

	// People. Get methods return decrypted identifiers.
	SaveClient(ctx context.Context, c *model.ClientRow) error
	GetClient(ctx context.Context, clientID string) (*model.ClientRow, error)
	SaveStaff(ctx context.Context, s *model.StaffRow) error
	GetStaff(ctx context.Context, staffID string) (*model.StaffRow, error)

	// Visits
	SaveVisit(ctx context.Context, v *model.VisitRecord) error
	GetVisit(ctx context.Context, visitID string) (*model.VisitRecord, error)
	// ListCandidateVisits returns completed open visits that are due for a
	// submission pass at now, oldest clock-out first.
	ListCandidateVisits(ctx context.Context, orgID string, now time.Time, limit int) ([]model.VisitRecord, error)
	// ListBacklogVisits returns every open visit with a clock-out, parked or not.
	ListBacklogVisits(ctx context.Context, orgID string, limit int) ([]model.VisitRecord, error)
	UpdateVisitStatus(ctx context.Context, visitID string, u model.VisitStatusUpdate) error
	BacklogStats(ctx context.Context, orgID string) (BacklogStats, error)

	// Authorizations
	SaveAuthorization(ctx context.Context, a *model.Authorization) error
	ListAuthorizations(ctx context.Context, orgID, clientID string) ([]model.Authorization, error)
	ConsumeUnits(ctx context.Context, authorizationID string, delta int, allowOver bool) (bool, error)

	// Sequences
	NextSequence(ctx context.Context, orgID string, entity model.EntityType) (int64, error)
	GetSequenceBinding(ctx context.Context, entity model.EntityType, recordID string) (*model.SequenceBinding, error)
	BindSequence(ctx context.Context, b model.SequenceBinding) error

	// Transaction log
	InsertTransaction(ctx context.Context, tx *model.Transaction, supersedes string) error
	LatestTransaction(ctx context.Context, entity model.EntityType, recordID string) (*model.Transaction, error)
	HasSuccess(ctx context.Context, entity model.EntityType, recordID string, sequenceID int64) (bool, error)
	ListRetryable(ctx context.Context, orgID string, now time.Time, limit int) ([]model.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)
	CountOutcomes(ctx context.Context, orgID string, since time.Time) (OutcomeCounts, error)

	// Remediation
	UpsertRemediation(ctx context.Context, task *model.RemediationTask) (created bool, err error)
	SetRemediationRef(ctx context.Context, taskID, ref string) error
	ListOpenRemediations(ctx context.Context, orgID string) ([]model.RemediationTask, error)
	// ResolveRemediations closes every open task for the record and returns
	// the tasks it closed.
	ResolveRemediations(ctx context.Context, entity model.EntityType, recordID string) ([]model.RemediationTask, error)

	// WithOrgLock runs fn while holding the organization's run lock. If the
	// lock is held elsewhere fn is skipped and acquired is false.
	WithOrgLock(ctx context.Context, orgID string, fn func(ctx context.Context) error) (acquired bool, err error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
