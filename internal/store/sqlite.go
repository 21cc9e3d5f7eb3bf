package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/evv-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// local development and single-process deployments.
type SQLiteStore struct {
	db     *sql.DB
	cipher *Cipher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, cipher *Cipher) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; sequence counters and unit balances rely on serialized writes.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, cipher: cipher, locks: make(map[string]*sync.Mutex)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	provider_id         TEXT NOT NULL DEFAULT '',
	aggregator_account  TEXT NOT NULL DEFAULT '',
	aggregator_username TEXT NOT NULL DEFAULT '',
	aggregator_password TEXT NOT NULL DEFAULT '',
	active              BOOLEAN NOT NULL DEFAULT 1,
	settings            TEXT NOT NULL DEFAULT '{}',
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS clients (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL REFERENCES organizations(id),
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	date_of_birth DATE,
	medicaid_id   TEXT NOT NULL DEFAULT '',
	address_line1 TEXT NOT NULL DEFAULT '',
	address_line2 TEXT NOT NULL DEFAULT '',
	city          TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT '',
	zip           TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	phone_type    TEXT NOT NULL DEFAULT '',
	timezone      TEXT NOT NULL DEFAULT '',
	location_lat  REAL,
	location_lon  REAL,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS staff_profiles (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL REFERENCES organizations(id),
	external_id   TEXT NOT NULL DEFAULT '',
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	date_of_birth DATE,
	ssn           TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	phone_type    TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	address_line1 TEXT NOT NULL DEFAULT '',
	address_line2 TEXT NOT NULL DEFAULT '',
	city          TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT '',
	zip           TEXT NOT NULL DEFAULT '',
	hire_date     DATE,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS visits (
	id                  TEXT PRIMARY KEY,
	org_id              TEXT NOT NULL REFERENCES organizations(id),
	client_id           TEXT NOT NULL REFERENCES clients(id),
	caregiver_id        TEXT NOT NULL REFERENCES staff_profiles(id),
	service_code        TEXT NOT NULL DEFAULT '',
	payer_id            TEXT NOT NULL DEFAULT '',
	payer_program       TEXT NOT NULL DEFAULT '',
	procedure_code      TEXT NOT NULL DEFAULT '',
	modifiers           TEXT NOT NULL DEFAULT '[]',
	scheduled_start     DATETIME NOT NULL,
	scheduled_end       DATETIME NOT NULL,
	clock_in            DATETIME,
	clock_out           DATETIME,
	clock_in_lat        REAL,
	clock_in_lon        REAL,
	clock_in_accuracy   REAL,
	clock_out_lat       REAL,
	clock_out_lon       REAL,
	clock_out_accuracy  REAL,
	verification_method TEXT NOT NULL DEFAULT '',
	billable_units      INTEGER NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'not_submitted',
	rejection_reason    TEXT NOT NULL DEFAULT '',
	validation_errors   TEXT NOT NULL DEFAULT '[]',
	external_id         TEXT NOT NULL DEFAULT '',
	authorization_id    TEXT NOT NULL DEFAULT '',
	consumed_units      INTEGER NOT NULL DEFAULT 0,
	needs_submission    BOOLEAN NOT NULL DEFAULT 1,
	retry_after         DATETIME,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_visits_org_status ON visits(org_id, status, clock_out);
CREATE INDEX IF NOT EXISTS idx_visits_candidates ON visits(org_id, needs_submission, clock_out);

CREATE TABLE IF NOT EXISTS authorizations (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL REFERENCES organizations(id),
	client_id        TEXT NOT NULL REFERENCES clients(id),
	payer_id         TEXT NOT NULL,
	payer_program    TEXT NOT NULL DEFAULT '',
	procedure_code   TEXT NOT NULL,
	modifiers        TEXT NOT NULL DEFAULT '[]',
	authorized_units INTEGER NOT NULL,
	used_units       INTEGER NOT NULL DEFAULT 0 CHECK (used_units >= 0),
	start_date       DATE,
	end_date         DATE,
	status           TEXT NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_authorizations_client ON authorizations(org_id, client_id);

CREATE TABLE IF NOT EXISTS sequence_counters (
	org_id      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	value       INTEGER NOT NULL,
	PRIMARY KEY (org_id, entity_type)
);

CREATE TABLE IF NOT EXISTS sequence_bindings (
	entity_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	org_id      TEXT NOT NULL,
	value       INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	bound_at    DATETIME NOT NULL,
	PRIMARY KEY (entity_type, record_id)
);

CREATE TABLE IF NOT EXISTS evv_transactions (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	record_id        TEXT NOT NULL,
	sequence_id      INTEGER NOT NULL,
	fingerprint      TEXT NOT NULL DEFAULT '',
	request_payload  TEXT,
	response_payload TEXT,
	http_status      INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	external_id      TEXT NOT NULL DEFAULT '',
	error_code       TEXT NOT NULL DEFAULT '',
	error_category   TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	retryable        BOOLEAN NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 0,
	next_retry_at    DATETIME,
	latency_ms       INTEGER NOT NULL DEFAULT 0,
	retried_by       TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evv_tx_record ON evv_transactions(entity_type, record_id, created_at);
CREATE INDEX IF NOT EXISTS idx_evv_tx_retry ON evv_transactions(org_id, next_retry_at);

CREATE TABLE IF NOT EXISTS remediation_tasks (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	record_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	codes        TEXT NOT NULL DEFAULT '[]',
	detail       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'open',
	external_ref TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_remediation_open ON remediation_tasks(entity_type, record_id, kind) WHERE status = 'open';
`

const (
	clientColumnsSQLite = `id, org_id, first_name, last_name, date_of_birth, medicaid_id, address_line1, address_line2, city, state, zip, phone, phone_type, timezone, location_lat, location_lon`

	visitColumnsSQLite = `id, org_id, client_id, caregiver_id, service_code, payer_id, payer_program, procedure_code, modifiers, scheduled_start, scheduled_end, clock_in, clock_out, clock_in_lat, clock_in_lon, clock_in_accuracy, clock_out_lat, clock_out_lon, clock_out_accuracy, verification_method, billable_units, status, rejection_reason, validation_errors, external_id, authorization_id, consumed_units, created_at, updated_at`
)

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Organizations ---

func (s *SQLiteStore) SaveOrganization(ctx context.Context, org *model.Organization) error {
	password, err := s.cipher.Encrypt(org.AggregatorPassword)
	if err != nil {
		return eris.Wrap(err, "sqlite: encrypt aggregator password")
	}
	settings := string(org.Settings)
	if settings == "" {
		settings = "{}"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, provider_id, aggregator_account, aggregator_username, aggregator_password, active, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, provider_id = excluded.provider_id,
			aggregator_account = excluded.aggregator_account, aggregator_username = excluded.aggregator_username,
			aggregator_password = excluded.aggregator_password, active = excluded.active,
			settings = excluded.settings, updated_at = excluded.updated_at`,
		org.ID, org.Name, org.ProviderID, org.AggregatorAccount, org.AggregatorUsername, password, org.Active, settings, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save organization %s", org.ID)
	}
	return s.reopenVisits(ctx, "org_id", org.ID)
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, orgID string) (*model.Organization, error) {
	org, err := s.scanOrganization(s.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = ?`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: organization %s", orgID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get organization %s", orgID)
	}
	return org, nil
}

func (s *SQLiteStore) ListActiveOrganizations(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE active ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list organizations")
	}
	defer rows.Close() //nolint:errcheck

	var orgs []model.Organization
	for rows.Next() {
		org, err := s.scanOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization")
		}
		orgs = append(orgs, *org)
	}
	return orgs, eris.Wrap(rows.Err(), "sqlite: list organizations iterate")
}

func (s *SQLiteStore) scanOrganization(row scannable) (*model.Organization, error) {
	var o model.Organization
	var password, settings string
	if err := row.Scan(&o.ID, &o.Name, &o.ProviderID, &o.AggregatorAccount, &o.AggregatorUsername, &password, &o.Active, &settings); err != nil {
		return nil, err
	}
	plain, err := s.cipher.Decrypt(password)
	if err != nil {
		return nil, eris.Wrapf(err, "organization %s password", o.ID)
	}
	o.AggregatorPassword = plain
	o.Settings = []byte(settings)
	return &o, nil
}

// --- People ---

func (s *SQLiteStore) SaveClient(ctx context.Context, c *model.ClientRow) error {
	medicaid, err := s.cipher.Encrypt(c.MedicaidID)
	if err != nil {
		return eris.Wrap(err, "sqlite: encrypt medicaid id")
	}
	lat, lon, _ := pointColumns(c.Location)
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO clients (`+clientColumnsSQLite+`, updated_at) VALUES (`+placeholders(17)+`)`,
		c.ID, c.OrgID, c.FirstName, c.LastName, nullDate(c.DateOfBirth), medicaid,
		c.Address.Line1, c.Address.Line2, c.Address.City, c.Address.State, c.Address.Zip,
		c.Phone, string(c.PhoneType), c.Timezone, lat, lon, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save client %s", c.ID)
	}
	return s.reopenVisits(ctx, "client_id", c.ID)
}

func (s *SQLiteStore) GetClient(ctx context.Context, clientID string) (*model.ClientRow, error) {
	var c model.ClientRow
	var dob *time.Time
	var medicaid string
	var lat, lon *float64
	err := s.db.QueryRowContext(ctx, `SELECT `+clientColumnsSQLite+` FROM clients WHERE id = ?`, clientID).Scan(
		&c.ID, &c.OrgID, &c.FirstName, &c.LastName, &dob, &medicaid,
		&c.Address.Line1, &c.Address.Line2, &c.Address.City, &c.Address.State, &c.Address.Zip,
		&c.Phone, &c.PhoneType, &c.Timezone, &lat, &lon,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: client %s", clientID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get client %s", clientID)
	}
	c.DateOfBirth = derefTime(dob)
	if c.MedicaidID, err = s.cipher.Decrypt(medicaid); err != nil {
		return nil, eris.Wrapf(err, "sqlite: client %s medicaid id", clientID)
	}
	c.Location = pointFromColumns(lat, lon, nil)
	return &c, nil
}

func (s *SQLiteStore) SaveStaff(ctx context.Context, st *model.StaffRow) error {
	ssn, err := s.cipher.Encrypt(st.SSN)
	if err != nil {
		return eris.Wrap(err, "sqlite: encrypt ssn")
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO staff_profiles (`+staffColumns+`) VALUES (`+placeholders(18)+`)`,
		st.ID, st.OrgID, st.ExternalID, st.FirstName, st.LastName, nullDate(st.DateOfBirth), ssn,
		st.Email, st.Phone, string(st.PhoneType), st.Category,
		st.Address.Line1, st.Address.Line2, st.Address.City, st.Address.State, st.Address.Zip,
		nullDate(st.HireDate), updated.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save staff %s", st.ID)
	}
	return s.reopenVisits(ctx, "caregiver_id", st.ID)
}

func (s *SQLiteStore) GetStaff(ctx context.Context, staffID string) (*model.StaffRow, error) {
	var st model.StaffRow
	var dob, hire *time.Time
	var ssn string
	err := s.db.QueryRowContext(ctx, `SELECT `+staffColumns+` FROM staff_profiles WHERE id = ?`, staffID).Scan(
		&st.ID, &st.OrgID, &st.ExternalID, &st.FirstName, &st.LastName, &dob, &ssn,
		&st.Email, &st.Phone, &st.PhoneType, &st.Category,
		&st.Address.Line1, &st.Address.Line2, &st.Address.City, &st.Address.State, &st.Address.Zip,
		&hire, &st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: staff %s", staffID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get staff %s", staffID)
	}
	st.DateOfBirth = derefTime(dob)
	st.HireDate = derefTime(hire)
	if st.SSN, err = s.cipher.Decrypt(ssn); err != nil {
		return nil, eris.Wrapf(err, "sqlite: staff %s ssn", staffID)
	}
	return &st, nil
}

// --- Visits ---

func (s *SQLiteStore) SaveVisit(ctx context.Context, v *model.VisitRecord) error {
	modifiers, err := json.Marshal(nonNil(v.Modifiers))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal modifiers")
	}
	validationErrors, err := json.Marshal(nonNil(v.ValidationErrors))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation errors")
	}
	status := v.Status
	if status == "" {
		status = model.SubmissionNotSubmitted
	}
	now := time.Now().UTC()
	created := v.CreatedAt
	if created.IsZero() {
		created = now
	}
	inLat, inLon, inAcc := pointColumns(v.ClockInLocation)
	outLat, outLon, outAcc := pointColumns(v.ClockOutLocation)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO visits (`+visitColumnsSQLite+`) VALUES (`+placeholders(29)+`)
		ON CONFLICT (id) DO UPDATE SET service_code = excluded.service_code, payer_id = excluded.payer_id,
			payer_program = excluded.payer_program, procedure_code = excluded.procedure_code, modifiers = excluded.modifiers,
			scheduled_start = excluded.scheduled_start, scheduled_end = excluded.scheduled_end,
			clock_in = excluded.clock_in, clock_out = excluded.clock_out,
			clock_in_lat = excluded.clock_in_lat, clock_in_lon = excluded.clock_in_lon, clock_in_accuracy = excluded.clock_in_accuracy,
			clock_out_lat = excluded.clock_out_lat, clock_out_lon = excluded.clock_out_lon, clock_out_accuracy = excluded.clock_out_accuracy,
			verification_method = excluded.verification_method, needs_submission = TRUE, updated_at = excluded.updated_at`,
		v.ID, v.OrgID, v.ClientID, v.CaregiverID, v.ServiceCode, v.PayerID, v.PayerProgram, v.ProcedureCode, string(modifiers),
		v.ScheduledStart.UTC(), v.ScheduledEnd.UTC(), utcPtr(v.ClockIn), utcPtr(v.ClockOut),
		inLat, inLon, inAcc, outLat, outLon, outAcc,
		string(v.VerificationMethod), v.BillableUnits, string(status), v.RejectionReason, string(validationErrors),
		v.ExternalID, v.AuthorizationID, v.ConsumedUnits, created.UTC(), now,
	)
	return eris.Wrapf(err, "sqlite: save visit %s", v.ID)
}

func (s *SQLiteStore) GetVisit(ctx context.Context, visitID string) (*model.VisitRecord, error) {
	v, err := scanVisitSQLite(s.db.QueryRowContext(ctx, `SELECT `+visitColumnsSQLite+` FROM visits WHERE id = ?`, visitID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: visit %s", visitID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get visit %s", visitID)
	}
	return v, nil
}

func (s *SQLiteStore) ListCandidateVisits(ctx context.Context, orgID string, now time.Time, limit int) ([]model.VisitRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+visitColumnsSQLite+` FROM visits
		WHERE org_id = ? AND status IN ('not_submitted', 'rejected') AND clock_in IS NOT NULL AND clock_out IS NOT NULL
			AND needs_submission AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY clock_out ASC, id ASC LIMIT ?`,
		orgID, now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list candidate visits %s", orgID)
	}
	return collectSQLiteVisits(rows, "list candidate visits")
}

func (s *SQLiteStore) ListBacklogVisits(ctx context.Context, orgID string, limit int) ([]model.VisitRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+visitColumnsSQLite+` FROM visits
		WHERE org_id = ? AND status IN ('not_submitted', 'rejected') AND clock_out IS NOT NULL
		ORDER BY clock_out ASC, id ASC LIMIT ?`,
		orgID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list backlog visits %s", orgID)
	}
	return collectSQLiteVisits(rows, "list backlog visits")
}

// reopenVisits marks the open visits whose column references a changed row
// as due for another submission pass.
func (s *SQLiteStore) reopenVisits(ctx context.Context, column, id string) error {
	_, err := s.db.ExecContext(ctx, reopenVisitsSQL(column, "?"), id)
	return eris.Wrapf(err, "sqlite: reopen visits for %s %s", column, id)
}

func collectSQLiteVisits(rows *sql.Rows, op string) ([]model.VisitRecord, error) {
	defer rows.Close() //nolint:errcheck

	var visits []model.VisitRecord
	for rows.Next() {
		v, err := scanVisitSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan visit")
		}
		visits = append(visits, *v)
	}
	return visits, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func scanVisitSQLite(row scannable) (*model.VisitRecord, error) {
	var v model.VisitRecord
	var modifiers, validationErrors string
	var inLat, inLon, inAcc, outLat, outLon, outAcc *float64
	err := row.Scan(
		&v.ID, &v.OrgID, &v.ClientID, &v.CaregiverID, &v.ServiceCode, &v.PayerID, &v.PayerProgram, &v.ProcedureCode, &modifiers,
		&v.ScheduledStart, &v.ScheduledEnd, &v.ClockIn, &v.ClockOut,
		&inLat, &inLon, &inAcc, &outLat, &outLon, &outAcc,
		&v.VerificationMethod, &v.BillableUnits, &v.Status, &v.RejectionReason, &validationErrors,
		&v.ExternalID, &v.AuthorizationID, &v.ConsumedUnits, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(modifiers), &v.Modifiers); err != nil {
		return nil, eris.Wrap(err, "unmarshal modifiers")
	}
	if err := json.Unmarshal([]byte(validationErrors), &v.ValidationErrors); err != nil {
		return nil, eris.Wrap(err, "unmarshal validation errors")
	}
	if len(v.Modifiers) == 0 {
		v.Modifiers = nil
	}
	if len(v.ValidationErrors) == 0 {
		v.ValidationErrors = nil
	}
	v.ClockInLocation = pointFromColumns(inLat, inLon, inAcc)
	v.ClockOutLocation = pointFromColumns(outLat, outLon, outAcc)
	return &v, nil
}

func (s *SQLiteStore) UpdateVisitStatus(ctx context.Context, visitID string, u model.VisitStatusUpdate) error {
	sets, args, err := visitUpdateSets(u, func(int) string { return "?" })
	if err != nil {
		return eris.Wrap(err, "sqlite: build visit update")
	}
	args = append(args, visitID)
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update visit status %s", visitID)
	}
	return checkRowsAffected(res, "visit", visitID)
}

func (s *SQLiteStore) BacklogStats(ctx context.Context, orgID string) (BacklogStats, error) {
	var st BacklogStats
	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(clock_out) FROM visits WHERE org_id = ? AND status IN ('not_submitted', 'rejected') AND clock_out IS NOT NULL`,
		orgID,
	).Scan(&st.Count, &oldest)
	if err != nil {
		return st, eris.Wrapf(err, "sqlite: backlog stats %s", orgID)
	}
	// Aggregates lose the column's declared type, so MIN comes back as text.
	if oldest.Valid {
		t, err := parseSQLiteTime(oldest.String)
		if err != nil {
			return st, eris.Wrapf(err, "sqlite: parse oldest clock_out %q", oldest.String)
		}
		st.Oldest = &t
	}
	return st, nil
}

// --- Authorizations ---

func (s *SQLiteStore) SaveAuthorization(ctx context.Context, a *model.Authorization) error {
	modifiers, err := json.Marshal(nonNil(a.Modifiers))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal modifiers")
	}
	status := a.Status
	if status == "" {
		status = model.AuthorizationActive
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO authorizations (`+authColumns+`) VALUES (`+placeholders(12)+`)`,
		a.ID, a.OrgID, a.ClientID, a.PayerID, a.PayerProgram, a.ProcedureCode, string(modifiers),
		a.AuthorizedUnits, a.UsedUnits, nullDate(a.StartDate), nullDate(a.EndDate), string(status),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save authorization %s", a.ID)
	}
	return s.reopenVisits(ctx, "client_id", a.ClientID)
}

func (s *SQLiteStore) ListAuthorizations(ctx context.Context, orgID, clientID string) ([]model.Authorization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+authColumns+` FROM authorizations WHERE org_id = ? AND client_id = ? ORDER BY id`,
		orgID, clientID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list authorizations %s", clientID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Authorization
	for rows.Next() {
		var a model.Authorization
		var modifiers string
		var start, end *time.Time
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ClientID, &a.PayerID, &a.PayerProgram, &a.ProcedureCode, &modifiers,
			&a.AuthorizedUnits, &a.UsedUnits, &start, &end, &a.Status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan authorization")
		}
		if err := json.Unmarshal([]byte(modifiers), &a.Modifiers); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal modifiers")
		}
		if len(a.Modifiers) == 0 {
			a.Modifiers = nil
		}
		a.StartDate = derefTime(start)
		a.EndDate = derefTime(end)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list authorizations iterate")
}

func (s *SQLiteStore) ConsumeUnits(ctx context.Context, authorizationID string, delta int, allowOver bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE authorizations SET used_units = used_units + ?1
		WHERE id = ?2 AND used_units + ?1 >= 0 AND (?3 OR used_units + ?1 <= authorized_units)`,
		delta, authorizationID, allowOver,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: consume units %s", authorizationID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: consume units rows affected")
	}
	return n == 1, nil
}

// --- Sequences ---

func (s *SQLiteStore) NextSequence(ctx context.Context, orgID string, entity model.EntityType) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequence_counters (org_id, entity_type, value) VALUES (?, ?, 1)
		ON CONFLICT (org_id, entity_type) DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value`,
		orgID, string(entity),
	).Scan(&value)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: next sequence %s/%s", orgID, entity)
	}
	return value, nil
}

func (s *SQLiteStore) GetSequenceBinding(ctx context.Context, entity model.EntityType, recordID string) (*model.SequenceBinding, error) {
	var b model.SequenceBinding
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, entity_type, record_id, value, fingerprint, bound_at FROM sequence_bindings WHERE entity_type = ? AND record_id = ?`,
		string(entity), recordID,
	).Scan(&b.OrgID, &b.EntityType, &b.RecordID, &b.Value, &b.Fingerprint, &b.BoundAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sequence binding %s/%s", entity, recordID)
	}
	return &b, nil
}

func (s *SQLiteStore) BindSequence(ctx context.Context, b model.SequenceBinding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sequence_bindings (entity_type, record_id, org_id, value, fingerprint, bound_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, record_id) DO UPDATE SET value = excluded.value, fingerprint = excluded.fingerprint, bound_at = excluded.bound_at`,
		string(b.EntityType), b.RecordID, b.OrgID, b.Value, b.Fingerprint, b.BoundAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: bind sequence %s/%s", b.EntityType, b.RecordID)
}

// --- Transaction log ---

func (s *SQLiteStore) InsertTransaction(ctx context.Context, t *model.Transaction, supersedes string) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.NextRetryAt = utcPtr(t.NextRetryAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if supersedes != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE evv_transactions SET retried_by = ? WHERE id = ? AND retried_by = ''`,
			t.ID, supersedes,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark transaction %s retried", supersedes)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Errorf("sqlite: transaction %s already retried", supersedes)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evv_transactions (`+txColumns+`) VALUES (`+placeholders(21)+`)`,
		txArgs(t)...,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert transaction %s", t.RecordID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit insert transaction")
}

func (s *SQLiteStore) LatestTransaction(ctx context.Context, entity model.EntityType, recordID string) (*model.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM evv_transactions WHERE entity_type = ? AND record_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		string(entity), recordID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest transaction %s/%s", entity, recordID)
	}
	return t, nil
}

func (s *SQLiteStore) HasSuccess(ctx context.Context, entity model.EntityType, recordID string, sequenceID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM evv_transactions WHERE entity_type = ? AND record_id = ? AND sequence_id = ? AND status = 'success')`,
		string(entity), recordID, sequenceID,
	).Scan(&ok)
	return ok, eris.Wrapf(err, "sqlite: has success %s/%s", entity, recordID)
}

func (s *SQLiteStore) ListRetryable(ctx context.Context, orgID string, now time.Time, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM evv_transactions
		WHERE org_id = ? AND status IN ('error', 'retrying') AND retryable AND retried_by = ''
			AND retry_count < max_retries AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at ASC LIMIT ?`,
		orgID, now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retryable")
	}
	return collectSQLiteTransactions(rows, "sqlite: list retryable")
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error) {
	if !filter.Since.IsZero() {
		filter.Since = filter.Since.UTC()
	}
	query, args := transactionFilterQuery(filter, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transactions")
	}
	return collectSQLiteTransactions(rows, "sqlite: list transactions")
}

func (s *SQLiteStore) CountOutcomes(ctx context.Context, orgID string, since time.Time) (OutcomeCounts, error) {
	var c OutcomeCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status <> 'success' AND error_category = 'rejection' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status <> 'success' AND error_category <> 'rejection' THEN 1 ELSE 0 END), 0)
		FROM evv_transactions WHERE org_id = ? AND entity_type = 'visit' AND created_at >= ?`,
		orgID, since.UTC(),
	).Scan(&c.Accepted, &c.Rejected, &c.Errored)
	return c, eris.Wrapf(err, "sqlite: count outcomes %s", orgID)
}

// --- Remediation ---

func (s *SQLiteStore) UpsertRemediation(ctx context.Context, task *model.RemediationTask) (bool, error) {
	codes, err := json.Marshal(nonNil(task.Codes))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal remediation codes")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin upsert remediation")
	}
	defer tx.Rollback() //nolint:errcheck

	var id, ref string
	err = tx.QueryRowContext(ctx,
		`SELECT id, external_ref FROM remediation_tasks WHERE entity_type = ? AND record_id = ? AND kind = ? AND status = 'open'`,
		string(task.EntityType), task.RecordID, string(task.Kind),
	).Scan(&id, &ref)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if task.ID == "" {
			task.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO remediation_tasks (id, org_id, entity_type, record_id, kind, codes, detail, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?, ?)`,
			task.ID, task.OrgID, string(task.EntityType), task.RecordID, string(task.Kind), string(codes), task.Detail, now, now,
		); err != nil {
			return false, eris.Wrapf(err, "sqlite: insert remediation %s/%s", task.RecordID, task.Kind)
		}
		task.CreatedAt = now
		created = true
	case err != nil:
		return false, eris.Wrapf(err, "sqlite: find remediation %s/%s", task.RecordID, task.Kind)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE remediation_tasks SET codes = ?, detail = ?, updated_at = ? WHERE id = ?`,
			string(codes), task.Detail, now, id,
		); err != nil {
			return false, eris.Wrapf(err, "sqlite: update remediation %s", id)
		}
		task.ID = id
		task.ExternalRef = ref
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit upsert remediation")
	}
	task.Status = model.RemediationOpen
	task.UpdatedAt = now
	return created, nil
}

func (s *SQLiteStore) SetRemediationRef(ctx context.Context, taskID, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE remediation_tasks SET external_ref = ?, updated_at = ? WHERE id = ?`,
		ref, time.Now().UTC(), taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set remediation ref %s", taskID)
	}
	return checkRowsAffected(res, "remediation", taskID)
}

func (s *SQLiteStore) ListOpenRemediations(ctx context.Context, orgID string) ([]model.RemediationTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+remediationColumns+` FROM remediation_tasks WHERE org_id = ? AND status = 'open' ORDER BY created_at, rowid`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list remediations")
	}
	return collectSQLiteRemediations(rows, "list remediations")
}

func (s *SQLiteStore) ResolveRemediations(ctx context.Context, entity model.EntityType, recordID string) ([]model.RemediationTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE remediation_tasks SET status = 'resolved', updated_at = ?
		WHERE entity_type = ? AND record_id = ? AND status = 'open'
		RETURNING `+remediationColumns,
		time.Now().UTC(), entity, recordID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: resolve remediations")
	}
	return collectSQLiteRemediations(rows, "resolve remediations")
}

func collectSQLiteRemediations(rows *sql.Rows, op string) ([]model.RemediationTask, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.RemediationTask
	for rows.Next() {
		var r model.RemediationTask
		var codes string
		if err := rows.Scan(&r.ID, &r.OrgID, &r.EntityType, &r.RecordID, &r.Kind, &codes, &r.Detail, &r.Status, &r.ExternalRef, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan remediation")
		}
		if err := json.Unmarshal([]byte(codes), &r.Codes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal remediation codes")
		}
		out = append(out, r)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// --- Locking ---

// WithOrgLock uses an in-process mutex per organization. SQLite databases are
// not shared between job processes.
func (s *SQLiteStore) WithOrgLock(ctx context.Context, orgID string, fn func(ctx context.Context) error) (bool, error) {
	s.locksMu.Lock()
	mu, ok := s.locks[orgID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[orgID] = mu
	}
	s.locksMu.Unlock()

	if !mu.TryLock() {
		return false, nil
	}
	defer mu.Unlock()
	return true, fn(ctx)
}

func collectSQLiteTransactions(rows *sql.Rows, op string) ([]model.Transaction, error) {
	defer rows.Close() //nolint:errcheck
	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, op+": scan")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), op+" iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func pointColumns(p *model.GeoPoint) (lat, lon, acc *float64) {
	if p == nil {
		return nil, nil, nil
	}
	la, lo, a := p.Latitude, p.Longitude, p.AccuracyMeters
	return &la, &lo, &a
}

func pointFromColumns(lat, lon, acc *float64) *model.GeoPoint {
	if lat == nil || lon == nil {
		return nil
	}
	p := &model.GeoPoint{Latitude: *lat, Longitude: *lon}
	if acc != nil {
		p.AccuracyMeters = *acc
	}
	return p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// parseSQLiteTime parses the text forms modernc.org/sqlite writes for time.Time.
// The default form is time.Time.String, which may carry a monotonic suffix.
func parseSQLiteTime(s string) (time.Time, error) {
	if i := strings.Index(s, " m="); i >= 0 {
		s = s[:i]
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized time %q", s)
}
