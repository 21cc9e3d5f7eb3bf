package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/db"
	"github.com/sells-group/evv-cli/internal/model"
)

// PostgresStore implements Store using pgxpool and PostGIS.
type PostgresStore struct {
	pool    db.Pool
	cipher  *Cipher
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, cipher *Cipher) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, cipher: cipher, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS organizations (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	provider_id         TEXT NOT NULL DEFAULT '',
	aggregator_account  TEXT NOT NULL DEFAULT '',
	aggregator_username TEXT NOT NULL DEFAULT '',
	aggregator_password TEXT NOT NULL DEFAULT '',
	active              BOOLEAN NOT NULL DEFAULT true,
	settings            JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
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
	location      geometry(Point, 4326),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
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
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
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
	modifiers           TEXT[] NOT NULL DEFAULT '{}',
	scheduled_start     TIMESTAMPTZ NOT NULL,
	scheduled_end       TIMESTAMPTZ NOT NULL,
	clock_in            TIMESTAMPTZ,
	clock_out           TIMESTAMPTZ,
	clock_in_geom       geometry(Point, 4326),
	clock_in_accuracy   DOUBLE PRECISION,
	clock_out_geom      geometry(Point, 4326),
	clock_out_accuracy  DOUBLE PRECISION,
	verification_method TEXT NOT NULL DEFAULT '',
	billable_units      INTEGER NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'not_submitted',
	rejection_reason    TEXT NOT NULL DEFAULT '',
	validation_errors   JSONB NOT NULL DEFAULT '[]'::jsonb,
	external_id         TEXT NOT NULL DEFAULT '',
	authorization_id    TEXT NOT NULL DEFAULT '',
	consumed_units      INTEGER NOT NULL DEFAULT 0,
	needs_submission    BOOLEAN NOT NULL DEFAULT true,
	retry_after         TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE visits ADD COLUMN IF NOT EXISTS needs_submission BOOLEAN NOT NULL DEFAULT true;
ALTER TABLE visits ADD COLUMN IF NOT EXISTS retry_after TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_visits_org_status ON visits(org_id, status, clock_out);
CREATE INDEX IF NOT EXISTS idx_visits_candidates ON visits(org_id, clock_out) WHERE needs_submission;

CREATE TABLE IF NOT EXISTS authorizations (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL REFERENCES organizations(id),
	client_id        TEXT NOT NULL REFERENCES clients(id),
	payer_id         TEXT NOT NULL,
	payer_program    TEXT NOT NULL DEFAULT '',
	procedure_code   TEXT NOT NULL,
	modifiers        TEXT[] NOT NULL DEFAULT '{}',
	authorized_units INTEGER NOT NULL,
	used_units       INTEGER NOT NULL DEFAULT 0 CHECK (used_units >= 0),
	start_date       DATE,
	end_date         DATE,
	status           TEXT NOT NULL DEFAULT 'active',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_authorizations_client ON authorizations(org_id, client_id);

CREATE TABLE IF NOT EXISTS sequence_counters (
	org_id      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	value       BIGINT NOT NULL,
	PRIMARY KEY (org_id, entity_type)
);

CREATE TABLE IF NOT EXISTS sequence_bindings (
	entity_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	org_id      TEXT NOT NULL,
	value       BIGINT NOT NULL,
	fingerprint TEXT NOT NULL,
	bound_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, record_id)
);

CREATE TABLE IF NOT EXISTS evv_transactions (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	record_id        TEXT NOT NULL,
	sequence_id      BIGINT NOT NULL,
	fingerprint      TEXT NOT NULL DEFAULT '',
	request_payload  JSONB,
	response_payload JSONB,
	http_status      INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	external_id      TEXT NOT NULL DEFAULT '',
	error_code       TEXT NOT NULL DEFAULT '',
	error_category   TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	retryable        BOOLEAN NOT NULL DEFAULT false,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 0,
	next_retry_at    TIMESTAMPTZ,
	latency_ms       BIGINT NOT NULL DEFAULT 0,
	retried_by       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_evv_tx_record ON evv_transactions(entity_type, record_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_evv_tx_retry ON evv_transactions(org_id, next_retry_at) WHERE retried_by = '' AND status IN ('error', 'retrying');
CREATE INDEX IF NOT EXISTS idx_evv_tx_org_created ON evv_transactions(org_id, created_at);

CREATE TABLE IF NOT EXISTS remediation_tasks (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	record_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	codes        JSONB NOT NULL DEFAULT '[]'::jsonb,
	detail       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'open',
	external_ref TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_remediation_open ON remediation_tasks(entity_type, record_id, kind) WHERE status = 'open';
`

const (
	orgColumns = `id, name, provider_id, aggregator_account, aggregator_username, aggregator_password, active, settings`

	clientColumnsPG = `id, org_id, first_name, last_name, date_of_birth, medicaid_id, address_line1, address_line2, city, state, zip, phone, phone_type, timezone, ST_AsEWKB(location)`

	staffColumns = `id, org_id, external_id, first_name, last_name, date_of_birth, ssn, email, phone, phone_type, category, address_line1, address_line2, city, state, zip, hire_date, updated_at`

	visitColumnsPG = `id, org_id, client_id, caregiver_id, service_code, payer_id, payer_program, procedure_code, modifiers, scheduled_start, scheduled_end, clock_in, clock_out, ST_AsEWKB(clock_in_geom), clock_in_accuracy, ST_AsEWKB(clock_out_geom), clock_out_accuracy, verification_method, billable_units, status, rejection_reason, validation_errors, external_id, authorization_id, consumed_units, created_at, updated_at`

	authColumns = `id, org_id, client_id, payer_id, payer_program, procedure_code, modifiers, authorized_units, used_units, start_date, end_date, status`

	txColumns = `id, org_id, entity_type, record_id, sequence_id, fingerprint, request_payload, response_payload, http_status, status, external_id, error_code, error_category, error_message, retryable, retry_count, max_retries, next_retry_at, latency_ms, retried_by, created_at`

	remediationColumns = `id, org_id, entity_type, record_id, kind, codes, detail, status, external_ref, created_at, updated_at`
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Organizations ---

func (s *PostgresStore) SaveOrganization(ctx context.Context, org *model.Organization) error {
	password, err := s.cipher.Encrypt(org.AggregatorPassword)
	if err != nil {
		return eris.Wrap(err, "postgres: encrypt aggregator password")
	}
	settings := org.Settings
	if len(settings) == 0 {
		settings = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, provider_id, aggregator_account, aggregator_username, aggregator_password, active, settings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, provider_id = EXCLUDED.provider_id,
			aggregator_account = EXCLUDED.aggregator_account, aggregator_username = EXCLUDED.aggregator_username,
			aggregator_password = EXCLUDED.aggregator_password, active = EXCLUDED.active,
			settings = EXCLUDED.settings, updated_at = now()`,
		org.ID, org.Name, org.ProviderID, org.AggregatorAccount, org.AggregatorUsername, password, org.Active, settings,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save organization %s", org.ID)
	}
	return s.reopenVisits(ctx, "org_id", org.ID)
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (*model.Organization, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, orgID)
	org, err := s.scanOrganization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: organization %s", orgID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get organization %s", orgID)
	}
	return org, nil
}

func (s *PostgresStore) ListActiveOrganizations(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orgColumns+` FROM organizations WHERE active ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organizations")
	}
	defer rows.Close()

	var orgs []model.Organization
	for rows.Next() {
		org, err := s.scanOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization")
		}
		orgs = append(orgs, *org)
	}
	return orgs, eris.Wrap(rows.Err(), "postgres: list organizations iterate")
}

func (s *PostgresStore) scanOrganization(row pgx.Row) (*model.Organization, error) {
	var o model.Organization
	var password string
	if err := row.Scan(&o.ID, &o.Name, &o.ProviderID, &o.AggregatorAccount, &o.AggregatorUsername, &password, &o.Active, &o.Settings); err != nil {
		return nil, err
	}
	plain, err := s.cipher.Decrypt(password)
	if err != nil {
		return nil, eris.Wrapf(err, "organization %s password", o.ID)
	}
	o.AggregatorPassword = plain
	return &o, nil
}

// --- People ---

func (s *PostgresStore) SaveClient(ctx context.Context, c *model.ClientRow) error {
	medicaid, err := s.cipher.Encrypt(c.MedicaidID)
	if err != nil {
		return eris.Wrap(err, "postgres: encrypt medicaid id")
	}
	loc, err := encodePoint(c.Location)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO clients (id, org_id, first_name, last_name, date_of_birth, medicaid_id, address_line1, address_line2, city, state, zip, phone, phone_type, timezone, location, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, ST_GeomFromEWKB($15), now())
		ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			date_of_birth = EXCLUDED.date_of_birth, medicaid_id = EXCLUDED.medicaid_id,
			address_line1 = EXCLUDED.address_line1, address_line2 = EXCLUDED.address_line2, city = EXCLUDED.city,
			state = EXCLUDED.state, zip = EXCLUDED.zip, phone = EXCLUDED.phone, phone_type = EXCLUDED.phone_type,
			timezone = EXCLUDED.timezone, location = EXCLUDED.location, updated_at = now()`,
		c.ID, c.OrgID, c.FirstName, c.LastName, nullDate(c.DateOfBirth), medicaid,
		c.Address.Line1, c.Address.Line2, c.Address.City, c.Address.State, c.Address.Zip,
		c.Phone, string(c.PhoneType), c.Timezone, loc,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save client %s", c.ID)
	}
	return s.reopenVisits(ctx, "client_id", c.ID)
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*model.ClientRow, error) {
	var c model.ClientRow
	var dob *time.Time
	var medicaid string
	var loc []byte
	err := s.pool.QueryRow(ctx, `SELECT `+clientColumnsPG+` FROM clients WHERE id = $1`, clientID).Scan(
		&c.ID, &c.OrgID, &c.FirstName, &c.LastName, &dob, &medicaid,
		&c.Address.Line1, &c.Address.Line2, &c.Address.City, &c.Address.State, &c.Address.Zip,
		&c.Phone, &c.PhoneType, &c.Timezone, &loc,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: client %s", clientID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get client %s", clientID)
	}
	c.DateOfBirth = derefTime(dob)
	if c.MedicaidID, err = s.cipher.Decrypt(medicaid); err != nil {
		return nil, eris.Wrapf(err, "postgres: client %s medicaid id", clientID)
	}
	if c.Location, err = decodePoint(loc, nil); err != nil {
		return nil, eris.Wrapf(err, "postgres: client %s location", clientID)
	}
	return &c, nil
}

func (s *PostgresStore) SaveStaff(ctx context.Context, st *model.StaffRow) error {
	ssn, err := s.cipher.Encrypt(st.SSN)
	if err != nil {
		return eris.Wrap(err, "postgres: encrypt ssn")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO staff_profiles (id, org_id, external_id, first_name, last_name, date_of_birth, ssn, email, phone, phone_type, category, address_line1, address_line2, city, state, zip, hire_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
		ON CONFLICT (id) DO UPDATE SET external_id = EXCLUDED.external_id, first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name, date_of_birth = EXCLUDED.date_of_birth, ssn = EXCLUDED.ssn,
			email = EXCLUDED.email, phone = EXCLUDED.phone, phone_type = EXCLUDED.phone_type, category = EXCLUDED.category,
			address_line1 = EXCLUDED.address_line1, address_line2 = EXCLUDED.address_line2, city = EXCLUDED.city,
			state = EXCLUDED.state, zip = EXCLUDED.zip, hire_date = EXCLUDED.hire_date, updated_at = now()`,
		st.ID, st.OrgID, st.ExternalID, st.FirstName, st.LastName, nullDate(st.DateOfBirth), ssn,
		st.Email, st.Phone, string(st.PhoneType), st.Category,
		st.Address.Line1, st.Address.Line2, st.Address.City, st.Address.State, st.Address.Zip,
		nullDate(st.HireDate),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save staff %s", st.ID)
	}
	return s.reopenVisits(ctx, "caregiver_id", st.ID)
}

func (s *PostgresStore) GetStaff(ctx context.Context, staffID string) (*model.StaffRow, error) {
	var st model.StaffRow
	var dob, hire *time.Time
	var ssn string
	err := s.pool.QueryRow(ctx, `SELECT `+staffColumns+` FROM staff_profiles WHERE id = $1`, staffID).Scan(
		&st.ID, &st.OrgID, &st.ExternalID, &st.FirstName, &st.LastName, &dob, &ssn,
		&st.Email, &st.Phone, &st.PhoneType, &st.Category,
		&st.Address.Line1, &st.Address.Line2, &st.Address.City, &st.Address.State, &st.Address.Zip,
		&hire, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: staff %s", staffID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get staff %s", staffID)
	}
	st.DateOfBirth = derefTime(dob)
	st.HireDate = derefTime(hire)
	if st.SSN, err = s.cipher.Decrypt(ssn); err != nil {
		return nil, eris.Wrapf(err, "postgres: staff %s ssn", staffID)
	}
	return &st, nil
}

// --- Visits ---

func (s *PostgresStore) SaveVisit(ctx context.Context, v *model.VisitRecord) error {
	inGeom, err := encodePoint(v.ClockInLocation)
	if err != nil {
		return err
	}
	outGeom, err := encodePoint(v.ClockOutLocation)
	if err != nil {
		return err
	}
	validationErrors, err := json.Marshal(nonNil(v.ValidationErrors))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation errors")
	}
	status := v.Status
	if status == "" {
		status = model.SubmissionNotSubmitted
	}
	modifiers := nonNil(v.Modifiers)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO visits (id, org_id, client_id, caregiver_id, service_code, payer_id, payer_program, procedure_code, modifiers,
			scheduled_start, scheduled_end, clock_in, clock_out, clock_in_geom, clock_in_accuracy, clock_out_geom, clock_out_accuracy,
			verification_method, billable_units, status, rejection_reason, validation_errors, external_id, authorization_id, consumed_units, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, ST_GeomFromEWKB($14), $15, ST_GeomFromEWKB($16), $17,
			$18, $19, $20, $21, $22, $23, $24, $25, now())
		ON CONFLICT (id) DO UPDATE SET service_code = EXCLUDED.service_code, payer_id = EXCLUDED.payer_id,
			payer_program = EXCLUDED.payer_program, procedure_code = EXCLUDED.procedure_code, modifiers = EXCLUDED.modifiers,
			scheduled_start = EXCLUDED.scheduled_start, scheduled_end = EXCLUDED.scheduled_end,
			clock_in = EXCLUDED.clock_in, clock_out = EXCLUDED.clock_out,
			clock_in_geom = EXCLUDED.clock_in_geom, clock_in_accuracy = EXCLUDED.clock_in_accuracy,
			clock_out_geom = EXCLUDED.clock_out_geom, clock_out_accuracy = EXCLUDED.clock_out_accuracy,
			verification_method = EXCLUDED.verification_method, needs_submission = true, updated_at = now()`,
		v.ID, v.OrgID, v.ClientID, v.CaregiverID, v.ServiceCode, v.PayerID, v.PayerProgram, v.ProcedureCode, modifiers,
		v.ScheduledStart, v.ScheduledEnd, v.ClockIn, v.ClockOut, inGeom, pointAccuracy(v.ClockInLocation), outGeom, pointAccuracy(v.ClockOutLocation),
		string(v.VerificationMethod), v.BillableUnits, string(status), v.RejectionReason, validationErrors, v.ExternalID, v.AuthorizationID, v.ConsumedUnits,
	)
	return eris.Wrapf(err, "postgres: save visit %s", v.ID)
}

func (s *PostgresStore) GetVisit(ctx context.Context, visitID string) (*model.VisitRecord, error) {
	v, err := scanVisitPG(s.pool.QueryRow(ctx, `SELECT `+visitColumnsPG+` FROM visits WHERE id = $1`, visitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: visit %s", visitID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get visit %s", visitID)
	}
	return v, nil
}

func (s *PostgresStore) ListCandidateVisits(ctx context.Context, orgID string, now time.Time, limit int) ([]model.VisitRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+visitColumnsPG+` FROM visits
		WHERE org_id = $1 AND status IN ('not_submitted', 'rejected') AND clock_in IS NOT NULL AND clock_out IS NOT NULL
			AND needs_submission AND (retry_after IS NULL OR retry_after <= $2)
		ORDER BY clock_out ASC, id ASC LIMIT $3`,
		orgID, now, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list candidate visits %s", orgID)
	}
	return collectVisits(rows, "list candidate visits")
}

func (s *PostgresStore) ListBacklogVisits(ctx context.Context, orgID string, limit int) ([]model.VisitRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+visitColumnsPG+` FROM visits
		WHERE org_id = $1 AND status IN ('not_submitted', 'rejected') AND clock_out IS NOT NULL
		ORDER BY clock_out ASC, id ASC LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list backlog visits %s", orgID)
	}
	return collectVisits(rows, "list backlog visits")
}

// reopenVisits marks the open visits whose column references a changed row
// as due for another submission pass.
func (s *PostgresStore) reopenVisits(ctx context.Context, column, id string) error {
	_, err := s.pool.Exec(ctx, reopenVisitsSQL(column, "$1"), id)
	return eris.Wrapf(err, "postgres: reopen visits for %s %s", column, id)
}

func collectVisits(rows pgx.Rows, op string) ([]model.VisitRecord, error) {
	defer rows.Close()

	var visits []model.VisitRecord
	for rows.Next() {
		v, err := scanVisitPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan visit")
		}
		visits = append(visits, *v)
	}
	return visits, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func scanVisitPG(row pgx.Row) (*model.VisitRecord, error) {
	var v model.VisitRecord
	var inGeom, outGeom, validationErrors []byte
	var inAcc, outAcc *float64
	err := row.Scan(
		&v.ID, &v.OrgID, &v.ClientID, &v.CaregiverID, &v.ServiceCode, &v.PayerID, &v.PayerProgram, &v.ProcedureCode, &v.Modifiers,
		&v.ScheduledStart, &v.ScheduledEnd, &v.ClockIn, &v.ClockOut, &inGeom, &inAcc, &outGeom, &outAcc,
		&v.VerificationMethod, &v.BillableUnits, &v.Status, &v.RejectionReason, &validationErrors,
		&v.ExternalID, &v.AuthorizationID, &v.ConsumedUnits, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if v.ClockInLocation, err = decodePoint(inGeom, inAcc); err != nil {
		return nil, err
	}
	if v.ClockOutLocation, err = decodePoint(outGeom, outAcc); err != nil {
		return nil, err
	}
	if len(validationErrors) > 0 {
		if err := json.Unmarshal(validationErrors, &v.ValidationErrors); err != nil {
			return nil, eris.Wrap(err, "unmarshal validation errors")
		}
	}
	return &v, nil
}

func (s *PostgresStore) UpdateVisitStatus(ctx context.Context, visitID string, u model.VisitStatusUpdate) error {
	sets, args, err := visitUpdateSets(u, func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return eris.Wrap(err, "postgres: build visit update")
	}
	args = append(args, visitID)
	query := fmt.Sprintf(`UPDATE visits SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update visit status %s", visitID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: visit %s", visitID)
	}
	return nil
}

func (s *PostgresStore) BacklogStats(ctx context.Context, orgID string) (BacklogStats, error) {
	var st BacklogStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(clock_out) FROM visits WHERE org_id = $1 AND status IN ('not_submitted', 'rejected') AND clock_out IS NOT NULL`,
		orgID,
	).Scan(&st.Count, &st.Oldest)
	return st, eris.Wrapf(err, "postgres: backlog stats %s", orgID)
}

// --- Authorizations ---

func (s *PostgresStore) SaveAuthorization(ctx context.Context, a *model.Authorization) error {
	status := a.Status
	if status == "" {
		status = model.AuthorizationActive
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO authorizations (`+authColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (id) DO UPDATE SET payer_id = EXCLUDED.payer_id, payer_program = EXCLUDED.payer_program,
			procedure_code = EXCLUDED.procedure_code, modifiers = EXCLUDED.modifiers,
			authorized_units = EXCLUDED.authorized_units, used_units = EXCLUDED.used_units,
			start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date, status = EXCLUDED.status, updated_at = now()`,
		a.ID, a.OrgID, a.ClientID, a.PayerID, a.PayerProgram, a.ProcedureCode, nonNil(a.Modifiers),
		a.AuthorizedUnits, a.UsedUnits, nullDate(a.StartDate), nullDate(a.EndDate), string(status),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save authorization %s", a.ID)
	}
	return s.reopenVisits(ctx, "client_id", a.ClientID)
}

func (s *PostgresStore) ListAuthorizations(ctx context.Context, orgID, clientID string) ([]model.Authorization, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+authColumns+` FROM authorizations WHERE org_id = $1 AND client_id = $2 ORDER BY id`,
		orgID, clientID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list authorizations %s", clientID)
	}
	defer rows.Close()

	var out []model.Authorization
	for rows.Next() {
		var a model.Authorization
		var start, end *time.Time
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ClientID, &a.PayerID, &a.PayerProgram, &a.ProcedureCode, &a.Modifiers,
			&a.AuthorizedUnits, &a.UsedUnits, &start, &end, &a.Status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan authorization")
		}
		a.StartDate = derefTime(start)
		a.EndDate = derefTime(end)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list authorizations iterate")
}

// ConsumeUnits adjusts used_units by delta in a single statement so
// concurrent jobs serialize on the row lock. The update is refused (false)
// when it would drop used units below zero, or exceed the authorized units
// unless allowOver is set.
func (s *PostgresStore) ConsumeUnits(ctx context.Context, authorizationID string, delta int, allowOver bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE authorizations SET used_units = used_units + $1, updated_at = now()
		WHERE id = $2 AND used_units + $1 >= 0 AND ($3::boolean OR used_units + $1 <= authorized_units)`,
		delta, authorizationID, allowOver,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: consume units %s", authorizationID)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Sequences ---

func (s *PostgresStore) NextSequence(ctx context.Context, orgID string, entity model.EntityType) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sequence_counters (org_id, entity_type, value) VALUES ($1, $2, 1)
		ON CONFLICT (org_id, entity_type) DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value`,
		orgID, string(entity),
	).Scan(&value)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: next sequence %s/%s", orgID, entity)
	}
	return value, nil
}

func (s *PostgresStore) GetSequenceBinding(ctx context.Context, entity model.EntityType, recordID string) (*model.SequenceBinding, error) {
	var b model.SequenceBinding
	err := s.pool.QueryRow(ctx,
		`SELECT org_id, entity_type, record_id, value, fingerprint, bound_at FROM sequence_bindings WHERE entity_type = $1 AND record_id = $2`,
		string(entity), recordID,
	).Scan(&b.OrgID, &b.EntityType, &b.RecordID, &b.Value, &b.Fingerprint, &b.BoundAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sequence binding %s/%s", entity, recordID)
	}
	return &b, nil
}

func (s *PostgresStore) BindSequence(ctx context.Context, b model.SequenceBinding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sequence_bindings (entity_type, record_id, org_id, value, fingerprint, bound_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_type, record_id) DO UPDATE SET value = EXCLUDED.value, fingerprint = EXCLUDED.fingerprint, bound_at = EXCLUDED.bound_at`,
		string(b.EntityType), b.RecordID, b.OrgID, b.Value, b.Fingerprint, b.BoundAt,
	)
	return eris.Wrapf(err, "postgres: bind sequence %s/%s", b.EntityType, b.RecordID)
}

// --- Transaction log ---

// InsertTransaction writes one attempt row. When supersedes names an earlier
// attempt, that row's retried_by is set in the same transaction; if another
// attempt already claimed it the insert is rolled back.
func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction, supersedes string) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert transaction")
	}
	defer func() {
		if rbErr := dbtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			zap.L().Debug("postgres: rollback insert transaction", zap.Error(rbErr))
		}
	}()

	if supersedes != "" {
		tag, err := dbtx.Exec(ctx,
			`UPDATE evv_transactions SET retried_by = $1 WHERE id = $2 AND retried_by = ''`,
			t.ID, supersedes,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: mark transaction %s retried", supersedes)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("postgres: transaction %s already retried", supersedes)
		}
	}

	_, err = dbtx.Exec(ctx,
		`INSERT INTO evv_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		txArgs(t)...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert transaction %s", t.RecordID)
	}

	return eris.Wrap(dbtx.Commit(ctx), "postgres: commit insert transaction")
}

func (s *PostgresStore) LatestTransaction(ctx context.Context, entity model.EntityType, recordID string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM evv_transactions WHERE entity_type = $1 AND record_id = $2 ORDER BY created_at DESC LIMIT 1`,
		string(entity), recordID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest transaction %s/%s", entity, recordID)
	}
	return t, nil
}

func (s *PostgresStore) HasSuccess(ctx context.Context, entity model.EntityType, recordID string, sequenceID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM evv_transactions WHERE entity_type = $1 AND record_id = $2 AND sequence_id = $3 AND status = 'success')`,
		string(entity), recordID, sequenceID,
	).Scan(&ok)
	return ok, eris.Wrapf(err, "postgres: has success %s/%s", entity, recordID)
}

func (s *PostgresStore) ListRetryable(ctx context.Context, orgID string, now time.Time, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM evv_transactions
		WHERE org_id = $1 AND status IN ('error', 'retrying') AND retryable AND retried_by = ''
			AND retry_count < max_retries AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY next_retry_at ASC NULLS FIRST LIMIT $3`,
		orgID, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retryable")
	}
	return collectTransactions(rows, "postgres: list retryable")
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error) {
	query, args := transactionFilterQuery(filter, func(n int) string { return fmt.Sprintf("$%d", n) })
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transactions")
	}
	return collectTransactions(rows, "postgres: list transactions")
}

func (s *PostgresStore) CountOutcomes(ctx context.Context, orgID string, since time.Time) (OutcomeCounts, error) {
	var c OutcomeCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status <> 'success' AND error_category = 'rejection'),
			COUNT(*) FILTER (WHERE status <> 'success' AND error_category <> 'rejection')
		FROM evv_transactions WHERE org_id = $1 AND entity_type = 'visit' AND created_at >= $2`,
		orgID, since,
	).Scan(&c.Accepted, &c.Rejected, &c.Errored)
	return c, eris.Wrapf(err, "postgres: count outcomes %s", orgID)
}

// --- Remediation ---

func (s *PostgresStore) UpsertRemediation(ctx context.Context, task *model.RemediationTask) (bool, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	codes, err := json.Marshal(nonNil(task.Codes))
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal remediation codes")
	}
	now := time.Now().UTC()

	var created bool
	err = s.pool.QueryRow(ctx,
		`INSERT INTO remediation_tasks (id, org_id, entity_type, record_id, kind, codes, detail, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open', $8, $8)
		ON CONFLICT (entity_type, record_id, kind) WHERE status = 'open'
		DO UPDATE SET codes = EXCLUDED.codes, detail = EXCLUDED.detail, updated_at = EXCLUDED.updated_at
		RETURNING id, external_ref, (xmax = 0)`,
		task.ID, task.OrgID, string(task.EntityType), task.RecordID, string(task.Kind), codes, task.Detail, now,
	).Scan(&task.ID, &task.ExternalRef, &created)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert remediation %s/%s", task.RecordID, task.Kind)
	}
	task.Status = model.RemediationOpen
	task.UpdatedAt = now
	return created, nil
}

func (s *PostgresStore) SetRemediationRef(ctx context.Context, taskID, ref string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE remediation_tasks SET external_ref = $1, updated_at = now() WHERE id = $2`, ref, taskID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set remediation ref %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: remediation %s", taskID)
	}
	return nil
}

func (s *PostgresStore) ListOpenRemediations(ctx context.Context, orgID string) ([]model.RemediationTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+remediationColumns+` FROM remediation_tasks WHERE org_id = $1 AND status = 'open' ORDER BY created_at`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list remediations")
	}
	return collectRemediations(rows, "list remediations")
}

func (s *PostgresStore) ResolveRemediations(ctx context.Context, entity model.EntityType, recordID string) ([]model.RemediationTask, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE remediation_tasks SET status = 'resolved', updated_at = now()
		WHERE entity_type = $1 AND record_id = $2 AND status = 'open'
		RETURNING `+remediationColumns,
		entity, recordID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: resolve remediations")
	}
	return collectRemediations(rows, "resolve remediations")
}

func collectRemediations(rows pgx.Rows, op string) ([]model.RemediationTask, error) {
	defer rows.Close()

	var out []model.RemediationTask
	for rows.Next() {
		var r model.RemediationTask
		var codes []byte
		if err := rows.Scan(&r.ID, &r.OrgID, &r.EntityType, &r.RecordID, &r.Kind, &codes, &r.Detail, &r.Status, &r.ExternalRef, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan remediation")
		}
		if err := json.Unmarshal(codes, &r.Codes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal remediation codes")
		}
		out = append(out, r)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

// --- Locking ---

func (s *PostgresStore) WithOrgLock(ctx context.Context, orgID string, fn func(ctx context.Context) error) (bool, error) {
	return db.WithAdvisoryLock(ctx, s.pool, "evv-org:"+orgID, fn)
}

func collectTransactions(rows pgx.Rows, op string) ([]model.Transaction, error) {
	defer rows.Close()
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
