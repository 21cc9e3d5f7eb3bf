// Package payload builds the aggregator's staff and visit schemas from
// internal records. A build either yields a payload (with optional warnings)
// or a list of blocking errors, never both.
package payload

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/sequence"
)

// External formats.
const (
	DateFormat     = "2006-01-02"
	DateTimeFormat = "2006-01-02T15:04:05Z"
)

// Builder issue codes.
const (
	CodeMissingFirstName   = "MISSING_FIRST_NAME"
	CodeMissingLastName    = "MISSING_LAST_NAME"
	CodeFirstNameTooLong   = "FIRST_NAME_TOO_LONG"
	CodeLastNameTooLong    = "LAST_NAME_TOO_LONG"
	CodeMissingDOB         = "MISSING_DATE_OF_BIRTH"
	CodeDOBInFuture        = "DATE_OF_BIRTH_IN_FUTURE"
	CodeAgeOutOfRange      = "AGE_OUT_OF_RANGE"
	CodeMissingSSN         = "MISSING_SSN"
	CodeInvalidSSN         = "INVALID_SSN"
	CodeIncompleteAddress  = "INCOMPLETE_ADDRESS"
	CodeInvalidState       = "INVALID_STATE"
	CodeInvalidZip         = "INVALID_ZIP"
	CodeInvalidPhone       = "INVALID_PHONE"
	CodeUnmappedCategory   = "UNMAPPED_STAFF_CATEGORY"
	CodeMissingMedicaidID  = "MISSING_MEDICAID_ID"
	CodeMissingClockTimes  = "MISSING_CLOCK_TIMES"
	CodeMissingServiceCode = "MISSING_SERVICE_CODE"
	CodeMissingProviderID  = "MISSING_PROVIDER_ID"
	CodeInvalidMethod      = "INVALID_VERIFICATION_METHOD"
)

// Sequencer resolves the SequenceID for a record state.
type Sequencer interface {
	Resolve(ctx context.Context, orgID string, entity model.EntityType, recordID, fingerprint string) (int64, bool, error)
}

// Result is the outcome of a build. Exactly one of Payload and Errors is set.
type Result[T any] struct {
	Payload  *T
	Warnings []model.Issue
	Errors   []model.Issue

	// Set when Payload is non-nil.
	SequenceID  int64
	Fingerprint string
	// Reused is true when the record was unchanged since its SequenceID was
	// bound.
	Reused bool
}

// OK reports whether the build produced a payload.
func (r Result[T]) OK() bool {
	return r.Payload != nil
}

// ErrorCodes returns the codes of the blocking errors.
func (r Result[T]) ErrorCodes() []string {
	return model.IssueCodes(r.Errors)
}

// Builder converts records into aggregator payloads and binds their
// SequenceIDs.
type Builder struct {
	seq Sequencer
	now func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the clock used for age checks.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder that allocates SequenceIDs through seq.
func NewBuilder(seq Sequencer, opts ...Option) *Builder {
	b := &Builder{seq: seq, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// sequenced is implemented by payloads carrying a SequenceID.
type sequenced interface {
	setSequenceID(v int64)
}

// bindSequence fingerprints p with its SequenceID cleared, resolves the
// SequenceID for the record and stamps it onto p.
func (b *Builder) bindSequence(ctx context.Context, orgID string, entity model.EntityType, recordID string, p sequenced) (seq int64, fp string, reused bool, err error) {
	p.setSequenceID(0)
	canonical, err := json.Marshal(p)
	if err != nil {
		return 0, "", false, eris.Wrapf(err, "payload: marshal %s %s", entity, recordID)
	}
	fp = sequence.Fingerprint(canonical)

	seq, reused, err = b.seq.Resolve(ctx, orgID, entity, recordID, fp)
	if err != nil {
		return 0, "", false, eris.Wrapf(err, "payload: resolve sequence for %s %s", entity, recordID)
	}
	p.setSequenceID(seq)
	return seq, fp, reused, nil
}

// issues collects builder findings.
type issues struct {
	errors   []model.Issue
	warnings []model.Issue
}

func (is *issues) fail(field, code, msg string) {
	is.errors = append(is.errors, model.Issue{Code: code, Message: msg, Severity: model.SeverityError, Field: field})
}

func (is *issues) warn(field, code, msg string) {
	is.warnings = append(is.warnings, model.Issue{Code: code, Message: msg, Severity: model.SeverityWarning, Field: field})
}
