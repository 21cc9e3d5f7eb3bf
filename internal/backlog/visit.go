package backlog

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/authz"
	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/monitoring"
	"github.com/sells-group/evv-cli/internal/payload"
	"github.com/sells-group/evv-cli/internal/remediation"
	"github.com/sells-group/evv-cli/internal/resilience"
	"github.com/sells-group/evv-cli/internal/store"
	"github.com/sells-group/evv-cli/internal/txlog"
	"github.com/sells-group/evv-cli/internal/validate"
	"github.com/sells-group/evv-cli/pkg/aggregator"
)

// Reference codes for visits whose client or caregiver row is missing.
const (
	CodeClientNotFound    = "CLIENT_NOT_FOUND"
	CodeCaregiverNotFound = "CAREGIVER_NOT_FOUND"
)

// orgRun is the state of one organization's pass.
type orgRun struct {
	job       *Job
	org       *model.Organization
	rules     config.OrgRules
	validator *validate.Validator
	policy    authz.Policy
	builder   *payload.Builder
	txlog     *txlog.Log
	client    aggregator.Client
	report    *OrgReport
	log       *zap.Logger

	// staff caches the prerequisite result per caregiver for this run.
	staff       map[string]result
	authAlerted bool
}

func (r *orgRun) processVisit(ctx context.Context, v *model.VisitRecord) (result, error) {
	log := r.log.With(zap.String("visit_id", v.ID))

	gate, err := r.txlog.Check(ctx, model.EntityVisit, v.ID)
	if err != nil {
		return resultErrored, err
	}
	if !gate.Proceed {
		log.Debug("backlog: retry not yet due", zap.Timep("next_retry_at", gate.Latest.NextRetryAt))
		return resultDeferred, r.holdUntil(ctx, v, gate.Latest.NextRetryAt)
	}

	client, err := r.job.store.GetClient(ctx, v.ClientID)
	if eris.Is(err, store.ErrNotFound) {
		return r.block(ctx, v, model.RemediationValidation, []model.Issue{{
			Code: CodeClientNotFound, Message: "client " + v.ClientID + " does not exist", Severity: model.SeverityError, Field: "client_id",
		}})
	}
	if err != nil {
		return resultErrored, eris.Wrapf(err, "backlog: load client for %s", v.ID)
	}

	validation := r.validator.Validate(v, client)
	if !validation.Valid {
		return r.block(ctx, v, model.RemediationValidation, validation.Errors())
	}
	for _, w := range validation.Warnings() {
		log.Info("backlog: validation warning", zap.String("code", w.Code), zap.String("message", w.Message))
	}

	check := authz.CheckForVisit(v, r.rules)
	auths, err := r.job.store.ListAuthorizations(ctx, r.org.ID, v.ClientID)
	if err != nil {
		return resultErrored, eris.Wrapf(err, "backlog: load authorizations for %s", v.ID)
	}
	match := authz.Match(check, auths, r.policy)
	if match.Blocked() {
		return r.block(ctx, v, model.RemediationAuthorization, findingIssues(match.Errors))
	}
	for _, f := range slices.Concat(match.Errors, match.Warnings) {
		if f.Code == authz.CodeGateDisabled {
			continue
		}
		log.Info("backlog: authorization warning", zap.String("code", f.Code), zap.String("message", f.Message))
	}

	caregiver, err := r.job.store.GetStaff(ctx, v.CaregiverID)
	if eris.Is(err, store.ErrNotFound) {
		return r.block(ctx, v, model.RemediationValidation, []model.Issue{{
			Code: CodeCaregiverNotFound, Message: "caregiver " + v.CaregiverID + " does not exist", Severity: model.SeverityError, Field: "caregiver_id",
		}})
	}
	if err != nil {
		return resultErrored, eris.Wrapf(err, "backlog: load caregiver for %s", v.ID)
	}
	if res, err := r.ensureStaff(ctx, caregiver); err != nil || res != resultSubmitted {
		if err == nil && res == resultBlocked {
			err = r.park(ctx, v)
		}
		return res, err
	}

	built, err := r.builder.BuildVisit(ctx, r.org, v, client, caregiver, check.Units)
	if err != nil {
		return resultErrored, err
	}
	if !built.OK() {
		return r.block(ctx, v, model.RemediationPayload, built.Errors)
	}

	done, err := r.txlog.Submitted(ctx, model.EntityVisit, v.ID, built.SequenceID)
	if err != nil {
		return resultErrored, err
	}
	if done || awaitingCorrection(gate, built.SequenceID, built.Reused) {
		log.Debug("backlog: visit unchanged since last submission", zap.Int64("sequence_id", built.SequenceID))
		return resultUnchanged, r.park(ctx, v)
	}

	tx, out, err := r.submit(ctx, aggregator.EndpointVisits, model.EntityVisit, v.ID, built.SequenceID, built.Fingerprint, built.Payload, gate.Previous)
	if err != nil {
		return resultErrored, err
	}

	switch out.Status {
	case aggregator.StatusAccepted:
		return resultSubmitted, r.accept(ctx, v, match.Authorization, check.Units, out)
	case aggregator.StatusRejected:
		return resultRejected, r.reject(ctx, v, check.Units, out)
	default:
		log.Warn("backlog: submission failed",
			zap.String("error_code", tx.ErrorCode),
			zap.String("tx_status", string(tx.Status)),
			zap.Int("retry_count", tx.RetryCount),
		)
		if tx.Status == model.TransactionRetrying {
			return resultErrored, r.holdUntil(ctx, v, tx.NextRetryAt)
		}
		return resultErrored, r.park(ctx, v)
	}
}

// park takes the visit out of candidate lists until it or a row it
// references is saved again.
func (r *orgRun) park(ctx context.Context, v *model.VisitRecord) error {
	parked := false
	var noHold time.Time
	err := r.job.store.UpdateVisitStatus(ctx, v.ID, model.VisitStatusUpdate{NeedsSubmission: &parked, RetryAfter: &noHold})
	return eris.Wrapf(err, "backlog: park %s", v.ID)
}

// holdUntil keeps the visit out of candidate lists until its retry is due.
func (r *orgRun) holdUntil(ctx context.Context, v *model.VisitRecord, at *time.Time) error {
	if at == nil {
		return nil
	}
	until := *at
	err := r.job.store.UpdateVisitStatus(ctx, v.ID, model.VisitStatusUpdate{RetryAfter: &until})
	return eris.Wrapf(err, "backlog: hold %s", v.ID)
}

// ensureStaff makes sure the caregiver's current profile has been accepted
// before a visit references it.
func (r *orgRun) ensureStaff(ctx context.Context, s *model.StaffRow) (result, error) {
	if res, ok := r.staff[s.ID]; ok {
		return res, nil
	}
	res, err := r.submitStaff(ctx, s)
	if err == nil {
		r.staff[s.ID] = res
	}
	return res, err
}

func (r *orgRun) submitStaff(ctx context.Context, s *model.StaffRow) (result, error) {
	built, err := r.builder.BuildStaff(ctx, r.org, s)
	if err != nil {
		return resultErrored, err
	}
	if !built.OK() {
		if _, err := r.job.router.Route(ctx, remediation.NewTask(r.org.ID, model.EntityStaff, s.ID, model.RemediationPayload, built.Errors)); err != nil {
			return resultErrored, err
		}
		return resultBlocked, nil
	}

	done, err := r.txlog.Submitted(ctx, model.EntityStaff, s.ID, built.SequenceID)
	if err != nil {
		return resultErrored, err
	}
	if done {
		return resultSubmitted, nil
	}

	gate, err := r.txlog.Check(ctx, model.EntityStaff, s.ID)
	if err != nil {
		return resultErrored, err
	}
	if !gate.Proceed {
		return resultDeferred, nil
	}
	if awaitingCorrection(gate, built.SequenceID, built.Reused) {
		return resultBlocked, nil
	}

	_, out, err := r.submit(ctx, aggregator.EndpointStaff, model.EntityStaff, s.ID, built.SequenceID, built.Fingerprint, built.Payload, gate.Previous)
	if err != nil {
		return resultErrored, err
	}
	switch out.Status {
	case aggregator.StatusAccepted:
		if _, err := r.job.router.Resolve(ctx, model.EntityStaff, s.ID); err != nil {
			return resultErrored, err
		}
		return resultSubmitted, nil
	case aggregator.StatusRejected:
		if _, err := r.job.router.Route(ctx, remediation.NewTask(r.org.ID, model.EntityStaff, s.ID, model.RemediationRejection, wireIssues(out))); err != nil {
			return resultErrored, err
		}
		return resultBlocked, nil
	default:
		return resultErrored, nil
	}
}

// submit sends one payload and records the attempt.
func (r *orgRun) submit(ctx context.Context, endpoint aggregator.Endpoint, entity model.EntityType, recordID string, seq int64, fp string, body any, prev *model.Transaction) (*model.Transaction, *aggregator.Outcome, error) {
	out, err := r.client.Submit(ctx, endpoint, body)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "backlog: submit %s %s", entity, recordID)
	}
	tx, err := r.txlog.Record(ctx, txlog.Attempt{
		OrgID:       r.org.ID,
		Entity:      entity,
		RecordID:    recordID,
		SequenceID:  seq,
		Fingerprint: fp,
		Outcome:     out,
		MaxRetries:  r.rules.MaxRetryAttempts,
		RetryDelay:  time.Duration(r.rules.RetryDelaySecs) * time.Second,
		Previous:    prev,
	})
	if err != nil {
		return nil, nil, err
	}
	if out.Failure != nil && out.Status == aggregator.StatusError {
		if err := r.noteFailure(ctx, entity, recordID, tx, out); err != nil {
			return nil, nil, err
		}
	}
	return tx, out, nil
}

// noteFailure raises the alerts and remediation for a failed attempt.
func (r *orgRun) noteFailure(ctx context.Context, entity model.EntityType, recordID string, tx *model.Transaction, out *aggregator.Outcome) error {
	if out.Failure.Kind == resilience.FailureAuth && !r.authAlerted {
		r.authAlerted = true
		r.alert(ctx, monitoring.AuthFailure(r.org.ID, recordID, out.HTTPStatus))
	}
	if !tx.Exhausted() {
		return nil
	}
	r.alert(ctx, monitoring.RetriesExhausted(r.org.ID, recordID, tx.ErrorCode, tx.RetryCount))
	_, err := r.job.router.Route(ctx, remediation.NewTask(r.org.ID, entity, recordID, model.RemediationRetriesExhausted, []model.Issue{{
		Code: tx.ErrorCode, Message: tx.ErrorMessage, Severity: model.SeverityError,
	}}))
	return err
}

// block routes the visit to remediation and records the blocking codes on it.
func (r *orgRun) block(ctx context.Context, v *model.VisitRecord, kind model.RemediationKind, issues []model.Issue) (result, error) {
	codes := model.IssueCodes(issues)
	if codes == nil {
		codes = []string{}
	}
	r.log.Info("backlog: visit blocked",
		zap.String("visit_id", v.ID),
		zap.String("kind", string(kind)),
		zap.Strings("codes", codes),
	)
	parked := false
	if err := r.job.store.UpdateVisitStatus(ctx, v.ID, model.VisitStatusUpdate{ValidationErrors: codes, NeedsSubmission: &parked}); err != nil {
		return resultErrored, err
	}
	if _, err := r.job.router.Route(ctx, remediation.NewTask(r.org.ID, model.EntityVisit, v.ID, kind, issues)); err != nil {
		return resultErrored, err
	}
	return resultBlocked, nil
}

func (r *orgRun) accept(ctx context.Context, v *model.VisitRecord, auth *model.Authorization, units int, out *aggregator.Outcome) error {
	status := model.SubmissionAccepted
	if out.Pending {
		status = model.SubmissionSubmitted
	}
	authID, consumed, err := r.chargeUnits(ctx, v, auth, units)
	if err != nil {
		return err
	}
	noReason := ""
	done := false
	var noHold time.Time
	err = r.job.store.UpdateVisitStatus(ctx, v.ID, model.VisitStatusUpdate{
		Status:           &status,
		RejectionReason:  &noReason,
		ValidationErrors: []string{},
		ExternalID:       &out.ExternalID,
		BillableUnits:    &units,
		AuthorizationID:  &authID,
		ConsumedUnits:    &consumed,
		NeedsSubmission:  &done,
		RetryAfter:       &noHold,
	})
	if err != nil {
		return eris.Wrapf(err, "backlog: mark %s %s", v.ID, status)
	}
	_, err = r.job.router.Resolve(ctx, model.EntityVisit, v.ID)
	return err
}

func (r *orgRun) reject(ctx context.Context, v *model.VisitRecord, units int, out *aggregator.Outcome) error {
	status := model.SubmissionRejected
	reason := out.Message()
	parked := false
	var noHold time.Time
	err := r.job.store.UpdateVisitStatus(ctx, v.ID, model.VisitStatusUpdate{
		Status:          &status,
		RejectionReason: &reason,
		BillableUnits:   &units,
		NeedsSubmission: &parked,
		RetryAfter:      &noHold,
	})
	if err != nil {
		return eris.Wrapf(err, "backlog: mark %s rejected", v.ID)
	}
	r.alert(ctx, monitoring.VisitRejected(r.org.ID, v.ID, out.ErrorCode(), reason))
	_, err = r.job.router.Route(ctx, remediation.NewTask(r.org.ID, model.EntityVisit, v.ID, model.RemediationRejection, wireIssues(out)))
	return err
}

// chargeUnits moves the visit's consumed units onto auth. Units already
// charged to a different authorization are released first, so a re-accepted
// visit only consumes the difference. It returns the authorization and unit
// count now recorded against the visit.
func (r *orgRun) chargeUnits(ctx context.Context, v *model.VisitRecord, auth *model.Authorization, units int) (string, int, error) {
	targetID := ""
	if auth != nil {
		targetID = auth.ID
	}

	prior := 0
	if v.AuthorizationID != "" {
		if v.AuthorizationID == targetID {
			prior = v.ConsumedUnits
		} else if v.ConsumedUnits != 0 {
			if _, err := r.job.store.ConsumeUnits(ctx, v.AuthorizationID, -v.ConsumedUnits, true); err != nil {
				return "", 0, eris.Wrapf(err, "backlog: release units for %s", v.ID)
			}
		}
	}
	if targetID == "" {
		return "", 0, nil
	}

	delta := units - prior
	if delta == 0 {
		return targetID, units, nil
	}
	ok, err := r.job.store.ConsumeUnits(ctx, targetID, delta, !r.rules.BlockOverAuthorization)
	if err != nil {
		return "", 0, eris.Wrapf(err, "backlog: consume units for %s", v.ID)
	}
	if !ok {
		r.log.Warn("backlog: authorization balance changed before units were charged",
			zap.String("visit_id", v.ID),
			zap.String("authorization_id", targetID),
			zap.Int("delta", delta),
		)
		return targetID, prior, nil
	}
	return targetID, units, nil
}

// awaitingCorrection reports whether the latest attempt failed terminally
// and the record has not changed since: resubmitting would fail the same way.
func awaitingCorrection(gate txlog.Gate, seq int64, reused bool) bool {
	latest := gate.Latest
	if latest == nil || gate.Previous != nil || latest.Status != model.TransactionError {
		return false
	}
	return reused && latest.SequenceID == seq
}

func findingIssues(findings []authz.Finding) []model.Issue {
	out := make([]model.Issue, 0, len(findings))
	for _, f := range findings {
		out = append(out, model.Issue{Code: f.Code, Message: f.Message, Severity: model.SeverityError})
	}
	return out
}

func wireIssues(out *aggregator.Outcome) []model.Issue {
	if len(out.Errors) == 0 {
		return []model.Issue{{Code: out.ErrorCode(), Message: out.Message(), Severity: model.SeverityError}}
	}
	issues := make([]model.Issue, 0, len(out.Errors))
	for _, e := range out.Errors {
		issues = append(issues, model.Issue{Code: e.Code, Message: e.Message, Severity: model.SeverityError, Field: e.Field})
	}
	return issues
}
