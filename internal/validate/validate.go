// Package validate checks visit records against the EVV required-element set
// and the organization's geofence and time tolerances.
package validate

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/model"
)

// Issue codes.
const (
	CodeMissingServiceCode      = "MISSING_SERVICE_CODE"
	CodeScheduleDateMismatch    = "SCHEDULE_DATE_MISMATCH"
	CodeMissingClockIn          = "MISSING_CLOCK_IN"
	CodeMissingClockInLocation  = "MISSING_CLOCK_IN_LOCATION"
	CodeClockInOutsideGeofence  = "CLOCK_IN_OUTSIDE_GEOFENCE"
	CodeLowGPSAccuracy          = "LOW_GPS_ACCURACY"
	CodeClockInTimeVariance     = "CLOCK_IN_TIME_VARIANCE"
	CodeDurationVariance        = "DURATION_VARIANCE"
	CodeMissingClockOutLocation = "MISSING_CLOCK_OUT_LOCATION"
	CodeClockOutOutsideGeofence = "CLOCK_OUT_OUTSIDE_GEOFENCE"
	CodeInvalidVerification     = "INVALID_VERIFICATION_METHOD"
	CodeClientLocationUnknown   = "CLIENT_LOCATION_UNKNOWN"
	CodeValidationError         = "VALIDATION_ERROR"
)

const (
	minimumComplianceScore = 0.8
	warningWeight          = 0.5
)

// Validator applies one organization's rules. It holds no mutable state and
// is safe for concurrent use.
type Validator struct {
	rules config.OrgRules
	loc   *time.Location
}

// New creates a Validator for the given rules.
func New(rules config.OrgRules) *Validator {
	return &Validator{rules: rules, loc: rules.Location()}
}

// Validate checks visit against the client's registered location. It never
// returns an error: unexpected failures produce an invalid result carrying
// CodeValidationError.
func (v *Validator) Validate(visit *model.VisitRecord, client *model.ClientRow) (res model.ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("validate: panic during validation",
				zap.String("visit_id", visitID(visit)),
				zap.Any("panic", r),
			)
			res = failClosed(fmt.Sprintf("validation failed unexpectedly: %v", r))
		}
	}()

	if visit == nil {
		return failClosed("visit record is missing")
	}

	c := &checker{}
	v.checkServiceCode(c, visit)
	v.checkClockIn(c, visit, client)
	if visit.ClockOut != nil {
		v.checkClockOut(c, visit, client)
	}
	v.checkVerificationMethod(c, visit)

	return c.result()
}

func (v *Validator) checkServiceCode(c *checker, visit *model.VisitRecord) {
	c.check()
	if visit.ServiceCode == "" {
		c.fail(CodeMissingServiceCode, model.SeverityError, "service_code", "service type code is required")
	}
}

func (v *Validator) checkClockIn(c *checker, visit *model.VisitRecord, client *model.ClientRow) {
	c.check()
	if visit.ClockIn == nil {
		c.fail(CodeMissingClockIn, model.SeverityError, "clock_in", "clock-in time is required")
		return
	}
	in := *visit.ClockIn

	c.check()
	if !sameDay(in.In(v.loc), visit.ScheduledStart.In(v.loc)) {
		c.fail(CodeScheduleDateMismatch, model.SeverityWarning, "clock_in",
			fmt.Sprintf("clock-in date %s differs from scheduled date %s",
				in.In(v.loc).Format(time.DateOnly), visit.ScheduledStart.In(v.loc).Format(time.DateOnly)))
	}

	c.check()
	if diff := absDuration(in.Sub(visit.ScheduledStart)); diff > v.rules.ClockInTolerance() {
		c.fail(CodeClockInTimeVariance, model.SeverityWarning, "clock_in",
			fmt.Sprintf("clock-in is %d minutes from scheduled start (tolerance %d)",
				int(diff.Minutes()), v.rules.ClockInToleranceMinutes))
	}

	v.checkLocation(c, visit.ClockInLocation, client, locationCodes{
		missing:  CodeMissingClockInLocation,
		outside:  CodeClockInOutsideGeofence,
		field:    "clock_in_location",
		label:    "clock-in",
		severity: model.SeverityError,
	})
}

func (v *Validator) checkClockOut(c *checker, visit *model.VisitRecord, client *model.ClientRow) {
	if visit.ClockIn != nil {
		c.check()
		actual := visit.ClockOut.Sub(*visit.ClockIn)
		scheduled := visit.ScheduledEnd.Sub(visit.ScheduledStart)
		if diff := absDuration(actual - scheduled); diff > v.rules.DurationVariance() {
			c.fail(CodeDurationVariance, model.SeverityWarning, "clock_out",
				fmt.Sprintf("visit lasted %d minutes against %d scheduled",
					int(actual.Minutes()), int(scheduled.Minutes())))
		}
	}

	v.checkLocation(c, visit.ClockOutLocation, client, locationCodes{
		missing:  CodeMissingClockOutLocation,
		outside:  CodeClockOutOutsideGeofence,
		field:    "clock_out_location",
		label:    "clock-out",
		severity: model.SeverityWarning,
	})
}

type locationCodes struct {
	missing, outside string
	field, label     string
	// severity applies to a missing point; a point outside the geofence is
	// always an error.
	severity model.Severity
}

func (v *Validator) checkLocation(c *checker, p *model.GeoPoint, client *model.ClientRow, codes locationCodes) {
	c.check()
	if p == nil {
		c.fail(codes.missing, codes.severity, codes.field, codes.label+" location is required")
		return
	}

	if p.AccuracyMeters > 0 {
		c.check()
		if p.AccuracyMeters > v.rules.GPSAccuracyWarnMeters {
			c.fail(CodeLowGPSAccuracy, model.SeverityWarning, codes.field,
				fmt.Sprintf("%s GPS accuracy %.0fm exceeds %.0fm", codes.label, p.AccuracyMeters, v.rules.GPSAccuracyWarnMeters))
		}
	}

	if client == nil || client.Location == nil {
		c.fail(CodeClientLocationUnknown, model.SeverityError, codes.field,
			"client service address has no coordinates; "+codes.label+" distance cannot be verified")
		return
	}

	d := DistanceMeters(*p, *client.Location)
	if math.IsNaN(d) || d > v.rules.GeofenceRadiusMeters {
		c.fail(codes.outside, model.SeverityError, codes.field,
			fmt.Sprintf("%s recorded %.0fm from client address (limit %.0fm)", codes.label, d, v.rules.GeofenceRadiusMeters))
	}
}

func (v *Validator) checkVerificationMethod(c *checker, visit *model.VisitRecord) {
	c.check()
	if !visit.VerificationMethod.Valid() {
		c.fail(CodeInvalidVerification, model.SeverityError, "verification_method",
			fmt.Sprintf("verification method %q is not recognized", visit.VerificationMethod))
	}
}

// checker accumulates issues and the number of checks performed.
type checker struct {
	total  int
	issues []model.Issue
}

func (c *checker) check() { c.total++ }

func (c *checker) fail(code string, sev model.Severity, field, msg string) {
	c.issues = append(c.issues, model.Issue{Code: code, Message: msg, Severity: sev, Field: field})
}

func (c *checker) result() model.ValidationResult {
	res := model.ValidationResult{Issues: c.issues, TotalChecks: c.total}
	res.ComplianceScore = Score(c.total, len(res.Errors()), len(res.Warnings()))
	res.Valid = len(res.Errors()) == 0 && res.ComplianceScore >= minimumComplianceScore
	return res
}

// Score computes (total - errors - 0.5*warnings) / total, clamped to [0, 1].
func Score(total, errors, warnings int) float64 {
	if total <= 0 {
		return 0
	}
	s := (float64(total) - float64(errors) - warningWeight*float64(warnings)) / float64(total)
	return math.Max(0, math.Min(1, s))
}

func failClosed(msg string) model.ValidationResult {
	return model.ValidationResult{
		Valid:       false,
		TotalChecks: 1,
		Issues: []model.Issue{{
			Code:     CodeValidationError,
			Message:  msg,
			Severity: model.SeverityError,
		}},
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func visitID(v *model.VisitRecord) string {
	if v == nil {
		return ""
	}
	return v.ID
}
