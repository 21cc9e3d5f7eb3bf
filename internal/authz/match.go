// Package authz matches visits to payer service authorizations and applies
// the organization's claims-gate policy.
package authz

import (
	"fmt"
	"sort"
	"time"

	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/model"
)

// Severity is the claims-gate outcome for a visit.
type Severity string

const (
	SeverityAllow Severity = "allow"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Finding codes.
const (
	CodeGateDisabled      = "AUTH_GATE_DISABLED"
	CodeNoMatch           = "AUTH_NO_MATCH"
	CodeInactive          = "AUTH_INACTIVE"
	CodeOutOfRange        = "AUTH_DATE_OUT_OF_RANGE"
	CodeInsufficientUnits = "AUTH_INSUFFICIENT_UNITS"
)

// VisitCheck is the subset of a visit the matcher needs.
type VisitCheck struct {
	ClientID      string
	PayerID       string
	PayerProgram  string
	ProcedureCode string
	Modifiers     []string
	// ServiceDate is compared by calendar date in its own location.
	ServiceDate time.Time
	Units       int
}

// Policy is the enforcement configuration for one organization.
type Policy struct {
	Mode                   config.GateMode
	RequireMatch           bool
	BlockOverAuthorization bool
}

// PolicyFromRules extracts the claims-gate policy from organization rules.
func PolicyFromRules(r config.OrgRules) Policy {
	return Policy{
		Mode:                   r.ClaimsGateMode,
		RequireMatch:           r.RequireAuthorizationMatch,
		BlockOverAuthorization: r.BlockOverAuthorization,
	}
}

// Finding is one matcher error or warning.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Blocking findings prevent submission.
	Blocking bool `json:"blocking,omitempty"`
}

// MatchResult is the outcome of matching a visit to its client's
// authorizations.
type MatchResult struct {
	Valid         bool                 `json:"valid"`
	Authorization *model.Authorization `json:"authorization,omitempty"`
	Errors        []Finding            `json:"errors,omitempty"`
	Warnings      []Finding            `json:"warnings,omitempty"`
	Severity      Severity             `json:"severity"`
}

// Blocked reports whether the visit must not be submitted.
func (r MatchResult) Blocked() bool {
	return r.Severity == SeverityBlock
}

// Codes returns the error codes followed by the warning codes.
func (r MatchResult) Codes() []string {
	var out []string
	for _, f := range r.Errors {
		out = append(out, f.Code)
	}
	for _, f := range r.Warnings {
		out = append(out, f.Code)
	}
	return out
}

// Match finds the authorization covering check and classifies the outcome
// under policy. auths is the client's authorization set; it is not modified.
func Match(check VisitCheck, auths []model.Authorization, policy Policy) MatchResult {
	if policy.Mode == config.GateDisabled {
		return MatchResult{
			Valid:    true,
			Severity: SeverityAllow,
			Warnings: []Finding{{Code: CodeGateDisabled, Message: "claims gate is disabled; authorization not checked"}},
		}
	}

	r := &resultBuilder{strict: policy.Mode == config.GateStrict}

	var eligible, nearMisses []model.Authorization
	for _, a := range auths {
		if !sameService(check, a) {
			continue
		}
		if a.Status == model.AuthorizationActive && a.Covers(check.ServiceDate) {
			eligible = append(eligible, a)
		} else {
			nearMisses = append(nearMisses, a)
		}
	}

	if len(eligible) == 0 {
		switch {
		case len(nearMisses) > 0:
			// An authorization exists for the service but cannot be used.
			for _, a := range nearMisses {
				if a.Status != model.AuthorizationActive {
					r.hardError(CodeInactive, fmt.Sprintf("authorization %s is %s", a.ID, a.Status))
				}
				if !a.Covers(check.ServiceDate) {
					r.hardError(CodeOutOfRange, fmt.Sprintf("service date %s is outside authorization %s (%s to %s)",
						check.ServiceDate.Format(time.DateOnly), a.ID, formatDate(a.StartDate), formatDate(a.EndDate)))
				}
			}
		case policy.RequireMatch:
			r.modeError(CodeNoMatch, noMatchMessage(check))
		default:
			r.warn(CodeNoMatch, noMatchMessage(check))
		}
		return r.build(nil)
	}

	best := bestMatch(eligible)
	if remaining := best.RemainingUnits(); remaining < check.Units {
		msg := fmt.Sprintf("authorization %s has %d units remaining; visit needs %d", best.ID, remaining, check.Units)
		if policy.BlockOverAuthorization {
			r.modeError(CodeInsufficientUnits, msg)
		} else {
			r.warn(CodeInsufficientUnits, msg)
		}
	}
	return r.build(&best)
}

// bestMatch picks the authorization with the most remaining units. Ties go
// to the earliest end date, then the lowest ID. An open-ended authorization
// sorts after any dated one.
func bestMatch(auths []model.Authorization) model.Authorization {
	sorted := make([]model.Authorization, len(auths))
	copy(sorted, auths)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.RemainingUnits() != b.RemainingUnits() {
			return a.RemainingUnits() > b.RemainingUnits()
		}
		if !a.EndDate.Equal(b.EndDate) {
			switch {
			case a.EndDate.IsZero():
				return false
			case b.EndDate.IsZero():
				return true
			}
			return a.EndDate.Before(b.EndDate)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

func sameService(check VisitCheck, a model.Authorization) bool {
	if a.ClientID != check.ClientID || a.PayerID != check.PayerID ||
		a.PayerProgram != check.PayerProgram || a.ProcedureCode != check.ProcedureCode {
		return false
	}
	return containsAll(check.Modifiers, a.Modifiers)
}

// containsAll reports whether every element of want appears in have.
func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, m := range have {
		set[m] = struct{}{}
	}
	for _, m := range want {
		if _, ok := set[m]; !ok {
			return false
		}
	}
	return true
}

type resultBuilder struct {
	strict   bool
	errors   []Finding
	warnings []Finding
}

// hardError blocks under every enabled mode.
func (b *resultBuilder) hardError(code, msg string) {
	b.errors = append(b.errors, Finding{Code: code, Message: msg, Blocking: true})
}

// modeError blocks only under strict mode.
func (b *resultBuilder) modeError(code, msg string) {
	b.errors = append(b.errors, Finding{Code: code, Message: msg, Blocking: b.strict})
}

func (b *resultBuilder) warn(code, msg string) {
	b.warnings = append(b.warnings, Finding{Code: code, Message: msg})
}

func (b *resultBuilder) build(matched *model.Authorization) MatchResult {
	res := MatchResult{
		Valid:         len(b.errors) == 0,
		Authorization: matched,
		Errors:        b.errors,
		Warnings:      b.warnings,
		Severity:      SeverityAllow,
	}
	if len(b.errors) > 0 {
		res.Severity = SeverityWarn
	}
	for _, f := range b.errors {
		if f.Blocking {
			res.Severity = SeverityBlock
			break
		}
	}
	return res
}

func noMatchMessage(check VisitCheck) string {
	return fmt.Sprintf("no authorization for payer %s program %s procedure %s on %s",
		check.PayerID, check.PayerProgram, check.ProcedureCode, check.ServiceDate.Format(time.DateOnly))
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.Format(time.DateOnly)
}
