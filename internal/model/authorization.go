package model

import "time"

// AuthorizationStatus is the payer-side lifecycle of an authorization.
type AuthorizationStatus string

const (
	AuthorizationActive    AuthorizationStatus = "active"
	AuthorizationExpired   AuthorizationStatus = "expired"
	AuthorizationSuspended AuthorizationStatus = "suspended"
	AuthorizationPending   AuthorizationStatus = "pending"
)

// Authorization is a payer-approved quantity of service units for a client,
// procedure and date range.
type Authorization struct {
	ID              string              `json:"id"`
	OrgID           string              `json:"org_id"`
	ClientID        string              `json:"client_id"`
	PayerID         string              `json:"payer_id"`
	PayerProgram    string              `json:"payer_program"`
	ProcedureCode   string              `json:"procedure_code"`
	Modifiers       []string            `json:"modifiers,omitempty"`
	AuthorizedUnits int                 `json:"authorized_units"`
	UsedUnits       int                 `json:"used_units"`
	StartDate       time.Time           `json:"start_date"`
	EndDate         time.Time           `json:"end_date"`
	Status          AuthorizationStatus `json:"status"`
}

// RemainingUnits is AuthorizedUnits minus UsedUnits.
func (a *Authorization) RemainingUnits() int {
	return a.AuthorizedUnits - a.UsedUnits
}

// Covers reports whether day falls within the authorization's date range.
// Start and end are calendar dates; day is compared by its own calendar date
// in its location. Both ends are inclusive.
func (a *Authorization) Covers(day time.Time) bool {
	d := dateOnly(day)
	start := dateOnly(a.StartDate)
	end := dateOnly(a.EndDate)
	if !a.StartDate.IsZero() && d.Before(start) {
		return false
	}
	if !a.EndDate.IsZero() && d.After(end) {
		return false
	}
	return true
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
