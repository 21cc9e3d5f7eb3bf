package model

import "time"

// SubmissionStatus tracks a visit's progress toward the state aggregator.
type SubmissionStatus string

const (
	SubmissionNotSubmitted SubmissionStatus = "not_submitted"
	SubmissionSubmitted    SubmissionStatus = "submitted" // acknowledged, aggregator still processing
	SubmissionAccepted     SubmissionStatus = "accepted"
	SubmissionRejected     SubmissionStatus = "rejected"
)

// VerificationMethod is how the caregiver's presence was verified.
type VerificationMethod string

const (
	VerificationGPS         VerificationMethod = "gps"
	VerificationTelephony   VerificationMethod = "telephony"
	VerificationFixedDevice VerificationMethod = "fixed_device"
	VerificationBiometric   VerificationMethod = "biometric"
)

// Valid reports whether m is one of the recognized verification methods.
func (m VerificationMethod) Valid() bool {
	switch m {
	case VerificationGPS, VerificationTelephony, VerificationFixedDevice, VerificationBiometric:
		return true
	}
	return false
}

// GeoPoint is a WGS84 coordinate with an optional accuracy radius.
// AccuracyMeters of zero means the device did not report accuracy.
type GeoPoint struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
}

// VisitRecord is a single service encounter between a caregiver and a client.
// Records are never deleted; each submission attempt mutates status fields only.
type VisitRecord struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	ClientID    string `json:"client_id"`
	CaregiverID string `json:"caregiver_id"`

	ServiceCode   string   `json:"service_code"`
	PayerID       string   `json:"payer_id"`
	PayerProgram  string   `json:"payer_program"`
	ProcedureCode string   `json:"procedure_code"`
	Modifiers     []string `json:"modifiers,omitempty"`

	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	ClockIn        *time.Time `json:"clock_in,omitempty"`
	ClockOut       *time.Time `json:"clock_out,omitempty"`

	ClockInLocation  *GeoPoint `json:"clock_in_location,omitempty"`
	ClockOutLocation *GeoPoint `json:"clock_out_location,omitempty"`

	VerificationMethod VerificationMethod `json:"verification_method"`
	BillableUnits      int                `json:"billable_units"`

	Status           SubmissionStatus `json:"status"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
	ValidationErrors []string         `json:"validation_errors,omitempty"`
	ExternalID       string           `json:"external_id,omitempty"`

	// Units already charged against an authorization for this visit.
	AuthorizationID string `json:"authorization_id,omitempty"`
	ConsumedUnits   int    `json:"consumed_units"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Completed reports whether the visit has both a clock-in and a clock-out.
func (v *VisitRecord) Completed() bool {
	return v.ClockIn != nil && v.ClockOut != nil
}

// VisitStatusUpdate carries the fields written back after a pipeline pass.
// Nil pointers leave the stored value unchanged.
type VisitStatusUpdate struct {
	Status           *SubmissionStatus
	RejectionReason  *string
	ValidationErrors []string
	ExternalID       *string
	BillableUnits    *int
	AuthorizationID  *string
	ConsumedUnits    *int

	// NeedsSubmission false parks the visit until it or a row it
	// references is saved again.
	NeedsSubmission *bool
	// RetryAfter holds the visit out of candidate lists until the given
	// time. A zero time clears the hold.
	RetryAfter *time.Time
}
