package model

import "time"

// Address is a postal address as captured by the agency.
type Address struct {
	Line1 string `json:"line1,omitempty"`
	Line2 string `json:"line2,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

// Empty reports whether no address component is set.
func (a Address) Empty() bool {
	return a.Line1 == "" && a.Line2 == "" && a.City == "" && a.State == "" && a.Zip == ""
}

// PhoneType is the agency's internal phone classification.
type PhoneType string

const (
	PhoneMobile PhoneType = "mobile"
	PhoneHome   PhoneType = "home"
	PhoneWork   PhoneType = "work"
	PhoneOther  PhoneType = "other"
)

// ClientRow holds the client demographics needed for EVV.
type ClientRow struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	MedicaidID  string    `json:"-"`
	Address     Address   `json:"address"`
	Phone       string    `json:"phone,omitempty"`
	PhoneType   PhoneType `json:"phone_type,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`

	// Geocoded service address; nil when the address was never geocoded.
	Location *GeoPoint `json:"location,omitempty"`
}

// StaffRow holds caregiver demographics. SSN is populated by the store's
// decrypt step and must never be logged unmasked.
type StaffRow struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	ExternalID  string    `json:"external_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	SSN         string    `json:"-"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	PhoneType   PhoneType `json:"phone_type,omitempty"`
	Category    string    `json:"category,omitempty"`
	Address     Address   `json:"address"`
	HireDate    time.Time `json:"hire_date,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Organization is an agency submitting to a state aggregator.
type Organization struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ProviderID         string `json:"provider_id"`
	AggregatorAccount  string `json:"aggregator_account"`
	AggregatorUsername string `json:"aggregator_username"`
	AggregatorPassword string `json:"-"`
	Active             bool   `json:"active"`

	// Settings is the organization's raw business-rule JSON. It is decoded
	// into config.OrgRules before use.
	Settings []byte `json:"-"`
}
