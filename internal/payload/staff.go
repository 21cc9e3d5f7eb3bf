package payload

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/model"
)

// Staff age band accepted by the aggregator.
const (
	minStaffAge = 18
	maxStaffAge = 100
)

// StaffPayload is the aggregator's employee schema.
type StaffPayload struct {
	SequenceID         int64    `json:"sequenceId"`
	ProviderID         string   `json:"providerId"`
	EmployeeIdentifier string   `json:"employeeIdentifier"`
	EmployeeOtherID    string   `json:"employeeOtherId"`
	SSN                string   `json:"employeeSSN"`
	FirstName          string   `json:"employeeFirstName"`
	LastName           string   `json:"employeeLastName"`
	Email              string   `json:"employeeEmail,omitempty"`
	DateOfBirth        string   `json:"employeeDateOfBirth"`
	HireDate           string   `json:"employeeHireDate,omitempty"`
	Position           string   `json:"employeePosition"`
	Phone              *Phone   `json:"phone,omitempty"`
	Address            *Address `json:"address,omitempty"`
}

func (p *StaffPayload) setSequenceID(v int64) { p.SequenceID = v }

// BuildStaff validates staff and builds its employee payload. Validation
// findings are returned in the Result; err is reserved for missing input and
// sequence allocation failures.
func (b *Builder) BuildStaff(ctx context.Context, org *model.Organization, staff *model.StaffRow) (Result[StaffPayload], error) {
	if staff == nil {
		return Result[StaffPayload]{}, eris.New("payload: nil staff profile")
	}
	var is issues
	var res Result[StaffPayload]

	if org == nil || strings.TrimSpace(org.ProviderID) == "" {
		is.fail("organization.provider_id", CodeMissingProviderID, "organization has no provider ID")
	}
	first, last := checkNames(&is, "staff", staff.FirstName, staff.LastName)
	checkBirthDate(&is, "staff.date_of_birth", staff.DateOfBirth, b.now(), minStaffAge, maxStaffAge)
	ssn := checkSSN(&is, "staff.ssn", staff.SSN)
	addr := buildAddress(&is, "staff", staff.Address)
	phone := buildPhone(&is, "staff", staff.Phone, staff.PhoneType)

	position, mapped := staffCategory(staff.Category)
	if !mapped {
		is.warn("staff.category", CodeUnmappedCategory, "staff category "+staff.Category+" has no aggregator mapping; sent as OTH")
	}

	res.Warnings = is.warnings
	if len(is.errors) > 0 {
		res.Errors = is.errors
		return res, nil
	}

	p := &StaffPayload{
		ProviderID:         org.ProviderID,
		EmployeeIdentifier: staff.ID,
		EmployeeOtherID:    staff.ID,
		SSN:                ssn,
		FirstName:          first,
		LastName:           last,
		Email:              strings.TrimSpace(staff.Email),
		DateOfBirth:        formatDate(staff.DateOfBirth),
		HireDate:           formatDate(staff.HireDate),
		Position:           position,
		Phone:              phone,
		Address:            addr,
	}
	if staff.ExternalID != "" {
		p.EmployeeOtherID = staff.ExternalID
	}

	seq, fp, reused, err := b.bindSequence(ctx, org.ID, model.EntityStaff, staff.ID, p)
	if err != nil {
		return Result[StaffPayload]{}, err
	}
	zap.L().Debug("payload: staff built",
		zap.String("org_id", org.ID),
		zap.String("staff_id", staff.ID),
		zap.String("ssn", MaskSSN(ssn)),
		zap.Int64("sequence_id", seq),
		zap.Bool("reused", reused),
	)

	res.Payload = p
	res.SequenceID = seq
	res.Fingerprint = fp
	res.Reused = reused
	return res, nil
}
