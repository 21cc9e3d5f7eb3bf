package payload

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/model"
)

// VisitClient is the member block of a visit payload.
type VisitClient struct {
	FirstName   string   `json:"clientFirstName"`
	LastName    string   `json:"clientLastName"`
	MedicaidID  string   `json:"clientMedicaidId"`
	DateOfBirth string   `json:"clientDateOfBirth"`
	Phone       *Phone   `json:"phone,omitempty"`
	Address     *Address `json:"address,omitempty"`
}

// VisitPayload is the aggregator's visit schema.
type VisitPayload struct {
	SequenceID         int64       `json:"sequenceId"`
	ProviderID         string      `json:"providerId"`
	VisitOtherID       string      `json:"visitOtherId"`
	EmployeeOtherID    string      `json:"employeeOtherId"`
	Client             VisitClient `json:"client"`
	PayerID            string      `json:"payerId"`
	PayerProgram       string      `json:"payerProgram"`
	ProcedureCode      string      `json:"procedureCode"`
	ServiceCode        string      `json:"serviceCode"`
	Modifiers          []string    `json:"modifiers,omitempty"`
	ScheduledStart     string      `json:"scheduleStartTime,omitempty"`
	ScheduledEnd       string      `json:"scheduleEndTime,omitempty"`
	ClockIn            string      `json:"callInDateTime"`
	ClockOut           string      `json:"callOutDateTime"`
	ClockInLocation    *Location   `json:"callInLocation,omitempty"`
	ClockOutLocation   *Location   `json:"callOutLocation,omitempty"`
	VerificationMethod string      `json:"callType"`
	Units              int         `json:"billableUnits"`
	Timezone           string      `json:"timezone,omitempty"`
}

func (p *VisitPayload) setSequenceID(v int64) { p.SequenceID = v }

// BuildVisit validates a completed visit with its client and caregiver and
// builds the visit payload. units is the billable unit count computed for
// the visit.
func (b *Builder) BuildVisit(ctx context.Context, org *model.Organization, visit *model.VisitRecord, client *model.ClientRow, caregiver *model.StaffRow, units int) (Result[VisitPayload], error) {
	switch {
	case visit == nil:
		return Result[VisitPayload]{}, eris.New("payload: nil visit")
	case client == nil:
		return Result[VisitPayload]{}, eris.Errorf("payload: visit %s has no client", visit.ID)
	case caregiver == nil:
		return Result[VisitPayload]{}, eris.Errorf("payload: visit %s has no caregiver", visit.ID)
	}
	var is issues
	var res Result[VisitPayload]

	if org == nil || strings.TrimSpace(org.ProviderID) == "" {
		is.fail("organization.provider_id", CodeMissingProviderID, "organization has no provider ID")
	}
	first, last := checkNames(&is, "client", client.FirstName, client.LastName)
	checkBirthDate(&is, "client.date_of_birth", client.DateOfBirth, b.now(), 0, 0)
	medicaid := strings.TrimSpace(client.MedicaidID)
	if medicaid == "" {
		is.fail("client.medicaid_id", CodeMissingMedicaidID, "client Medicaid ID is required")
	}
	addr := buildAddress(&is, "client", client.Address)
	phone := buildPhone(&is, "client", client.Phone, client.PhoneType)

	if strings.TrimSpace(visit.ServiceCode) == "" {
		is.fail("visit.service_code", CodeMissingServiceCode, "service code is required")
	}
	if !visit.Completed() {
		is.fail("visit.clock_times", CodeMissingClockTimes, "visit must have clock-in and clock-out")
	}
	method := verificationCode(visit.VerificationMethod)
	if method == "" {
		is.fail("visit.verification_method", CodeInvalidMethod, "unrecognized verification method "+string(visit.VerificationMethod))
	}

	res.Warnings = is.warnings
	if len(is.errors) > 0 {
		res.Errors = is.errors
		return res, nil
	}

	employee := caregiver.ExternalID
	if employee == "" {
		employee = caregiver.ID
	}
	p := &VisitPayload{
		ProviderID:      org.ProviderID,
		VisitOtherID:    visit.ID,
		EmployeeOtherID: employee,
		Client: VisitClient{
			FirstName:   first,
			LastName:    last,
			MedicaidID:  medicaid,
			DateOfBirth: formatDate(client.DateOfBirth),
			Phone:       phone,
			Address:     addr,
		},
		PayerID:            visit.PayerID,
		PayerProgram:       visit.PayerProgram,
		ProcedureCode:      visit.ProcedureCode,
		ServiceCode:        strings.TrimSpace(visit.ServiceCode),
		Modifiers:          visit.Modifiers,
		ClockIn:            formatDateTime(*visit.ClockIn),
		ClockOut:           formatDateTime(*visit.ClockOut),
		ClockInLocation:    location(visit.ClockInLocation),
		ClockOutLocation:   location(visit.ClockOutLocation),
		VerificationMethod: method,
		Units:              units,
		Timezone:           client.Timezone,
	}
	if !visit.ScheduledStart.IsZero() {
		p.ScheduledStart = formatDateTime(visit.ScheduledStart)
	}
	if !visit.ScheduledEnd.IsZero() {
		p.ScheduledEnd = formatDateTime(visit.ScheduledEnd)
	}

	seq, fp, reused, err := b.bindSequence(ctx, org.ID, model.EntityVisit, visit.ID, p)
	if err != nil {
		return Result[VisitPayload]{}, err
	}
	zap.L().Debug("payload: visit built",
		zap.String("org_id", org.ID),
		zap.String("visit_id", visit.ID),
		zap.String("medicaid_id", MaskLast4(medicaid)),
		zap.Int("units", units),
		zap.Int64("sequence_id", seq),
		zap.Bool("reused", reused),
	)

	res.Payload = p
	res.SequenceID = seq
	res.Fingerprint = fp
	res.Reused = reused
	return res, nil
}
