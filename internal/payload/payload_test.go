package payload

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/sequence"
	"github.com/sells-group/evv-cli/internal/store"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "payload.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return NewBuilder(sequence.New(s), WithClock(func() time.Time { return testNow }))
}

type failingSequencer struct{}

func (failingSequencer) Resolve(context.Context, string, model.EntityType, string, string) (int64, bool, error) {
	return 0, false, eris.New("counter unavailable")
}

func testOrg() *model.Organization {
	return &model.Organization{ID: "org-1", ProviderID: "PRV-100"}
}

func testStaff() *model.StaffRow {
	return &model.StaffRow{
		ID:          "staff-1",
		OrgID:       "org-1",
		FirstName:   "José",
		LastName:    "Núñez",
		DateOfBirth: time.Date(1985, 6, 15, 0, 0, 0, 0, time.UTC),
		SSN:         "123-45-6780",
		Phone:       "+1 (512) 555-0100",
		PhoneType:   model.PhoneMobile,
		Category:    "caregiver",
	}
}

func testClient() *model.ClientRow {
	return &model.ClientRow{
		ID:          "client-1",
		OrgID:       "org-1",
		FirstName:   "Ana",
		LastName:    "Lopez",
		DateOfBirth: time.Date(1940, 1, 2, 0, 0, 0, 0, time.UTC),
		MedicaidID:  "518739201",
		Address:     model.Address{Line1: "100 Congress Ave", City: "Austin", State: "tx", Zip: "78701"},
		Timezone:    "America/Chicago",
	}
}

func testVisit() *model.VisitRecord {
	in := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	out := in.Add(time.Hour)
	return &model.VisitRecord{
		ID:                 "visit-1",
		OrgID:              "org-1",
		ClientID:           "client-1",
		CaregiverID:        "staff-1",
		ServiceCode:        "S5125",
		PayerID:            "MCD",
		PayerProgram:       "STAR+PLUS",
		ProcedureCode:      "T1019",
		ScheduledStart:     in,
		ScheduledEnd:       out,
		ClockIn:            &in,
		ClockOut:           &out,
		ClockInLocation:    &model.GeoPoint{Latitude: 30.2672, Longitude: -97.7431, AccuracyMeters: 12},
		ClockOutLocation:   &model.GeoPoint{Latitude: 30.2673, Longitude: -97.7430},
		VerificationMethod: model.VerificationGPS,
	}
}

func TestBuildStaff_Success(t *testing.T) {
	b := newTestBuilder(t)
	res, err := b.BuildStaff(context.Background(), testOrg(), testStaff())
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Empty(t, res.Errors)

	p := res.Payload
	assert.Equal(t, "Jose", p.FirstName)
	assert.Equal(t, "Nunez", p.LastName)
	assert.Equal(t, "123456780", p.SSN)
	assert.Equal(t, "1985-06-15", p.DateOfBirth)
	assert.Equal(t, "PCA", p.Position)
	assert.Equal(t, "PRV-100", p.ProviderID)
	require.NotNil(t, p.Phone)
	assert.Equal(t, Phone{Number: "5125550100", Type: "Mobile"}, *p.Phone)
	assert.Nil(t, p.Address, "empty address block is omitted")
	assert.Equal(t, int64(1), p.SequenceID)
	assert.Equal(t, res.SequenceID, p.SequenceID)
	assert.Len(t, res.Fingerprint, 64)
}

func TestBuildStaff_SequenceReuse(t *testing.T) {
	ctx := context.Background()
	b := newTestBuilder(t)

	first, err := b.BuildStaff(ctx, testOrg(), testStaff())
	require.NoError(t, err)
	again, err := b.BuildStaff(ctx, testOrg(), testStaff())
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.SequenceID, again.SequenceID)

	changed := testStaff()
	changed.LastName = "Garcia"
	res, err := b.BuildStaff(ctx, testOrg(), changed)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Greater(t, res.SequenceID, first.SequenceID)
}

func TestBuildStaff_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.StaffRow)
		code   string
	}{
		{"missing first name", func(s *model.StaffRow) { s.FirstName = "  " }, CodeMissingFirstName},
		{"missing last name", func(s *model.StaffRow) { s.LastName = "" }, CodeMissingLastName},
		{"long first name", func(s *model.StaffRow) { s.FirstName = strings.Repeat("a", 36) }, CodeFirstNameTooLong},
		{"missing dob", func(s *model.StaffRow) { s.DateOfBirth = time.Time{} }, CodeMissingDOB},
		{"future dob", func(s *model.StaffRow) { s.DateOfBirth = testNow.AddDate(0, 0, 1) }, CodeDOBInFuture},
		{"too young", func(s *model.StaffRow) { s.DateOfBirth = testNow.AddDate(-17, 0, 0) }, CodeAgeOutOfRange},
		{"too old", func(s *model.StaffRow) { s.DateOfBirth = testNow.AddDate(-101, 0, 0) }, CodeAgeOutOfRange},
		{"missing ssn", func(s *model.StaffRow) { s.SSN = "" }, CodeMissingSSN},
		{"repeated ssn", func(s *model.StaffRow) { s.SSN = "111-11-1111" }, CodeInvalidSSN},
		{"letters in ssn", func(s *model.StaffRow) { s.SSN = "12345678a" }, CodeInvalidSSN},
		{"partial address", func(s *model.StaffRow) { s.Address = model.Address{City: "Austin"} }, CodeIncompleteAddress},
		{"bad state", func(s *model.StaffRow) {
			s.Address = model.Address{Line1: "1 Main", City: "Austin", State: "Texas", Zip: "78701"}
		}, CodeInvalidState},
		{"bad zip", func(s *model.StaffRow) {
			s.Address = model.Address{Line1: "1 Main", City: "Austin", State: "TX", Zip: "7870"}
		}, CodeInvalidZip},
		{"letters in zip", func(s *model.StaffRow) {
			s.Address = model.Address{Line1: "1 Main", City: "Austin", State: "TX", Zip: "ABCDE12345"}
		}, CodeInvalidZip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			staff := testStaff()
			tt.mutate(staff)
			res, err := newTestBuilder(t).BuildStaff(context.Background(), testOrg(), staff)
			require.NoError(t, err)
			assert.False(t, res.OK())
			assert.Nil(t, res.Payload)
			assert.Contains(t, res.ErrorCodes(), tt.code)
			assert.Zero(t, res.SequenceID, "no sequence is bound for a failed build")
		})
	}
}

func TestBuildStaff_ZipPlusFour(t *testing.T) {
	for _, zip := range []string{"78701-1234", "787011234"} {
		staff := testStaff()
		staff.Address = model.Address{Line1: "1 Main", City: "Austin", State: "TX", Zip: zip}
		res, err := newTestBuilder(t).BuildStaff(context.Background(), testOrg(), staff)
		require.NoError(t, err)
		require.True(t, res.OK(), zip)
		assert.Equal(t, "787011234", res.Payload.Address.Zip)
	}
}

func TestBuildStaff_SSNOnlyInSSNField(t *testing.T) {
	res, err := newTestBuilder(t).BuildStaff(context.Background(), testOrg(), testStaff())
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, "staff-1", res.Payload.EmployeeIdentifier)

	body, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), "123456780"))
}

func TestBuildStaff_AgeBoundaries(t *testing.T) {
	b := newTestBuilder(t)
	staff := testStaff()
	staff.DateOfBirth = testNow.AddDate(-18, 0, 0)
	res, err := b.BuildStaff(context.Background(), testOrg(), staff)
	require.NoError(t, err)
	assert.True(t, res.OK(), "exactly 18 is allowed")

	staff.DateOfBirth = testNow.AddDate(-18, 0, 1)
	res, err = b.BuildStaff(context.Background(), testOrg(), staff)
	require.NoError(t, err)
	assert.Contains(t, res.ErrorCodes(), CodeAgeOutOfRange)
}

func TestBuildStaff_Warnings(t *testing.T) {
	staff := testStaff()
	staff.Phone = "555-0100"
	staff.Category = "dietitian"
	res, err := newTestBuilder(t).BuildStaff(context.Background(), testOrg(), staff)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Nil(t, res.Payload.Phone)
	assert.Equal(t, "OTH", res.Payload.Position)
	assert.ElementsMatch(t, []string{CodeInvalidPhone, CodeUnmappedCategory}, model.IssueCodes(res.Warnings))
}

func TestBuildStaff_MissingProvider(t *testing.T) {
	res, err := newTestBuilder(t).BuildStaff(context.Background(), &model.Organization{ID: "org-1"}, testStaff())
	require.NoError(t, err)
	assert.Contains(t, res.ErrorCodes(), CodeMissingProviderID)

	_, err = newTestBuilder(t).BuildStaff(context.Background(), testOrg(), nil)
	require.Error(t, err)
}

func TestBuildStaff_SequencerFailure(t *testing.T) {
	b := NewBuilder(failingSequencer{}, WithClock(func() time.Time { return testNow }))
	_, err := b.BuildStaff(context.Background(), testOrg(), testStaff())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counter unavailable")
}

func TestBuildVisit_Success(t *testing.T) {
	b := newTestBuilder(t)
	res, err := b.BuildVisit(context.Background(), testOrg(), testVisit(), testClient(), testStaff(), 4)
	require.NoError(t, err)
	require.True(t, res.OK())

	p := res.Payload
	assert.Equal(t, "visit-1", p.VisitOtherID)
	assert.Equal(t, "staff-1", p.EmployeeOtherID)
	assert.Equal(t, "2026-03-02T15:00:00Z", p.ClockIn)
	assert.Equal(t, "2026-03-02T16:00:00Z", p.ClockOut)
	assert.Equal(t, "GPS", p.VerificationMethod)
	assert.Equal(t, 4, p.Units)
	assert.Equal(t, "518739201", p.Client.MedicaidID)
	require.NotNil(t, p.Client.Address)
	assert.Equal(t, "TX", p.Client.Address.State)
	require.NotNil(t, p.ClockInLocation.Accuracy)
	assert.Nil(t, p.ClockOutLocation.Accuracy)
	assert.Equal(t, int64(1), p.SequenceID)
}

func TestBuildVisit_UnitChangeAllocatesNewSequence(t *testing.T) {
	ctx := context.Background()
	b := newTestBuilder(t)
	first, err := b.BuildVisit(ctx, testOrg(), testVisit(), testClient(), testStaff(), 4)
	require.NoError(t, err)
	same, err := b.BuildVisit(ctx, testOrg(), testVisit(), testClient(), testStaff(), 4)
	require.NoError(t, err)
	assert.Equal(t, first.SequenceID, same.SequenceID)

	changed, err := b.BuildVisit(ctx, testOrg(), testVisit(), testClient(), testStaff(), 5)
	require.NoError(t, err)
	assert.Greater(t, changed.SequenceID, first.SequenceID)
}

func TestBuildVisit_Errors(t *testing.T) {
	visit := testVisit()
	visit.ClockOut = nil
	visit.ServiceCode = ""
	visit.VerificationMethod = "carrier_pigeon"
	client := testClient()
	client.MedicaidID = ""

	res, err := newTestBuilder(t).BuildVisit(context.Background(), testOrg(), visit, client, testStaff(), 0)
	require.NoError(t, err)
	assert.Nil(t, res.Payload)
	assert.ElementsMatch(t, []string{
		CodeMissingMedicaidID, CodeMissingServiceCode, CodeMissingClockTimes, CodeInvalidMethod,
	}, res.ErrorCodes())
}

func TestBuildVisit_NilInputs(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.BuildVisit(context.Background(), testOrg(), nil, testClient(), testStaff(), 1)
	assert.Error(t, err)
	_, err = b.BuildVisit(context.Background(), testOrg(), testVisit(), nil, testStaff(), 1)
	assert.Error(t, err)
	_, err = b.BuildVisit(context.Background(), testOrg(), testVisit(), testClient(), nil, 1)
	assert.Error(t, err)
}

func TestValidSSN(t *testing.T) {
	tests := []struct {
		ssn  string
		want bool
	}{
		{"123456780", true},
		{"524381234", true},
		{"111111111", false},
		{"999999999", false},
		{"000123456", false},
		{"666123456", false},
		{"912345678", false},
		{"123006789", false},
		{"123450000", false},
		{"123456789", false},
		{"078051120", false},
		{"219099999", false},
		{"12345678", false},
		{"1234567890", false},
		{"12345678x", false},
	}
	for _, tt := range tests {
		t.Run(tt.ssn, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSSN(tt.ssn))
		})
	}
}

func TestValidSSN_RepeatedDigits(t *testing.T) {
	for d := '0'; d <= '9'; d++ {
		ssn := string([]rune{d, d, d, d, d, d, d, d, d})
		assert.False(t, ValidSSN(ssn), ssn)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"(512) 555-0100", "5125550100", true},
		{"1-512-555-0100", "5125550100", true},
		{"+1 512 555 0100", "5125550100", true},
		{"2-512-555-0100", "25125550100", false},
		{"555-0100", "5550100", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
	}
}

func TestPhoneAndCategoryMapping(t *testing.T) {
	assert.Equal(t, "Business", phoneType(model.PhoneWork))
	assert.Equal(t, "Home", phoneType(model.PhoneHome))
	assert.Equal(t, "Other", phoneType(""))

	for role, want := range map[string]string{"RN": "RN", "lpn": "LPN", "HHA": "HHA", "caregiver": "PCA"} {
		got, ok := staffCategory(role)
		assert.True(t, ok, role)
		assert.Equal(t, want, got, role)
	}
}

func TestMasking(t *testing.T) {
	assert.Equal(t, "***-**-6780", MaskSSN("123-45-6780"))
	assert.Equal(t, "***-**-****", MaskSSN("12"))
	assert.Equal(t, "*****9201", MaskLast4("518739201"))
	assert.Equal(t, "***", MaskLast4("abc"))
}

func TestRedact(t *testing.T) {
	got := Redact([]byte(`{"sequenceId":12,"employeeSSN":"123456780","client":{"clientMedicaidId":"518739201","clientFirstName":"Ana"}}`))
	assert.JSONEq(t, `{"sequenceId":12,"employeeSSN":"***-**-6780","client":{"clientMedicaidId":"*****9201","clientFirstName":"Ana"}}`, string(got))
	assert.NotRegexp(t, `\d{9}`, string(got))

	unchanged := []byte(`{"sequenceId":12}`)
	assert.Equal(t, unchanged, Redact(unchanged))
	assert.Equal(t, []byte(`not json`), Redact([]byte(`not json`)))
	assert.Nil(t, Redact(nil))
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, "Francois", foldName(" François "))
	assert.Equal(t, "Zoe", foldName("Zoë"))
	assert.Equal(t, "O'Brien", foldName("O'Brien"))
}
