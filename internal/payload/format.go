package payload

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/evv-cli/internal/model"
)

const (
	maxFirstName = 35
	maxLastName  = 60
)

var (
	stateRe = regexp.MustCompile(`^[A-Z]{2}$`)
	zipRe   = regexp.MustCompile(`^\d{5}(-?\d{4})?$`)
)

// Address is the external address block.
type Address struct {
	Line1 string `json:"addressLine1"`
	Line2 string `json:"addressLine2,omitempty"`
	City  string `json:"city"`
	State string `json:"state"`
	Zip   string `json:"zipCode"`
}

// Phone is the external phone block.
type Phone struct {
	Number string `json:"phoneNumber"`
	Type   string `json:"phoneType"`
}

// Location is an external clock-in/out coordinate.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracyMeters,omitempty"`
}

// foldName strips diacritics so names fit the aggregator's ASCII schema.
func foldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return out
}

// checkNames validates and folds a first/last name pair.
func checkNames(is *issues, prefix, first, last string) (string, string) {
	first, last = foldName(first), foldName(last)
	switch n := len([]rune(first)); {
	case n == 0:
		is.fail(prefix+".first_name", CodeMissingFirstName, "first name is required")
	case n > maxFirstName:
		is.fail(prefix+".first_name", CodeFirstNameTooLong, "first name exceeds 35 characters")
	}
	switch n := len([]rune(last)); {
	case n == 0:
		is.fail(prefix+".last_name", CodeMissingLastName, "last name is required")
	case n > maxLastName:
		is.fail(prefix+".last_name", CodeLastNameTooLong, "last name exceeds 60 characters")
	}
	return first, last
}

// checkBirthDate requires dob in the past and, when minAge or maxAge is
// positive, an age within [minAge, maxAge].
func checkBirthDate(is *issues, field string, dob, now time.Time, minAge, maxAge int) {
	if dob.IsZero() {
		is.fail(field, CodeMissingDOB, "date of birth is required")
		return
	}
	if !dob.Before(now) {
		is.fail(field, CodeDOBInFuture, "date of birth must be in the past")
		return
	}
	if minAge <= 0 && maxAge <= 0 {
		return
	}
	if age := ageOn(dob, now); age < minAge || age > maxAge {
		is.fail(field, CodeAgeOutOfRange, "age must be between 18 and 100")
	}
}

// ageOn returns completed years between dob and now, compared by calendar
// date.
func ageOn(dob, now time.Time) int {
	y1, m1, d1 := dob.Date()
	y2, m2, d2 := now.Date()
	age := y2 - y1
	if m2 < m1 || (m2 == m1 && d2 < d1) {
		age--
	}
	return age
}

// buildAddress returns nil for an empty address and otherwise requires a
// complete address with a valid state code and ZIP.
func buildAddress(is *issues, prefix string, a model.Address) *Address {
	if a.Empty() {
		return nil
	}
	zip := strings.TrimSpace(a.Zip)
	out := &Address{
		Line1: strings.TrimSpace(a.Line1),
		Line2: strings.TrimSpace(a.Line2),
		City:  strings.TrimSpace(a.City),
		State: strings.ToUpper(strings.TrimSpace(a.State)),
		Zip:   digitsOnly(zip),
	}
	var missing []string
	if out.Line1 == "" {
		missing = append(missing, "line1")
	}
	if out.City == "" {
		missing = append(missing, "city")
	}
	if out.State == "" {
		missing = append(missing, "state")
	}
	if zip == "" {
		missing = append(missing, "zip")
	}
	if len(missing) > 0 {
		is.fail(prefix+".address", CodeIncompleteAddress, "address is missing "+strings.Join(missing, ", "))
		return nil
	}
	if !stateRe.MatchString(out.State) {
		is.fail(prefix+".address.state", CodeInvalidState, "state must be a 2-letter code")
	}
	if !zipRe.MatchString(zip) {
		is.fail(prefix+".address.zip", CodeInvalidZip, "zip code must be 5 or 9 digits")
	}
	return out
}

// NormalizePhone returns the 10-digit form of raw, dropping a leading
// country code 1. ok is false if raw cannot be normalized.
func NormalizePhone(raw string) (string, bool) {
	d := digitsOnly(raw)
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	return d, len(d) == 10
}

// buildPhone omits the block when there is no number and downgrades an
// unusable number to a warning.
func buildPhone(is *issues, prefix, raw string, kind model.PhoneType) *Phone {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	num, ok := NormalizePhone(raw)
	if !ok {
		is.warn(prefix+".phone", CodeInvalidPhone, "phone number is not 10 digits; omitted")
		return nil
	}
	return &Phone{Number: num, Type: phoneType(kind)}
}

func phoneType(k model.PhoneType) string {
	switch k {
	case model.PhoneMobile:
		return "Mobile"
	case model.PhoneHome:
		return "Home"
	case model.PhoneWork:
		return "Business"
	default:
		return "Other"
	}
}

// staffCategory maps the agency's role names to the external vocabulary.
func staffCategory(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "rn", "registered_nurse":
		return "RN", true
	case "lpn", "licensed_practical_nurse":
		return "LPN", true
	case "hha", "home_health_aide":
		return "HHA", true
	case "pca", "caregiver", "personal_care_attendant":
		return "PCA", true
	default:
		return "OTH", false
	}
}

func verificationCode(m model.VerificationMethod) string {
	switch m {
	case model.VerificationGPS:
		return "GPS"
	case model.VerificationTelephony:
		return "TEL"
	case model.VerificationFixedDevice:
		return "FVV"
	case model.VerificationBiometric:
		return "BIO"
	default:
		return ""
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateFormat)
}

func formatDateTime(t time.Time) string {
	return t.UTC().Format(DateTimeFormat)
}

func location(p *model.GeoPoint) *Location {
	if p == nil {
		return nil
	}
	out := &Location{Latitude: p.Latitude, Longitude: p.Longitude}
	if p.AccuracyMeters > 0 {
		acc := p.AccuracyMeters
		out.Accuracy = &acc
	}
	return out
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
