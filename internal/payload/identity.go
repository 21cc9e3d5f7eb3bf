package payload

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Known-invalid SSNs that are otherwise well formed.
var ssnDenylist = map[string]bool{
	"123456789": true,
	"078051120": true,
	"219099999": true,
}

// NormalizeSSN strips separators from raw.
func NormalizeSSN(raw string) string {
	return digitsOnly(raw)
}

// ValidSSN reports whether ssn is exactly nine digits and structurally
// assignable: no repeated-digit runs, no reserved area (000, 666, 9xx), and
// no all-zero group or serial.
func ValidSSN(ssn string) bool {
	if len(ssn) != 9 {
		return false
	}
	for _, r := range ssn {
		if r < '0' || r > '9' {
			return false
		}
	}
	if strings.Count(ssn, ssn[:1]) == 9 {
		return false
	}
	area, group, serial := ssn[:3], ssn[3:5], ssn[5:]
	switch {
	case area == "000", area == "666", area[0] == '9':
		return false
	case group == "00", serial == "0000":
		return false
	}
	return !ssnDenylist[ssn]
}

// checkSSN records the identifier issues for a staff SSN and returns its
// normalized form.
func checkSSN(is *issues, field, raw string) string {
	if strings.TrimSpace(raw) == "" {
		is.fail(field, CodeMissingSSN, "SSN is required")
		return ""
	}
	trimmed := strings.TrimSpace(raw)
	ssn := NormalizeSSN(trimmed)
	// Separators are allowed; anything else makes the value malformed.
	if len(strings.NewReplacer("-", "", " ", "").Replace(trimmed)) != len(ssn) || !ValidSSN(ssn) {
		is.fail(field, CodeInvalidSSN, "SSN must be 9 digits and structurally valid")
		return ""
	}
	return ssn
}

// MaskSSN renders an SSN for logs as ***-**-1234.
func MaskSSN(ssn string) string {
	d := digitsOnly(ssn)
	if len(d) < 4 {
		return "***-**-****"
	}
	return "***-**-" + d[len(d)-4:]
}

// MaskLast4 keeps only the last four characters of an identifier.
func MaskLast4(id string) string {
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

// redactedFields maps payload keys that carry identifiers to their masks.
var redactedFields = map[string]func(string) string{
	"employeeSSN":      MaskSSN,
	"clientMedicaidId": MaskLast4,
}

// Redact masks the identifiers in a JSON request body before it is stored.
// Bodies that are not JSON objects or arrays are returned unchanged.
func Redact(body []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return body
	}
	if !redactValue(doc) {
		return body
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

func redactValue(v any) bool {
	changed := false
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if mask, ok := redactedFields[k]; ok {
				if s, ok := child.(string); ok && s != "" {
					t[k] = mask(s)
					changed = true
				}
				continue
			}
			if redactValue(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range t {
			if redactValue(child) {
				changed = true
			}
		}
	}
	return changed
}
