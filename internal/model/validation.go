package model

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
}

// ValidationResult is the transient outcome of validating a visit record.
type ValidationResult struct {
	Valid           bool    `json:"valid"`
	Issues          []Issue `json:"issues,omitempty"`
	ComplianceScore float64 `json:"compliance_score"`
	TotalChecks     int     `json:"total_checks"`
}

// Errors returns the blocking issues.
func (r *ValidationResult) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the advisory issues.
func (r *ValidationResult) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

// ErrorCodes returns the codes of the blocking issues in order.
func (r *ValidationResult) ErrorCodes() []string {
	return IssueCodes(r.Errors())
}

func (r *ValidationResult) filter(sev Severity) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

// IssueCodes extracts the codes from issues.
func IssueCodes(issues []Issue) []string {
	if len(issues) == 0 {
		return nil
	}
	codes := make([]string, len(issues))
	for i, is := range issues {
		codes[i] = is.Code
	}
	return codes
}
