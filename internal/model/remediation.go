package model

import "time"

// RemediationKind says why a record needs a human to correct it.
type RemediationKind string

const (
	RemediationValidation       RemediationKind = "validation"
	RemediationAuthorization    RemediationKind = "authorization"
	RemediationPayload          RemediationKind = "payload"
	RemediationRejection        RemediationKind = "rejection"
	RemediationRetriesExhausted RemediationKind = "retries_exhausted"
)

// RemediationStatus is the lifecycle of a remediation task.
type RemediationStatus string

const (
	RemediationOpen     RemediationStatus = "open"
	RemediationResolved RemediationStatus = "resolved"
)

// RemediationTask asks the agency to fix a record that cannot be submitted.
// At most one open task exists per (record, kind).
type RemediationTask struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"org_id"`
	EntityType  EntityType        `json:"entity_type"`
	RecordID    string            `json:"record_id"`
	Kind        RemediationKind   `json:"kind"`
	Codes       []string          `json:"codes,omitempty"`
	Detail      string            `json:"detail"`
	Status      RemediationStatus `json:"status"`
	ExternalRef string            `json:"external_ref,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
