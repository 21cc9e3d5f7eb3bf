package model

import (
	"encoding/json"
	"time"
)

// EntityType scopes sequence counters and transaction records.
type EntityType string

const (
	EntityVisit EntityType = "visit"
	EntityStaff EntityType = "staff"
)

// TransactionStatus is the domain status of a submission attempt.
type TransactionStatus string

const (
	TransactionSuccess  TransactionStatus = "success"
	TransactionError    TransactionStatus = "error"
	TransactionRetrying TransactionStatus = "retrying"
)

// Transaction is the audit entry for one submission attempt. Rows are
// inserted once per attempt; only retry bookkeeping (RetriedBy) changes after.
type Transaction struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"org_id"`
	EntityType      EntityType        `json:"entity_type"`
	RecordID        string            `json:"record_id"`
	SequenceID      int64             `json:"sequence_id"`
	Fingerprint     string            `json:"fingerprint"`
	RequestPayload  json.RawMessage   `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage   `json:"response_payload,omitempty"`
	HTTPStatus      int               `json:"http_status"`
	Status          TransactionStatus `json:"status"`
	ExternalID      string            `json:"external_id,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorCategory   string            `json:"error_category,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Retryable       bool              `json:"retryable"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	LatencyMS       int64             `json:"latency_ms"`
	RetriedBy       string            `json:"retried_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// EligibleForRetry reports whether the attempt may be retried at now: it
// failed retryably, has retries left, has not already been retried, and its
// next_retry_at has elapsed or is unset.
func (t *Transaction) EligibleForRetry(now time.Time) bool {
	if t.Status != TransactionError && t.Status != TransactionRetrying {
		return false
	}
	if !t.Retryable || t.RetriedBy != "" {
		return false
	}
	if t.RetryCount >= t.MaxRetries {
		return false
	}
	return t.NextRetryAt == nil || !t.NextRetryAt.After(now)
}

// Exhausted reports whether a retryable failure has used all of its retries.
func (t *Transaction) Exhausted() bool {
	return t.Status == TransactionError && t.Retryable && t.RetryCount >= t.MaxRetries
}

// SequenceBinding associates an issued SequenceID with a domain record and the
// fingerprint of the record state it was issued for.
type SequenceBinding struct {
	OrgID       string     `json:"org_id"`
	EntityType  EntityType `json:"entity_type"`
	RecordID    string     `json:"record_id"`
	Value       int64      `json:"value"`
	Fingerprint string     `json:"fingerprint"`
	BoundAt     time.Time  `json:"bound_at"`
}
