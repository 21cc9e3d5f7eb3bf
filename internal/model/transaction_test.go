package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransaction_EligibleForRetry(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		tx   Transaction
		want bool
	}{
		{"retrying elapsed", Transaction{Status: TransactionRetrying, Retryable: true, RetryCount: 1, MaxRetries: 5, NextRetryAt: &past}, true},
		{"retrying unset next", Transaction{Status: TransactionRetrying, Retryable: true, RetryCount: 1, MaxRetries: 5}, true},
		{"retrying not yet due", Transaction{Status: TransactionRetrying, Retryable: true, RetryCount: 1, MaxRetries: 5, NextRetryAt: &future}, false},
		{"exhausted", Transaction{Status: TransactionError, Retryable: true, RetryCount: 5, MaxRetries: 5}, false},
		{"success", Transaction{Status: TransactionSuccess, Retryable: true, MaxRetries: 5}, false},
		{"rejection", Transaction{Status: TransactionError, Retryable: false, MaxRetries: 5}, false},
		{"already retried", Transaction{Status: TransactionRetrying, Retryable: true, RetryCount: 1, MaxRetries: 5, RetriedBy: "tx-2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tx.EligibleForRetry(now))
		})
	}
}

func TestTransaction_Exhausted(t *testing.T) {
	assert.True(t, (&Transaction{Status: TransactionError, Retryable: true, RetryCount: 3, MaxRetries: 3}).Exhausted())
	assert.False(t, (&Transaction{Status: TransactionRetrying, Retryable: true, RetryCount: 2, MaxRetries: 3}).Exhausted())
	assert.False(t, (&Transaction{Status: TransactionError, Retryable: false, RetryCount: 0, MaxRetries: 3}).Exhausted())
}

func TestAuthorization_Covers(t *testing.T) {
	a := Authorization{
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, a.Covers(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)))
	assert.True(t, a.Covers(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, a.Covers(time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC)))
	assert.False(t, a.Covers(time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC)))
}

func TestAuthorization_RemainingUnits(t *testing.T) {
	a := Authorization{AuthorizedUnits: 40, UsedUnits: 38}
	assert.Equal(t, 2, a.RemainingUnits())
}

func TestVerificationMethod_Valid(t *testing.T) {
	assert.True(t, VerificationGPS.Valid())
	assert.True(t, VerificationBiometric.Valid())
	assert.False(t, VerificationMethod("carrier_pigeon").Valid())
	assert.False(t, VerificationMethod("").Valid())
}

func TestValidationResult_Filters(t *testing.T) {
	r := ValidationResult{Issues: []Issue{
		{Code: "A", Severity: SeverityError},
		{Code: "B", Severity: SeverityWarning},
		{Code: "C", Severity: SeverityError},
	}}
	assert.Equal(t, []string{"A", "C"}, r.ErrorCodes())
	assert.Len(t, r.Warnings(), 1)
}
