package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// FailureKind categorizes why a submission attempt did not produce a domain
// answer (accepted or rejected) from the aggregator.
type FailureKind string

const (
	FailureNetwork     FailureKind = "network"
	FailureTimeout     FailureKind = "timeout"
	FailureServer      FailureKind = "server"
	FailureAuth        FailureKind = "auth"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureRejection   FailureKind = "rejection"
	FailureInternal    FailureKind = "internal"
)

// Failure is a classified submission failure. It implements error so it can
// travel through eris chains.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the attempt should be retried on a later run.
// Authentication failures are retryable but also escalate.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case FailureNetwork, FailureTimeout, FailureServer, FailureAuth, FailureCircuitOpen:
		return true
	default:
		return false
	}
}

// Escalate reports whether the failure warrants an alert on first occurrence
// rather than after retries are exhausted.
func (f *Failure) Escalate() bool {
	return f.Kind == FailureAuth
}

// NewFailure builds a Failure of the given kind.
func NewFailure(kind FailureKind, statusCode int, err error) *Failure {
	return &Failure{Kind: kind, StatusCode: statusCode, Err: err}
}

// AsFailure extracts a Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ClassifyTransport maps an error returned by the HTTP transport (no response
// received) to a timeout or network failure.
func ClassifyTransport(err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	if IsTimeout(err) {
		return NewFailure(FailureTimeout, 0, err)
	}
	return NewFailure(FailureNetwork, 0, err)
}

// ClassifyHTTPStatus maps a non-2xx aggregator status code to a failure kind.
// Unknown 4xx codes are treated as rejections, unknown codes otherwise as
// server failures.
func ClassifyHTTPStatus(statusCode int) FailureKind {
	switch {
	case statusCode == 401 || statusCode == 403:
		return FailureAuth
	case IsTransientHTTPStatus(statusCode):
		return FailureServer
	case statusCode >= 400 && statusCode < 500:
		return FailureRejection
	default:
		return FailureServer
	}
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return statusCode > 500 && statusCode < 600
	}
}

// IsTimeout returns true if err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "client.timeout exceeded")
}

// IsTransient returns true if err is a classified retryable failure, or if it
// matches common transient network patterns (timeouts, connection resets,
// DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if f, ok := AsFailure(err); ok {
		return f.Retryable()
	}
	if IsTimeout(err) {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"server closed idle connection",
		"eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
