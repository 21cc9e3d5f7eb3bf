// Package aggregator is a client for the state EVV aggregator's staff and
// visit submission API.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/evv-cli/internal/resilience"
)

// Endpoint is a submission path relative to the base URL.
type Endpoint string

const (
	EndpointStaff  Endpoint = "/v1/staff"
	EndpointVisits Endpoint = "/v1/visits"
	endpointHealth Endpoint = "/v1/health"
)

// maxResponseBytes bounds how much of a response body is read and logged.
const maxResponseBytes = 1 << 20

// Status is the interpreted result of one submission.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Wire statuses returned in the response body.
const (
	wireAccepted = "ACCEPTED"
	wireReceived = "RECEIVED"
	wireRejected = "REJECTED"
)

// Credentials identify one organization's aggregator account.
type Credentials struct {
	Username string
	Password string
	Account  string
}

// WireError is a field-level error reported by the aggregator.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// response is the aggregator's submission response body.
type response struct {
	TransactionID string      `json:"transactionId"`
	Status        string      `json:"status"`
	Errors        []WireError `json:"errors"`
}

// Outcome describes one submission attempt.
type Outcome struct {
	Status Status
	// Pending is set when the aggregator acknowledged the payload but has not
	// finished processing it.
	Pending    bool
	ExternalID string
	Errors     []WireError
	// Failure classifies a StatusError or StatusRejected outcome.
	Failure *resilience.Failure

	HTTPStatus int
	Request    []byte
	Response   []byte
	Latency    time.Duration
}

// ErrorCode returns a short code describing the outcome, empty on
// acceptance.
func (o *Outcome) ErrorCode() string {
	if o.Status == StatusAccepted {
		return ""
	}
	if len(o.Errors) > 0 && o.Errors[0].Code != "" {
		return o.Errors[0].Code
	}
	if o.Failure != nil {
		if o.HTTPStatus > 0 {
			return fmt.Sprintf("HTTP_%d", o.HTTPStatus)
		}
		return strings.ToUpper(string(o.Failure.Kind))
	}
	return ""
}

// Message returns a human readable summary of the outcome.
func (o *Outcome) Message() string {
	if len(o.Errors) > 0 {
		msgs := make([]string, 0, len(o.Errors))
		for _, e := range o.Errors {
			if e.Field != "" {
				msgs = append(msgs, e.Field+": "+e.Message)
			} else {
				msgs = append(msgs, e.Message)
			}
		}
		return strings.Join(msgs, "; ")
	}
	if o.Failure != nil {
		return o.Failure.Error()
	}
	return ""
}

// Client submits payloads to the aggregator.
type Client interface {
	// Submit posts body to endpoint. Transport, auth and domain failures
	// are reported through the Outcome; err is returned only when the
	// request could not be built.
	Submit(ctx context.Context, endpoint Endpoint, body any) (*Outcome, error)
	// Ping checks the credentials against the health endpoint without
	// submitting data.
	Ping(ctx context.Context) error
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds each call, including time spent waiting on the rate
// limiter.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit throttles calls to rps requests per second. Zero disables
// throttling.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithCircuitBreaker short-circuits calls while cb is open.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

type httpClient struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewClient creates an aggregator client for one organization's account.
func NewClient(baseURL string, creds Credentials, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		timeout: 30 * time.Second,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Submit(ctx context.Context, endpoint Endpoint, body any) (*Outcome, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregator: marshal %s payload", endpoint)
	}
	out := &Outcome{Request: buf}

	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			out.Status = StatusError
			out.Failure = resilience.NewFailure(resilience.FailureCircuitOpen, 0, err)
			return out, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	status, data, err := c.do(ctx, http.MethodPost, endpoint, buf)
	out.Latency = time.Since(start)
	out.HTTPStatus = status
	out.Response = data

	if err != nil {
		out.Status = StatusError
		out.Failure = resilience.ClassifyTransport(err)
	} else {
		interpret(out, status, data)
	}
	c.record(out)

	zap.L().Debug("aggregator: submit",
		zap.String("endpoint", string(endpoint)),
		zap.String("account", c.creds.Account),
		zap.String("status", string(out.Status)),
		zap.Int("http_status", status),
		zap.Duration("latency", out.Latency),
	)
	return out, nil
}

func (c *httpClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, data, err := c.do(ctx, http.MethodGet, endpointHealth, nil)
	if err != nil {
		return eris.Wrap(resilience.ClassifyTransport(err), "aggregator: health check")
	}
	if status < 200 || status >= 300 {
		f := resilience.NewFailure(resilience.ClassifyHTTPStatus(status), status, eris.New(snippet(data)))
		return eris.Wrap(f, "aggregator: health check")
	}
	return nil
}

// record feeds the breaker. Only failures that say something about the
// aggregator's availability count; auth errors and rejections are answers.
func (c *httpClient) record(out *Outcome) {
	if c.breaker == nil {
		return
	}
	failed := false
	if out.Failure != nil {
		switch out.Failure.Kind {
		case resilience.FailureNetwork, resilience.FailureTimeout, resilience.FailureServer:
			failed = true
		}
	}
	c.breaker.Record(failed)
}

func (c *httpClient) do(ctx context.Context, method string, endpoint Endpoint, body []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, eris.Wrap(err, "rate limit")
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+string(endpoint), reader)
	if err != nil {
		return 0, nil, eris.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Account", c.creds.Account)
	req.SetBasicAuth(c.creds.Username, c.creds.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, eris.Wrap(err, "read response body")
	}
	return resp.StatusCode, data, nil
}

// interpret fills out from an HTTP response.
func interpret(out *Outcome, status int, data []byte) {
	var body response
	parsed := len(data) > 0 && json.Unmarshal(data, &body) == nil
	out.ExternalID = body.TransactionID
	out.Errors = body.Errors

	if status < 200 || status >= 300 {
		kind := resilience.ClassifyHTTPStatus(status)
		out.Failure = resilience.NewFailure(kind, status, eris.Errorf("HTTP %d: %s", status, snippet(data)))
		if kind == resilience.FailureRejection {
			out.Status = StatusRejected
		} else {
			out.Status = StatusError
		}
		return
	}
	if !parsed {
		out.Status = StatusError
		out.Failure = resilience.NewFailure(resilience.FailureServer, status, eris.New("unreadable response body"))
		return
	}

	switch strings.ToUpper(body.Status) {
	case wireAccepted:
		out.Status = StatusAccepted
	case wireReceived:
		out.Status = StatusAccepted
		out.Pending = true
	case wireRejected:
		out.Status = StatusRejected
		out.Failure = resilience.NewFailure(resilience.FailureRejection, status, eris.New("rejected by aggregator"))
	default:
		out.Status = StatusError
		out.Failure = resilience.NewFailure(resilience.FailureServer, status, eris.Errorf("unknown response status %q", body.Status))
	}
}

func snippet(data []byte) string {
	const n = 256
	s := strings.TrimSpace(string(data))
	if len(s) > n {
		return s[:n]
	}
	return s
}
