// Package client is the Go SDK for the ABLab API. It wraps the HTTP surface
// with typed methods, decodes the shared response envelope, and retries
// transient failures with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// Version is the SDK version reported in the User-Agent header.
const Version = "0.1.0"

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

// Client is the ABLab SDK client.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	apiKey       string
	userAgent    string
	logger       Logger
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration

	experiments     *ExperimentsClient
	experimentsOnce sync.Once
	assignments     *AssignmentsClient
	assignmentsOnce sync.Once
	results         *ResultsClient
	resultsOnce     sync.Once
}

// APIError represents an error envelope returned by the API.
type APIError struct {
	StatusCode int              `json:"status_code"`
	Code       errors.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	RequestID  string           `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ablab: %s (HTTP %d): %s [request_id=%s]", e.Code, e.StatusCode, e.Message, e.RequestID)
}

// Unwrap exposes the failure as an *errors.AppError so errors.IsCode and
// errors.IsNotFound work on SDK errors unchanged.
func (e *APIError) Unwrap() error {
	return errors.New(e.Code, e.Message)
}

func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// envelope mirrors common.APIResponse with the payload left raw so each
// method can decode into its own type.
type envelope struct {
	Success   bool                `json:"success"`
	Data      json.RawMessage     `json:"data"`
	Error     *common.ErrorDetail `json:"error"`
	RequestID string              `json:"request_id"`
}

// NewClient creates a new ABLab SDK client. The API key is optional; when
// set it is sent in the X-API-Key header.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, invalidArg("baseURL is required")
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, invalidArg("invalid baseURL: " + err.Error())
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, invalidArg("baseURL scheme must be http or https")
	}

	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		userAgent:    fmt.Sprintf("ablab-go-sdk/%s", Version),
		logger:       noopLogger{},
		retryMax:     3,
		retryWaitMin: 500 * time.Millisecond,
		retryWaitMax: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Experiments returns the experiments sub-client.
func (c *Client) Experiments() *ExperimentsClient {
	c.experimentsOnce.Do(func() {
		c.experiments = &ExperimentsClient{client: c}
	})
	return c.experiments
}

// Assignments returns the assignments sub-client.
func (c *Client) Assignments() *AssignmentsClient {
	c.assignmentsOnce.Do(func() {
		c.assignments = &AssignmentsClient{client: c}
	})
	return c.assignments
}

// Results returns the results sub-client.
func (c *Client) Results() *ResultsClient {
	c.resultsOnce.Do(func() {
		c.results = &ResultsClient{client: c}
	})
	return c.results
}

// do performs an HTTP request with retry logic, decoding the response
// envelope into result when the call succeeds.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	fullURL := c.baseURL + path

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debugf("retry attempt %d after %v", attempt, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		requestID := uuid.NewString()
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("X-Request-ID", requestID)
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Errorf("request failed: %v", err)
			lastErr = err
			continue
		}
		c.logger.Debugf("%s %s %d (%v)", method, path, resp.StatusCode, time.Since(start))

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}

		// Honor Retry-After on throttling before the generic error path.
		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.retryMax {
			if seconds, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
				c.logger.Infof("rate limited, retrying after %d seconds", seconds)
				select {
				case <-time.After(time.Duration(seconds) * time.Second):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if resp.StatusCode >= 400 {
			apiErr := apiErrorFromResponse(resp.StatusCode, requestID, respBody)
			lastErr = apiErr
			if apiErr.IsServerError() {
				continue
			}
			return apiErr
		}

		if result != nil && len(respBody) > 0 {
			var env envelope
			if err := json.Unmarshal(respBody, &env); err != nil {
				return fmt.Errorf("decode response envelope: %w", err)
			}
			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, result); err != nil {
					return fmt.Errorf("decode response payload: %w", err)
				}
			}
		}

		return nil
	}

	return lastErr
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) put(ctx context.Context, path string, body interface{}, result interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, result)
}

// apiErrorFromResponse builds an APIError from an error response, preferring
// the envelope's code and correlation id over status-derived fallbacks.
func apiErrorFromResponse(status int, requestID string, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Code:       codeForStatus(status),
		RequestID:  requestID,
	}

	if len(body) > 0 {
		var env envelope
		if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
			if env.Error.Code != "" {
				apiErr.Code = errors.ErrorCode(env.Error.Code)
			}
			apiErr.Message = env.Error.Message
			if env.RequestID != "" {
				apiErr.RequestID = env.RequestID
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// codeForStatus maps a status to a generic code for responses whose body
// carries no envelope, such as proxy errors.
func codeForStatus(status int) errors.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return errors.ErrCodeNotFound
	case status == http.StatusConflict:
		return errors.ErrCodeConflict
	case status == http.StatusTooManyRequests:
		return errors.ErrCodeTooManyRequests
	case status >= 500:
		return errors.ErrCodeInternal
	default:
		return errors.ErrCodeBadRequest
	}
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.retryWaitMin * time.Duration(1<<uint(attempt-1))
	if backoff > c.retryWaitMax {
		backoff = c.retryWaitMax
	}

	// Jitter up to 25% keeps simultaneous clients from retrying in lockstep.
	jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
	return backoff + jitter
}

// invalidArg reports a client-side argument error without a round-trip.
func invalidArg(msg string) error {
	return errors.InvalidParam(msg)
}
