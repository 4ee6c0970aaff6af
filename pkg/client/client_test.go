package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL, opts...)
	require.NoError(t, err)
	return c
}

// fastRetries keeps retry-path tests quick.
func fastRetries() []Option {
	return []Option{WithRetryWait(time.Millisecond, 2*time.Millisecond)}
}

func respondData(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()

	resp := common.NewSuccessResponse(data)
	resp.RequestID = "srv-0001"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func respondAPIError(t *testing.T, w http.ResponseWriter, status int, code errors.ErrorCode, msg string) {
	t.Helper()

	resp := common.NewErrorResponse(code.String(), msg)
	resp.RequestID = "srv-0001"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

type testLogger struct {
	count int32
}

func (l *testLogger) Debugf(format string, args ...interface{}) { l.log(format, args...) }
func (l *testLogger) Infof(format string, args ...interface{})  { l.log(format, args...) }
func (l *testLogger) Errorf(format string, args ...interface{}) { l.log(format, args...) }
func (l *testLogger) log(format string, args ...interface{}) {
	atomic.AddInt32(&l.count, 1)
	_ = fmt.Sprintf(format, args...)
}

// ---------------------------------------------------------------------------
// Constructor Tests
// ---------------------------------------------------------------------------

func TestNewClient_Success(t *testing.T) {
	c, err := NewClient("http://api.example.com")

	require.NoError(t, err)
	assert.Equal(t, "http://api.example.com", c.baseURL)
	assert.Equal(t, 3, c.retryMax)
	assert.Contains(t, c.userAgent, "ablab-go-sdk/")
	assert.Empty(t, c.apiKey)
}

func TestNewClient_EmptyBaseURL(t *testing.T) {
	_, err := NewClient("")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestNewClient_InvalidScheme(t *testing.T) {
	_, err := NewClient("ftp://api.example.com")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestNewClient_BaseURLTrailingSlash(t *testing.T) {
	c, err := NewClient("http://api.example.com/")

	require.NoError(t, err)
	assert.Equal(t, "http://api.example.com", c.baseURL)
}

// ---------------------------------------------------------------------------
// Lazy Init Tests
// ---------------------------------------------------------------------------

func TestClient_Experiments_LazyInit(t *testing.T) {
	c, err := NewClient("http://api.example.com")
	require.NoError(t, err)

	assert.Nil(t, c.experiments)
	first := c.Experiments()
	assert.NotNil(t, first)
	assert.Same(t, first, c.Experiments())
}

func TestClient_Assignments_LazyInit(t *testing.T) {
	c, err := NewClient("http://api.example.com")
	require.NoError(t, err)

	assert.Nil(t, c.assignments)
	first := c.Assignments()
	assert.NotNil(t, first)
	assert.Same(t, first, c.Assignments())
}

func TestClient_Results_LazyInit(t *testing.T) {
	c, err := NewClient("http://api.example.com")
	require.NoError(t, err)

	assert.Nil(t, c.results)
	first := c.Results()
	assert.NotNil(t, first)
	assert.Same(t, first, c.Results())
}

func TestClient_SubClients_ConcurrentAccess(t *testing.T) {
	c, err := NewClient("http://api.example.com")
	require.NoError(t, err)

	var wg sync.WaitGroup
	experiments := make([]*ExperimentsClient, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			experiments[idx] = c.Experiments()
		}(i)
	}
	wg.Wait()

	first := experiments[0]
	for i := 1; i < 100; i++ {
		assert.Same(t, first, experiments[i])
	}
}

// ---------------------------------------------------------------------------
// HTTP Execution Tests (do)
// ---------------------------------------------------------------------------

func TestClient_Do_RequestHeaders(t *testing.T) {
	var gotHeaders http.Header
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		respondData(t, w, http.StatusOK, map[string]string{"ok": "true"})
	}, WithAPIKey("secret-key"))

	var out map[string]string
	require.NoError(t, c.get(context.Background(), "/api/v1/ping", &out))

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "application/json", gotHeaders.Get("Accept"))
	assert.Contains(t, gotHeaders.Get("User-Agent"), "ablab-go-sdk/")
	assert.NotEmpty(t, gotHeaders.Get("X-Request-ID"))
	assert.Equal(t, "secret-key", gotHeaders.Get("X-API-Key"))
}

func TestClient_Do_NoAPIKeyHeaderWithoutKey(t *testing.T) {
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		respondData(t, w, http.StatusOK, nil)
	})

	require.NoError(t, c.get(context.Background(), "/api/v1/ping", nil))
	assert.Empty(t, gotKey)
}

func TestClient_Do_RequestID_Unique(t *testing.T) {
	var ids []string
	var mu sync.Mutex
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-ID"))
		mu.Unlock()
		respondData(t, w, http.StatusOK, nil)
	})

	require.NoError(t, c.get(context.Background(), "/a", nil))
	require.NoError(t, c.get(context.Background(), "/b", nil))

	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestClient_Do_DecodesEnvelopePayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondData(t, w, http.StatusOK, map[string]any{"name": "checkout_cta", "status": "active"})
	})

	var out struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	require.NoError(t, c.get(context.Background(), "/api/v1/experiments/checkout_cta", &out))

	assert.Equal(t, "checkout_cta", out.Name)
	assert.Equal(t, "active", out.Status)
}

func TestClient_Do_NilResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondData(t, w, http.StatusOK, map[string]string{"ignored": "yes"})
	})

	assert.NoError(t, c.get(context.Background(), "/api/v1/ping", nil))
}

func TestClient_Do_EmptyBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var out map[string]string
	assert.NoError(t, c.get(context.Background(), "/api/v1/ping", &out))
	assert.Empty(t, out)
}

func TestClient_Do_4xxError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondAPIError(t, w, http.StatusNotFound, errors.ErrCodeExperimentNotFound, "experiment not found")
	})

	err := c.get(context.Background(), "/api/v1/experiments/missing", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, errors.ErrCodeExperimentNotFound, apiErr.Code)
	assert.Equal(t, "experiment not found", apiErr.Message)
	assert.Equal(t, "srv-0001", apiErr.RequestID)
	assert.True(t, apiErr.IsNotFound())

	// The AppError bridge: code checks work without SDK-specific knowledge.
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentNotFound))
	assert.True(t, errors.IsNotFound(err))
}

func TestClient_Do_4xxNoRetry(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		respondAPIError(t, w, http.StatusBadRequest, errors.ErrCodeBadRequest, "bad input")
	}, fastRetries()...)

	err := c.get(context.Background(), "/api/v1/experiments", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Do_5xxRetry(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			respondAPIError(t, w, http.StatusInternalServerError, errors.ErrCodeInternal, "try again")
			return
		}
		respondData(t, w, http.StatusOK, map[string]string{"name": "checkout_cta"})
	}, fastRetries()...)

	var out map[string]string
	require.NoError(t, c.get(context.Background(), "/api/v1/experiments/checkout_cta", &out))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_Do_5xxRetryExhausted(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		respondAPIError(t, w, http.StatusInternalServerError, errors.ErrCodeInternal, "still broken")
	}, append(fastRetries(), WithRetryMax(2))...)

	err := c.get(context.Background(), "/api/v1/experiments", nil)

	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestClient_Do_NonEnvelopeErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}, WithRetryMax(0))

	err := c.get(context.Background(), "/api/v1/experiments", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, errors.ErrCodeInternal, apiErr.Code)
	assert.Equal(t, "upstream exploded", apiErr.Message)
	assert.True(t, apiErr.IsServerError())
}

func TestClient_Do_429RetryAfter(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		respondData(t, w, http.StatusOK, nil)
	})

	start := time.Now()
	err := c.get(context.Background(), "/api/v1/assignments", nil)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, elapsed, time.Second, "should honor Retry-After before retrying")
}

func TestClient_Do_429WithoutRetryAfter(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		respondAPIError(t, w, http.StatusTooManyRequests, errors.ErrCodeTooManyRequests, "slow down")
	}, fastRetries()...)

	err := c.get(context.Background(), "/api/v1/assignments", nil)

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRateLimited())
}

func TestClient_Do_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c, err := NewClient(server.URL, append(fastRetries(), WithRetryMax(1))...)
	require.NoError(t, err)

	assert.Error(t, c.get(context.Background(), "/api/v1/ping", nil))
}

func TestClient_Do_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	err := c.get(ctx, "/api/v1/ping", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Do_ContextTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		respondData(t, w, http.StatusOK, nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.get(ctx, "/api/v1/ping", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Do_ContextCancellationStopsRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondAPIError(t, w, http.StatusInternalServerError, errors.ErrCodeInternal, "broken")
	}, WithRetryWait(time.Minute, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := c.get(ctx, "/api/v1/experiments", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Do_LoggerObservesRequests(t *testing.T) {
	logger := &testLogger{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondData(t, w, http.StatusOK, nil)
	}, WithLogger(logger))

	require.NoError(t, c.get(context.Background(), "/api/v1/ping", nil))
	assert.Positive(t, atomic.LoadInt32(&logger.count))
}

// ---------------------------------------------------------------------------
// APIError Tests
// ---------------------------------------------------------------------------

func TestAPIError_Methods(t *testing.T) {
	e404 := &APIError{StatusCode: 404}
	assert.True(t, e404.IsNotFound())

	e409 := &APIError{StatusCode: 409}
	assert.True(t, e409.IsConflict())

	e429 := &APIError{StatusCode: 429}
	assert.True(t, e429.IsRateLimited())

	e500 := &APIError{StatusCode: 500}
	assert.True(t, e500.IsServerError())
	e503 := &APIError{StatusCode: 503}
	assert.True(t, e503.IsServerError())

	e400 := &APIError{StatusCode: 400}
	assert.False(t, e400.IsServerError())

	eStr := (&APIError{Code: "ERR", StatusCode: 400, Message: "Msg", RequestID: "ID"}).Error()
	assert.Equal(t, "ablab: ERR (HTTP 400): Msg [request_id=ID]", eStr)
}

func TestAPIError_UnwrapExposesAppError(t *testing.T) {
	apiErr := &APIError{
		StatusCode: http.StatusConflict,
		Code:       errors.ErrCodeExperimentExists,
		Message:    "experiment already exists",
	}

	assert.True(t, errors.IsCode(apiErr, errors.ErrCodeExperimentExists))
	assert.Equal(t, errors.ErrCodeExperimentExists, errors.GetCode(apiErr))
}

// ---------------------------------------------------------------------------
// Convenience Methods Tests
// ---------------------------------------------------------------------------

func TestClient_Methods(t *testing.T) {
	var gotMethods []string
	var mu sync.Mutex
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethods = append(gotMethods, r.Method)
		mu.Unlock()
		respondData(t, w, http.StatusOK, map[string]string{"val": "A"})
	})
	ctx := context.Background()

	type payload struct {
		Val string `json:"val"`
	}
	var res payload

	require.NoError(t, c.get(ctx, "/get", &res))
	assert.Equal(t, "A", res.Val)

	require.NoError(t, c.post(ctx, "/post", payload{Val: "A"}, &res))
	require.NoError(t, c.put(ctx, "/put", payload{Val: "B"}, &res))

	assert.Equal(t, []string{http.MethodGet, http.MethodPost, http.MethodPut}, gotMethods)
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, errors.ErrCodeNotFound, codeForStatus(404))
	assert.Equal(t, errors.ErrCodeConflict, codeForStatus(409))
	assert.Equal(t, errors.ErrCodeTooManyRequests, codeForStatus(429))
	assert.Equal(t, errors.ErrCodeInternal, codeForStatus(500))
	assert.Equal(t, errors.ErrCodeInternal, codeForStatus(503))
	assert.Equal(t, errors.ErrCodeBadRequest, codeForStatus(400))
	assert.Equal(t, errors.ErrCodeBadRequest, codeForStatus(422))
}
