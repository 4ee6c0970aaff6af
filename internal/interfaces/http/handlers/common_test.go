package handlers

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/internal/interfaces/http/middleware"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers shared across the handler tests
// ─────────────────────────────────────────────────────────────────────────────

// newTestEngine returns a bare engine carrying only request correlation, the
// one middleware the handlers themselves read from.
func newTestEngine() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doRaw(t *testing.T, r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope[T any](t *testing.T, w *httptest.ResponseRecorder) common.APIResponse[T] {
	t.Helper()

	var resp common.APIResponse[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// requireErrorEnvelope decodes an error response and asserts the expected
// status and AppError code.
func requireErrorEnvelope(t *testing.T, w *httptest.ResponseRecorder, status int, code errors.ErrorCode) common.APIResponse[any] {
	t.Helper()

	require.Equal(t, status, w.Code)
	resp := decodeEnvelope[any](t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, code.String(), resp.Error.Code)
	assert.NotEmpty(t, resp.RequestID)
	return resp
}

// ─────────────────────────────────────────────────────────────────────────────
// respondError / queryInt
// ─────────────────────────────────────────────────────────────────────────────

func TestRespondError_ClientErrorKeepsMessage(t *testing.T) {
	r := newTestEngine()
	r.GET("/boom", func(c *gin.Context) {
		respondError(c, errors.New(errors.ErrCodeExperimentNotFound, "experiment not found").
			WithDetail("name=missing"))
	})

	w := doJSON(t, r, http.MethodGet, "/boom", nil)

	resp := requireErrorEnvelope(t, w, http.StatusNotFound, errors.ErrCodeExperimentNotFound)
	assert.Equal(t, "experiment not found: name=missing", resp.Error.Message)
}

func TestRespondError_ServerErrorMasksMessage(t *testing.T) {
	r := newTestEngine()
	r.GET("/boom", func(c *gin.Context) {
		respondError(c, errors.New(errors.ErrCodeDatabaseError, "pgx: connection refused on 10.0.0.7"))
	})

	w := doJSON(t, r, http.MethodGet, "/boom", nil)

	resp := requireErrorEnvelope(t, w, http.StatusInternalServerError, errors.ErrCodeDatabaseError)
	assert.Equal(t, errors.DefaultMessageForCode(errors.ErrCodeDatabaseError), resp.Error.Message)
	assert.NotContains(t, resp.Error.Message, "10.0.0.7")
}

func TestRespondError_UncodedErrorNormalizesToInternal(t *testing.T) {
	r := newTestEngine()
	r.GET("/boom", func(c *gin.Context) {
		respondError(c, stderrors.New("raw failure"))
	})

	w := doJSON(t, r, http.MethodGet, "/boom", nil)

	resp := requireErrorEnvelope(t, w, http.StatusInternalServerError, errors.ErrCodeInternal)
	assert.Equal(t, errors.DefaultMessageForCode(errors.ErrCodeInternal), resp.Error.Message)
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   int
	}{
		{name: "absent uses default", target: "/q", want: 7},
		{name: "numeric parses", target: "/q?n=42", want: 42},
		{name: "garbage uses default", target: "/q?n=lots", want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got int
			r := newTestEngine()
			r.GET("/q", func(c *gin.Context) {
				got = queryInt(c, "n", 7)
				c.Status(http.StatusNoContent)
			})

			doJSON(t, r, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}
