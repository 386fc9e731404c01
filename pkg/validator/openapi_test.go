package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"clinic-chat/backend/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	v, err := NewChatValidator()
	require.NoError(t, err)

	r := gin.New()
	r.Use(errors.ErrorHandler())
	r.Use(v.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.POST("/api/v1/chat-session", ok)
	r.POST("/api/v1/chat-session/:id/messages", ok)
	r.GET("/health", ok)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChatSchemaLoads(t *testing.T) {
	_, err := NewOpenAPIValidator(ChatSchema())
	assert.NoError(t, err)
}

func TestMiddlewareRejectsMissingText(t *testing.T) {
	r := newEngine(t)

	w := do(r, http.MethodPost, "/api/v1/chat-session/abc/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), errors.CodeInvalidInput)

	w = do(r, http.MethodPost, "/api/v1/chat-session/abc/messages", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiddlewareAllowsValidRequests(t *testing.T) {
	r := newEngine(t)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/chat-session", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/chat-session", `{"appointmentId":"appt-1"}`).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/chat-session/abc/messages", `{"text":"hi"}`).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
}
