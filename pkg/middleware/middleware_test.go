package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
)

func newEcho(handler echo.HandlerFunc) *echo.Echo {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = Error(logger)
	g := e.Group("/api/v1/projects/:project_id", Context(), Logger(logger))
	g.GET("/ping", handler)
	return e
}

func TestContextCopiesIdentity(t *testing.T) {
	var seen map[string]string
	e := newEcho(func(c echo.Context) error {
		ctx := c.Request().Context()
		seen = map[string]string{
			"request": appctx.GetRequestID(ctx),
			"user":    appctx.GetUserID(ctx),
			"role":    appctx.GetUserRole(ctx),
			"project": appctx.GetProjectID(ctx),
			"route":   appctx.GetRoute(ctx),
		}
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p-9/ping", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	req.Header.Set(HeaderUserID, "reviewer-2")
	req.Header.Set(HeaderUserRole, appctx.RoleAdmin)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, map[string]string{
		"request": "req-1",
		"user":    "reviewer-2",
		"role":    appctx.RoleAdmin,
		"project": "p-9",
		"route":   "/api/v1/projects/:project_id/ping",
	}, seen)
}

func TestContextGeneratesRequestID(t *testing.T) {
	e := newEcho(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/projects/p-1/ping", nil))

	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestErrorRendering(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
		kind    string
	}{
		{name: "validation", err: apperrors.Validation("label is required"), code: http.StatusBadRequest, message: "label is required", kind: "validation"},
		{name: "not found", err: apperrors.NotFound("candidate not found"), code: http.StatusNotFound, kind: "not_found"},
		{name: "conflict", err: apperrors.Conflict("candidate changed").With("state", "merged"), code: http.StatusConflict, kind: "conflict"},
		{name: "backlog", err: apperrors.BacklogBlocked("review backlog is over threshold"), code: http.StatusTooManyRequests, kind: "backlog_blocked"},
		{name: "dependency", err: apperrors.DependencyUnavailable("graph", errors.New("dial tcp")), code: http.StatusServiceUnavailable, kind: "dependency_unavailable"},
		{name: "echo error", err: echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"), code: http.StatusMethodNotAllowed, message: "nope"},
		{name: "unexpected", err: errors.New("boom"), code: http.StatusInternalServerError, message: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho(func(c echo.Context) error { return tt.err })

			req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p-1/ping", nil)
			req.Header.Set(echo.HeaderXRequestID, "req-7")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "req-7", body.RequestID)
			if tt.message != "" {
				assert.Contains(t, body.Message, tt.message)
			}
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body.Meta["kind"])
			}
		})
	}
}
