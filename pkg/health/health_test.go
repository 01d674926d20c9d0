package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(_ context.Context) error { return nil }

func down(_ context.Context) error { return errors.New("connection refused") }

func get(t *testing.T, e *echo.Echo, path string) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		code   int
		status Status
	}{
		{
			name:   "all healthy",
			checks: []Check{{Name: "postgres", Ping: ok}, {Name: "redis", Optional: true, Ping: ok}},
			code:   http.StatusOK,
			status: StatusHealthy,
		},
		{
			name:   "optional dependency down degrades",
			checks: []Check{{Name: "postgres", Ping: ok}, {Name: "graph", Optional: true, Ping: down}},
			code:   http.StatusOK,
			status: StatusDegraded,
		},
		{
			name:   "optional dependency not configured degrades",
			checks: []Check{{Name: "postgres", Ping: ok}, {Name: "redis", Optional: true}},
			code:   http.StatusOK,
			status: StatusDegraded,
		},
		{
			name:   "required dependency down",
			checks: []Check{{Name: "postgres", Ping: down}, {Name: "graph", Optional: true, Ping: down}},
			code:   http.StatusServiceUnavailable,
			status: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			checker := NewChecker("test", tt.checks...)
			checker.SetReady(true)
			checker.RegisterRoutes(e)

			code, body := get(t, e, "/health")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body.Status)
			assert.Len(t, body.Checks, len(tt.checks))

			code, body = get(t, e, "/health/ready")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body.Status)
		})
	}
}

func TestReadinessWaitsForStartup(t *testing.T) {
	e := echo.New()
	checker := NewChecker("test", Check{Name: "postgres", Ping: ok})
	checker.RegisterRoutes(e)

	code, body := get(t, e, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "startup")

	code, body = get(t, e, "/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, body.Status)
}
