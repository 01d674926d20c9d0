package backlog

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/backlog"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
)

type Handler struct {
	monitor *backlog.Monitor
}

func NewHandler(monitor *backlog.Monitor) *Handler {
	return &Handler{monitor: monitor}
}

// Register registers backlog routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.Health)
}

// Health reports the review backlog. Query thresholds override the configured ones.
func (h *Handler) Health(c echo.Context) error {
	ctx := c.Request().Context()

	var days, count int
	err := echo.QueryParamsBinder(c).
		Int("threshold_days", &days).
		Int("threshold_count", &count).
		BindError()
	if err != nil {
		return apperrors.Validation("threshold_days and threshold_count must be integers")
	}

	var overrides backlog.Thresholds
	query := c.QueryParams()
	if query.Has("threshold_days") {
		overrides.Days = &days
	}
	if query.Has("threshold_count") {
		overrides.Count = &count
	}

	snapshot, err := h.monitor.Health(ctx, appctx.GetProjectID(ctx), overrides)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}
