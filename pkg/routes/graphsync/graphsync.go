package graphsync

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graphsync"
)

type Handler struct {
	coordinator *graphsync.Coordinator
}

func NewHandler(coordinator *graphsync.Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// Register registers graph sync routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.Status)
	g.POST("", h.Trigger)
}

func (h *Handler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	status, err := h.coordinator.Status(ctx, appctx.GetProjectID(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// Trigger retries projection of unsynced codes now
func (h *Handler) Trigger(c echo.Context) error {
	ctx := c.Request().Context()

	var batchSize int
	if err := echo.QueryParamsBinder(c).Int("batch_size", &batchSize).BindError(); err != nil {
		return apperrors.Validation("batch_size must be an integer")
	}
	if batchSize < 0 {
		return apperrors.Validation("batch_size must be positive")
	}

	result, err := h.coordinator.SyncPending(ctx, appctx.GetProjectID(ctx), batchSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
