package audits

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tasks"
)

type Handler struct {
	runner *tasks.Runner
}

func NewHandler(runner *tasks.Runner) *Handler {
	return &Handler{runner: runner}
}

// Register registers the audit route under a project group
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.StartAudit)
}

// RegisterTasks registers task reads, which are not project scoped
func (h *Handler) RegisterTasks(g *echo.Group) {
	g.GET("/:id", h.GetTask)
}

// StartAudit queues a catalog audit owned by the caller
func (h *Handler) StartAudit(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.StartAuditRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperrors.Validation("invalid request body")
		}
	}

	task, err := h.runner.StartAudit(ctx, appctx.GetProjectID(ctx), appctx.GetUserID(ctx), req.Threshold)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, task)
}

// GetTask reads a task. Only its owner or an admin may see it.
func (h *Handler) GetTask(c echo.Context) error {
	ctx := c.Request().Context()

	task, err := h.runner.GetTask(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}
