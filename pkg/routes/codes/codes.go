package codes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/candidates"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

type Handler struct {
	service *candidates.Service
}

func NewHandler(service *candidates.Service) *Handler {
	return &Handler{service: service}
}

// Register registers canonical code routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id/events", h.Events)
	g.POST("/:id/promote", h.Promote)
	g.PUT("/:id/label", h.Relabel)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()

	list, err := h.service.ListCanonical(ctx, appctx.GetProjectID(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

// Events returns the relabel history of a canonical code
func (h *Handler) Events(c echo.Context) error {
	ctx := c.Request().Context()

	events, err := h.service.CodeEvents(ctx, appctx.GetProjectID(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

// Promote turns validated candidate :id into a canonical code
func (h *Handler) Promote(c echo.Context) error {
	ctx := c.Request().Context()

	code, err := h.service.Promote(ctx, appctx.GetProjectID(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, code)
}

func (h *Handler) Relabel(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.RelabelRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	code, err := h.service.Relabel(ctx, appctx.GetProjectID(ctx), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, code)
}
