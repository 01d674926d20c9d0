package hypotheses

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/hypothesis"
)

type Handler struct {
	gate *hypothesis.Gate
}

func NewHandler(gate *hypothesis.Gate) *Handler {
	return &Handler{gate: gate}
}

// Register registers hypothesis routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/:id/evidence", h.AttachEvidence)
	g.POST("/:id/reject", h.Reject)
}

// AttachEvidence grounds a hypothesis in a fragment, validating it
func (h *Handler) AttachEvidence(c echo.Context) error {
	ctx := c.Request().Context()

	var req hypothesis.AttachEvidenceRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	candidate, err := h.gate.AttachEvidence(ctx, appctx.GetProjectID(ctx), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}

func (h *Handler) Reject(c echo.Context) error {
	ctx := c.Request().Context()

	var req hypothesis.RejectRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	candidate, err := h.gate.Reject(ctx, appctx.GetProjectID(ctx), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}
