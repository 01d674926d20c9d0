package merges

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

// HeaderIdempotencyKey carries the merge idempotency key
const HeaderIdempotencyKey = "Idempotency-Key"

type Handler struct {
	governor *merging.Governor
}

func NewHandler(governor *merging.Governor) *Handler {
	return &Handler{governor: governor}
}

// Register registers merge routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Merge)
}

// Merge folds source candidates into a target. The idempotency key may come
// from the header or the body; when both are given they must agree.
func (h *Handler) Merge(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.MergeRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	if key := c.Request().Header.Get(HeaderIdempotencyKey); key != "" {
		if req.IdempotencyKey != "" && req.IdempotencyKey != key {
			return apperrors.Validation("idempotency key in header and body differ")
		}
		req.IdempotencyKey = key
	}

	result, err := h.governor.Merge(ctx, appctx.GetProjectID(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
