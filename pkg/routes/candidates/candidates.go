package candidates

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/candidates"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

// BatchRequest is the body of a batch submission
type BatchRequest struct {
	ProducerRunID string                  `json:"producer_run_id"`
	Candidates    []models.CandidateInput `json:"candidates"`
}

type Handler struct {
	service *candidates.Service
	logger  ectologger.Logger
}

func NewHandler(service *candidates.Service, logger ectologger.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register registers candidate routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Submit)
	g.POST("/batch", h.SubmitBatch)
	g.POST("/check", h.Check)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/history", h.History)
	g.POST("/:id/resolve", h.Resolve)
}

// Submit submits one candidate
func (h *Handler) Submit(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.CandidateInput
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	result, err := h.service.Submit(ctx, appctx.GetProjectID(ctx), req)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if result.Outcome == models.OutcomeCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, result)
}

// SubmitBatch submits a producer batch and reports the collapse stats
func (h *Handler) SubmitBatch(c echo.Context) error {
	ctx := c.Request().Context()

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if len(req.Candidates) == 0 {
		return apperrors.Validation("candidates must not be empty")
	}

	result, err := h.service.SubmitBatch(ctx, appctx.GetProjectID(ctx), req.Candidates, req.ProducerRunID)
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"producer_run_id": req.ProducerRunID,
		"received":        result.Collapse.Received,
		"created":         result.Created,
		"failed":          result.Failed,
	}).Info("Batch submitted")

	return c.JSON(http.StatusOK, result)
}

// Check compares proposed labels against the catalog without writing anything
func (h *Handler) Check(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.CheckBatchRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	result, err := h.service.CheckBatch(ctx, appctx.GetProjectID(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// List lists candidates, optionally by state
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()

	filter := models.CandidateFilter{State: models.State(c.QueryParam("state"))}
	err := echo.QueryParamsBinder(c).
		Int("limit", &filter.Limit).
		Int("offset", &filter.Offset).
		BindError()
	if err != nil {
		return apperrors.Validation("limit and offset must be integers")
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return apperrors.Validation("limit and offset must not be negative")
	}

	list, err := h.service.List(ctx, appctx.GetProjectID(ctx), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	candidate, err := h.service.Get(ctx, appctx.GetProjectID(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}

// History returns the transition log of a candidate
func (h *Handler) History(c echo.Context) error {
	ctx := c.Request().Context()

	history, err := h.service.History(ctx, appctx.GetProjectID(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

// Resolve moves a pending candidate to validated or rejected
func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.ResolveRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	candidate, err := h.service.Resolve(ctx, appctx.GetProjectID(ctx), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}
