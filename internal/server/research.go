package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/autoresearch/internal/queue"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

type ResearchHandler struct {
	queue JobQueue
	steps StepLister
}

type submitRequest struct {
	Query string `json:"query"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type stepResponse struct {
	StepNumber   int                 `json:"step_number"`
	ActionKind   research.ActionKind `json:"action_kind"`
	QueryUsed    string              `json:"query_used"`
	Summary      string              `json:"summary"`
	FullResponse json.RawMessage     `json:"full_response,omitempty"`
	TokensUsed   int64               `json:"tokens_used"`
	OracleCallID string              `json:"oracle_call_id,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.submit)
	g.GET("/:id", h.status)
	g.GET("/:id/steps", h.listSteps)
}

func (h *ResearchHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	id, err := h.queue.Submit(c.Request().Context(), req.Query)
	if errors.Is(err, queue.ErrEmptyQuery) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not enqueue job").SetInternal(err)
	}
	return c.JSON(http.StatusAccepted, submitResponse{JobID: id})
}

func (h *ResearchHandler) status(c echo.Context) error {
	view, err := h.queue.Status(c.Request().Context(), c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load job").SetInternal(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *ResearchHandler) listSteps(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.queue.Status(ctx, id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load job").SetInternal(err)
	}
	steps, err := h.steps.ListSteps(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load steps").SetInternal(err)
	}
	out := make([]stepResponse, 0, len(steps))
	for _, s := range steps {
		resp := stepResponse{
			StepNumber:   s.Number,
			ActionKind:   s.Action,
			QueryUsed:    s.Query,
			Summary:      s.Summary,
			TokensUsed:   s.Tokens,
			OracleCallID: s.OracleCallID,
			CreatedAt:    s.CreatedAt,
		}
		if s.Response != nil {
			if raw, err := research.MarshalPayload(s.Response); err == nil {
				resp.FullResponse = raw
			}
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}
