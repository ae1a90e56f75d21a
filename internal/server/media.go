package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	defaultListResults = 5
	maxListResults     = 50
)

// MediaHandler serves the rate-limit status and the direct search listings.
type MediaHandler struct {
	retriever MediaSearcher
	guard     RateLimitGuard
	logger    *zerolog.Logger
}

type rateLimitResponse struct {
	Disabled                 bool `json:"disabled"`
	CooldownRemainingSeconds int  `json:"cooldown_remaining_seconds"`
}

// Register adds /ratelimit (always public) and the listing routes guarded by mw.
func (h *MediaHandler) Register(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.GET("/ratelimit", h.rateLimit)
	if h.retriever == nil {
		return
	}
	e.GET("/search", h.search, mw...)
	e.GET("/videos", h.videos, mw...)
	e.GET("/images", h.images, mw...)
}

func (h *MediaHandler) rateLimit(c echo.Context) error {
	return c.JSON(http.StatusOK, h.rateLimitState())
}

func (h *MediaHandler) rateLimitState() rateLimitResponse {
	if h.guard == nil || !h.guard.IsDisabled() {
		return rateLimitResponse{}
	}
	return rateLimitResponse{
		Disabled:                 true,
		CooldownRemainingSeconds: int(math.Ceil(h.guard.Remaining().Seconds())),
	}
}

func listParams(c echo.Context) (string, int, error) {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return "", 0, echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	n := defaultListResults
	if raw := c.QueryParam("num_results"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return "", 0, echo.NewHTTPError(http.StatusBadRequest, "num_results must be a positive integer")
		}
		n = v
	}
	if n > maxListResults {
		n = maxListResults
	}
	return q, n, nil
}

func (h *MediaHandler) search(c echo.Context) error {
	q, n, err := listParams(c)
	if err != nil {
		return err
	}
	hits, err := h.retriever.Search(c.Request().Context(), q, n)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	}
	return c.JSON(http.StatusOK, hits)
}

func (h *MediaHandler) videos(c echo.Context) error {
	q, n, err := listParams(c)
	if err != nil {
		return err
	}
	if h.guard != nil && h.guard.IsDisabled() {
		state := h.rateLimitState()
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error":                      "video search is temporarily disabled",
			"cooldown_remaining_seconds": state.CooldownRemainingSeconds,
		})
	}
	hits, err := h.retriever.Videos(c.Request().Context(), q, n)
	if err != nil {
		if h.guard != nil && h.guard.Observe(err) {
			h.logger.Warn().Err(err).Msg("video provider blocked; video search disabled")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "video search is temporarily disabled").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	}
	return c.JSON(http.StatusOK, hits)
}

func (h *MediaHandler) images(c echo.Context) error {
	q, n, err := listParams(c)
	if err != nil {
		return err
	}
	hits, err := h.retriever.Images(c.Request().Context(), q, n)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	}
	return c.JSON(http.StatusOK, hits)
}
