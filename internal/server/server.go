package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mohammad-safakhou/autoresearch/internal/queue"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

// JobQueue is the submission side of queue.Queue.
type JobQueue interface {
	Submit(ctx context.Context, query string) (string, error)
	Status(ctx context.Context, id string) (queue.StatusView, error)
}

// StepLister reads a job's audit trail.
type StepLister interface {
	ListSteps(ctx context.Context, jobID string) ([]research.Step, error)
}

// RateLimitGuard is the video guard as seen by handlers.
type RateLimitGuard interface {
	IsDisabled() bool
	Remaining() time.Duration
	Observe(err error) bool
}

// MediaSearcher backs the direct listing endpoints.
type MediaSearcher interface {
	Search(ctx context.Context, q string, n int) ([]research.SearchHit, error)
	Videos(ctx context.Context, q string, n int) ([]research.VideoHit, error)
	Images(ctx context.Context, q string, n int) ([]research.ImageHit, error)
}

type Deps struct {
	Queue     JobQueue
	Steps     StepLister
	Guard     RateLimitGuard
	Retriever MediaSearcher
	Logger    *zerolog.Logger
	Metrics   bool
	JWTSecret []byte // when set, research and listing routes require a bearer token
}

// New builds the echo instance with every route registered.
func New(d Deps) *echo.Echo {
	logger := d.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(logger)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Metrics {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	var protected []echo.MiddlewareFunc
	if len(d.JWTSecret) > 0 {
		protected = append(protected, authMiddleware(d.JWTSecret))
	}

	rh := &ResearchHandler{queue: d.Queue, steps: d.Steps}
	rh.Register(e.Group("/research", protected...))

	mh := &MediaHandler{retriever: d.Retriever, guard: d.Guard, logger: logger}
	mh.Register(e, protected...)
	return e
}

// errorHandler writes {"error": msg} for every failed request and logs it.
func errorHandler(logger *zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
			if he.Internal != nil {
				err = he.Internal
			}
		}
		req := c.Request()
		ev := logger.Warn()
		if code >= 500 {
			ev = logger.Error()
		}
		ev.Err(err).
			Int("status", code).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("remote", c.RealIP()).
			Msg("request failed")
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
}
