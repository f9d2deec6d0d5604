package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type snapshotResponse struct {
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
	Status   domain.Status    `json:"status"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/api/snapshot", s.SnapshotHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

// SnapshotHandler serves the last good snapshot with the coordinator status.
// A stale snapshot is still served; the status tells the caller.
func (s *Server) SnapshotHandler(c echo.Context) error {
	status := s.source.Status()
	snapshot, err := s.source.Snapshot()
	if errors.Is(err, domain.ErrNotReady) {
		return c.JSON(http.StatusServiceUnavailable, snapshotResponse{Status: status})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snapshotResponse{Snapshot: snapshot, Status: status})
}
