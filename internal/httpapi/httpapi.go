// Package httpapi exposes a thin Echo admin API alongside the core
// pipeline: a liveness probe, per-destination queue/transmission stats,
// and a manual reconcile trigger. It is the operational surface only; the
// full web administration UI lives elsewhere and talks to the repository
// directly.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/orchestrator"
	"github.com/trakbridge/trakbridge/internal/queue"
)

// Handler holds the dependencies the admin API reads from; it owns no
// state of its own. The orchestrator and queue manager remain the sources
// of truth; this is a read-only facade plus one write action,
// TriggerReconcile.
type Handler struct {
	orch         *orchestrator.Orchestrator
	queues       *queue.Manager
	logger       *zap.Logger
	reconcileNow func()
}

// New constructs a Handler. reconcileNow is called by TriggerReconcile; it
// is typically a closure over the repository and orch.RequestReconcile
// wired up in cmd/trakbridge/main.go, since the admin API itself holds no
// repository reference.
func New(orch *orchestrator.Orchestrator, queues *queue.Manager, logger *zap.Logger, reconcileNow func()) *Handler {
	return &Handler{orch: orch, queues: queues, logger: logger, reconcileNow: reconcileNow}
}

// NewServer builds a ready-to-run *echo.Echo with the standard
// middleware stack plus Handler's routes mounted, named per serviceName
// for the otelecho span attribute (cmd/trakbridge/main.go passes
// "trakbridge").
func NewServer(serviceName string, h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	h.Register(e)
	return e
}

// Register mounts the admin API routes.
func (h *Handler) Register(e *echo.Echo) {
	v1 := e.Group("/v1/admin")
	v1.GET("/servers/:server_id/stats", h.ServerStats)
	v1.GET("/servers/:server_id/state", h.ServerState)
	v1.POST("/reconcile", h.TriggerReconcile)
}

// serverStatsResponse mirrors queue.Stats.
type serverStatsResponse struct {
	Size                int    `json:"size"`
	EventsQueuedTotal   uint64 `json:"events_queued_total"`
	EventsDroppedTotal  uint64 `json:"events_dropped_total"`
	EventsReplacedTotal uint64 `json:"events_replaced_total"`
	LastEnqueueTime     string `json:"last_enqueue_time,omitempty"`
}

// ServerStats returns one destination's queue statistics.
//
// @Summary      Get destination queue stats
// @Description  Returns size and lifetime counters for one TAK server destination's queue.
// @ID           get-server-stats
// @Tags         Admin
// @Produce      json
// @Param        server_id  path      string  true  "TAK server ID"
// @Success      200  {object}  serverStatsResponse
// @Router       /v1/admin/servers/{server_id}/stats [get]
func (h *Handler) ServerStats(c echo.Context) error {
	serverID := c.Param("server_id")
	if _, ok := h.queues.Config(serverID); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown destination"})
	}
	stats := h.queues.Stats(serverID)
	resp := serverStatsResponse{
		Size:                stats.Size,
		EventsQueuedTotal:   stats.EventsQueuedTotal,
		EventsDroppedTotal:  stats.EventsDroppedTotal,
		EventsReplacedTotal: stats.EventsReplacedTotal,
	}
	if !stats.LastEnqueueTime.IsZero() {
		resp.LastEnqueueTime = stats.LastEnqueueTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	return c.JSON(http.StatusOK, resp)
}

// ServerState returns one destination's transmission worker connection
// state (disconnected/connecting/connected/draining/stopped).
//
// @Summary      Get destination connection state
// @ID           get-server-state
// @Tags         Admin
// @Produce      json
// @Param        server_id  path      string  true  "TAK server ID"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /v1/admin/servers/{server_id}/state [get]
func (h *Handler) ServerState(c echo.Context) error {
	serverID := c.Param("server_id")
	state, ok := h.orch.ServerState(serverID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no transmission worker running for destination"})
	}
	return c.JSON(http.StatusOK, map[string]string{"server_id": serverID, "state": state.String()})
}

// TriggerReconcile requests an out-of-band reconciliation cycle,
// coalesced with any in-flight reconciliation within the debounce
// window.
//
// @Summary      Trigger reconciliation
// @Description  Requests an out-of-band reconcile; coalesced with any in-flight reconciliation within the debounce window.
// @ID           trigger-reconcile
// @Tags         Admin
// @Success      202  {object}  map[string]string
// @Router       /v1/admin/reconcile [post]
func (h *Handler) TriggerReconcile(c echo.Context) error {
	if h.reconcileNow != nil {
		h.reconcileNow()
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "reconcile requested"})
}
