// Package api implements the engine's inbound REST surface (spec §6.1): the
// one HTTP boundary through which clients start and inspect executions,
// workers lease and report on jobs, and operators trigger maintenance.
// Grounded on the teacher's Echo v5 server (pkg/api/server.go): a Server
// struct wired through Set*-style constructor args, routes registered once
// in setupRoutes, and a health endpoint that folds in every collaborator's
// own health signal.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/events"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/workload"
)

// Server is the HTTP API server (spec §6.1).
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	broker      *broker.Broker
	queue       *queue.Queue
	log         *eventlog.Log
	workload    *workload.Store
	runtime     *runtime.Registry
	connManager *events.ConnectionManager

	retryPolicy model.RetryPolicy
}

// NewServer creates a new API server with Echo v5, wired to its storage and
// coordination collaborators.
func NewServer(
	b *broker.Broker,
	q *queue.Queue,
	log *eventlog.Log,
	wl *workload.Store,
	rt *runtime.Registry,
	connManager *events.ConnectionManager,
	retryPolicy model.RetryPolicy,
) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		broker:      b,
		queue:       q,
		log:         log,
		workload:    wl,
		runtime:     rt,
		connManager: connManager,
		retryPolicy: retryPolicy,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers every route named in spec §6.1, plus the
// supplemented operator endpoints (/healthz, /readyz, /metrics).
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/healthz", s.healthHandler)
	s.echo.GET("/readyz", s.readyHandler)
	s.echo.GET("/metrics", s.metricsHandler)

	s.echo.POST("/executions/run", s.runExecutionHandler)
	s.echo.GET("/executions/:id", s.getExecutionHandler)
	s.echo.GET("/executions/:id/events", s.getExecutionEventsHandler)
	s.echo.POST("/executions/:id/cancel", s.cancelExecutionHandler)

	// Real-time streaming (spec §6.1 "/executions/{id}/events ... Stream or
	// page the event log"): a client pages via the GET above or opens this
	// WebSocket and sends {"action":"subscribe","execution_id":"..."},
	// matching the teacher's single /ws endpoint plus client-driven
	// subscription, adapted from an arbitrary-channel protocol to one
	// scoped to a single domain object.
	s.echo.GET("/ws", s.wsHandler)

	s.echo.POST("/queue/lease", s.leaseJobHandler)
	s.echo.POST("/queue/reap-expired", s.reapExpiredHandler)
	s.echo.POST("/queue/:queue_id/heartbeat", s.heartbeatJobHandler)
	s.echo.POST("/queue/:queue_id/complete", s.completeJobHandler)
	s.echo.POST("/queue/:queue_id/fail", s.failJobHandler)

	s.echo.POST("/runtime/register", s.registerRuntimeHandler)
	s.echo.POST("/runtime/heartbeat", s.heartbeatRuntimeHandler)
}

// Handler returns the server's http.Handler, for callers that want to embed
// it in their own *http.Server or exercise it with httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address and blocks until it
// stops; callers run it in a goroutine and stop it with Shutdown, matching
// the teacher's Start/Shutdown split.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener. Used
// by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /healthz: process liveness only, no storage
// calls, so it can never block on PostgreSQL outages (spec §7 "storage
// errors ... expected to be transient").
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler handles GET /readyz: a storage round-trip confirming the
// server can actually serve requests.
func (s *Server) readyHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	if _, err := s.runtime.List(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// metricsHandler handles GET /metrics, serving the Prometheus registry
// directly through its http.Handler (spec §6.1 supplemented operator
// endpoint).
func (s *Server) metricsHandler(c *echo.Context) error {
	metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
