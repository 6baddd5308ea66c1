package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/noetl/noetl/pkg/dispatcher"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
)

// leaseJobHandler handles POST /queue/lease (spec §6.1): the worker-facing
// entry point for remote/HTTP-reporting workers, mirroring what
// pkg/dispatcher.Dispatcher does in-process for Go workers.
func (s *Server) leaseJobHandler(c *echo.Context) error {
	var req leaseJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.WorkerID == "" || len(req.Capabilities) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "worker_id and capabilities are required")
	}
	leaseDuration := time.Duration(req.LeaseDurationSecond) * time.Second
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}

	job, err := s.queue.Lease(c.Request().Context(), req.WorkerID, req.Pool, req.Capabilities, leaseDuration)
	if err != nil {
		if err == queue.ErrNoJobsAvailable {
			return c.NoContent(http.StatusNoContent)
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newJobResponse(job))
}

// heartbeatJobHandler handles POST /queue/{queue_id}/heartbeat.
func (s *Server) heartbeatJobHandler(c *echo.Context) error {
	queueID := c.Param("queue_id")
	var req heartbeatJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	leaseDuration := time.Duration(req.LeaseDurationSecond) * time.Second
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}

	if err := s.queue.Heartbeat(c.Request().Context(), queueID, req.WorkerID, leaseDuration); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusOK)
}

// completeJobHandler handles POST /queue/{queue_id}/complete (spec §6.1
// "Report success with result payload"). It shares its event-emission and
// lease-resolution logic with the in-process Dispatcher through
// dispatcher.Terminate, so a remote worker reporting over HTTP produces the
// exact same event stream as this package's own poll loop. Terminate's
// event_log.Append fires eventlog.EvaluateChannel, which is what actually
// re-schedules the execution's next Broker.Evaluate pass (see
// pkg/broker.Watcher) — this handler doesn't call Evaluate itself.
func (s *Server) completeJobHandler(c *echo.Context) error {
	queueID := c.Param("queue_id")
	var req completeJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	job, err := s.queue.Get(c.Request().Context(), queueID)
	if err != nil {
		return mapServiceError(err)
	}

	dispatcher.Terminate(c.Request().Context(), s.queue, s.log, s.workload, req.WorkerID, s.retryPolicy, job, true, req.Result, "", "")
	return c.NoContent(http.StatusOK)
}

// failJobHandler handles POST /queue/{queue_id}/fail (spec §6.1), reporting
// a failure with {error, failure_kind}; the server's configured retry
// policy is applied, never one sent by the worker.
func (s *Server) failJobHandler(c *echo.Context) error {
	queueID := c.Param("queue_id")
	var req failJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.FailureKind == "" {
		req.FailureKind = model.FailurePermanent
	}

	job, err := s.queue.Get(c.Request().Context(), queueID)
	if err != nil {
		return mapServiceError(err)
	}

	dispatcher.Terminate(c.Request().Context(), s.queue, s.log, s.workload, req.WorkerID, s.retryPolicy, job, false, nil, req.Error, req.FailureKind)
	return c.NoContent(http.StatusOK)
}

// reapExpiredHandler handles POST /queue/reap-expired (spec §6.1 "Admin:
// trigger reap immediately").
func (s *Server) reapExpiredHandler(c *echo.Context) error {
	reclaimed, err := s.queue.ReapExpired(c.Request().Context(), s.retryPolicy)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, reapResponse{Reclaimed: reclaimed})
}
