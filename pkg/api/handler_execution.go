package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// runExecutionHandler handles POST /executions/run (spec §6.1).
func (s *Server) runExecutionHandler(c *echo.Context) error {
	var req runExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ref, params, parent := req.resolve()
	if ref.CatalogID == "" && ref.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "one of catalog_id, path, or playbook_id is required")
	}

	executionID, err := s.broker.StartExecution(c.Request().Context(), ref, params, parent)
	if err != nil {
		if executionID == "" {
			return mapServiceError(err)
		}
		// StartExecution already committed execution_start and ran the
		// first evaluation pass. An evaluation error is not a request
		// error: Evaluate appends execution_failed only for the failures
		// it handles itself (such as a catalog fetch error), any error it
		// returns is dropped here, and the handler still answers 202.
	}

	exec, err := s.broker.GetExecution(c.Request().Context(), executionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, newExecutionResponse(exec))
}

// getExecutionHandler handles GET /executions/{id}.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	id := c.Param("id")
	exec, err := s.broker.GetExecution(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newExecutionResponse(exec))
}

// getExecutionEventsHandler handles GET /executions/{id}/events: pages the
// event log from an optional ?since_event_id= cursor (spec §6.1 "Stream or
// page the event log"; real-time streaming is served separately over the
// /ws endpoint).
func (s *Server) getExecutionEventsHandler(c *echo.Context) error {
	id := c.Param("id")
	var since int64
	if v := c.QueryParam("since_event_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since_event_id")
		}
		since = parsed
	}

	events, err := s.log.Fetch(c.Request().Context(), id, since)
	if err != nil {
		return mapServiceError(err)
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, newEventResponse(e))
	}
	return c.JSON(http.StatusOK, out)
}

// cancelExecutionHandler handles POST /executions/{id}/cancel.
func (s *Server) cancelExecutionHandler(c *echo.Context) error {
	id := c.Param("id")
	var req cancelExecutionRequest
	_ = c.Bind(&req)

	if err := s.broker.CancelExecution(c.Request().Context(), id, req.Reason); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}
