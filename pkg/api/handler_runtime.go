package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/noetl/noetl/pkg/model"
)

// registerRuntimeHandler handles POST /runtime/register (spec §6.1
// "Worker registration on startup").
func (s *Server) registerRuntimeHandler(c *echo.Context) error {
	var req registerRuntimeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PoolName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pool_name is required")
	}

	runtimeID, err := s.runtime.Register(c.Request().Context(), req.PoolName, req.Capabilities)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, runtimeResponse{
		RuntimeID:    runtimeID,
		PoolName:     req.PoolName,
		Capabilities: req.Capabilities,
		Status:       model.RuntimeReady,
	})
}

// heartbeatRuntimeHandler handles POST /runtime/heartbeat (spec §6.1
// "Worker liveness; auto-recreates registration if missing").
func (s *Server) heartbeatRuntimeHandler(c *echo.Context) error {
	var req heartbeatRuntimeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RuntimeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runtime_id is required")
	}
	status := req.Status
	if status == "" {
		status = model.RuntimeReady
	}

	if err := s.runtime.Heartbeat(c.Request().Context(), req.RuntimeID, req.PoolName, req.Capabilities, status); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusOK)
}
