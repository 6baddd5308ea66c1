package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/runtime"
)

// mapServiceError maps storage/domain errors to HTTP error responses
// (spec §7 error taxonomy: StorageError -> 5xx, everything else the
// caller could have fixed -> 4xx).
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, broker.ErrExecutionNotFound) || errors.Is(err, catalog.ErrNotFound) || errors.Is(err, runtime.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, queue.ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		return echo.NewHTTPError(http.StatusConflict, "lease lost")
	}
	if errors.Is(err, queue.ErrStorage) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}

	slog.Error("unexpected api error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
