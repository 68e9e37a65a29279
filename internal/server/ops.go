package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/docquery/docquery/internal/cache"
	"github.com/docquery/docquery/internal/runtime"
	"github.com/docquery/docquery/internal/vectorindex"
)

// OpsHandler exposes the operational surface: cache statistics and vector
// index state. Mounted behind auth; mutating routes additionally require
// admin.
type OpsHandler struct {
	Cache *cache.Cache
	Index *vectorindex.Index
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/cache/stats", h.cacheStats, runtime.RequireAdmin())
	g.POST("/cache/stats/reset", h.resetCacheStats, runtime.RequireAdmin())
	g.POST("/cache/clear", h.clearCache, runtime.RequireAdmin())
	g.POST("/cache/invalidate", h.invalidateOwn)
	g.GET("/index/stats", h.indexStats, runtime.RequireAdmin())
}

func (h *OpsHandler) cacheStats(c echo.Context) error {
	stats, err := h.Cache.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *OpsHandler) resetCacheStats(c echo.Context) error {
	if err := h.Cache.ResetStats(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// clearCache flushes all query and embedding entries. Token blacklist survives.
func (h *OpsHandler) clearCache(c echo.Context) error {
	n, err := h.Cache.Clear(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, InvalidateResponse{Deleted: n})
}

// invalidateOwn drops the caller's cached query results. Any authenticated
// principal may flush their own entries.
func (h *OpsHandler) invalidateOwn(c echo.Context) error {
	principal := runtime.PrincipalFromEcho(c)
	n, err := h.Cache.InvalidateQueries(c.Request().Context(), principal.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, InvalidateResponse{Deleted: n})
}

func (h *OpsHandler) indexStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Index.Stats())
}
