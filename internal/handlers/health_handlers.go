package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearly/hearly-api/internal/db"
)

type HealthHandler struct {
	store db.Store
}

func NewHealthHandler(store db.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Health godoc
// @Summary      Health check
// @Description  Checks if the server is running
// @Tags         health
// @Accept       json
// @Produce      json
// @Success      200  {object}  HealthResponse   "Returns health status"
// @Router       /health [get]
// @exclude
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
	})
}

// Ready godoc
// @Summary      Readiness check
// @Description  Verifies the database is reachable
// @Tags         health
// @Accept       json
// @Produce      json
// @Success      200  {object}  HealthResponse   "Returns readiness status"
// @Failure      503  {object}  HealthResponse   "Database unreachable"
// @Router       /ready [get]
// @exclude
func (h *HealthHandler) Ready(c *gin.Context) {
	if s, ok := h.store.(*db.SQLStore); ok {
		if err := s.Pool().Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
