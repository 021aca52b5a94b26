package http

import (
	"net/http"

	"streamhub/internal/core/services"
	"streamhub/internal/infrastructure/distributed"
	"streamhub/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker   *monitoring.HealthChecker
	hub       *services.Hub
	instances *distributed.InstanceRegistry
}

// NewHealthHandler takes an optional instance registry; without one the
// cluster view lists only this replica.
func NewHealthHandler(checker *monitoring.HealthChecker, hub *services.Hub, instances *distributed.InstanceRegistry) *HealthHandler {
	return &HealthHandler{checker: checker, hub: hub, instances: instances}
}

func (h *HealthHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/api/hub/stats", h.HubStats)
	router.GET("/api/hub/instances", h.Instances)
}

// Health always answers 200; the body tells which subsystems are up.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.checker.CheckAll(c.Request.Context()))
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *HealthHandler) HubStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

func (h *HealthHandler) Instances(c *gin.Context) {
	if h.instances == nil {
		stats := h.hub.Stats()
		c.JSON(http.StatusOK, gin.H{
			"instances": []distributed.InstanceInfo{{
				InstanceID:  stats.InstanceID,
				LiveStreams: stats.LiveStreams,
				Sessions:    stats.Sessions,
				Connections: stats.Connections,
			}},
		})
		return
	}

	list, err := h.instances.Instances(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instances": list,
	})
}
