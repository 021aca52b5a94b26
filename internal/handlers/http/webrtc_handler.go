package http

import (
	"net/http"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/services"

	"github.com/gin-gonic/gin"
)

// WebRTCHandler serves connection setup hints and the telemetry side door
// for clients that report over HTTP instead of the realtime channel.
type WebRTCHandler struct {
	hub *services.Hub
}

func NewWebRTCHandler(hub *services.Hub) *WebRTCHandler {
	return &WebRTCHandler{hub: hub}
}

func (h *WebRTCHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/webrtc/config", h.GetConfig)
	api.POST("/network/optimize", h.Optimize)
}

func (h *WebRTCHandler) GetConfig(c *gin.Context) {
	device := domain.ParseDeviceClass(c.Query("deviceType"))
	conn := domain.ParseConnectionClass(c.Query("connectionType"))

	c.JSON(http.StatusOK, h.hub.Quality().Recommend(device, conn))
}

type optimizeRequest struct {
	StreamID domain.StreamID        `json:"streamId" binding:"required"`
	Metrics  services.MetricsReport `json:"metrics"`
}

func (h *WebRTCHandler) Optimize(c *gin.Context) {
	var req optimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bindError(err))
		return
	}

	snap, err := h.hub.IngestTelemetry(c.Request.Context(), req.StreamID, req.Metrics)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"quality":        snap,
		"recommendation": domain.QualityProfiles[snap.Tier],
	})
}
