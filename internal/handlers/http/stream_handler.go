package http

import (
	"net/http"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/services"
	"streamhub/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

type StreamHandler struct {
	hub *services.Hub
}

func NewStreamHandler(hub *services.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup, auth gin.HandlerFunc) {
	api.POST("/streams/create", auth, h.CreateStream)
	api.GET("/streams", h.ListStreams)
	api.GET("/streams/:id", h.GetStream)
	api.GET("/streams/:id/stats", h.GetStreamStats)
}

type createStreamRequest struct {
	Title          string          `json:"title" binding:"required,max=200"`
	Description    string          `json:"description" binding:"max=2000"`
	Category       string          `json:"category" binding:"max=64"`
	Moderators     []domain.UserID `json:"moderators" binding:"max=50"`
	DeviceType     string          `json:"deviceType"`
	ConnectionType string          `json:"connectionType"`
}

// CreateStream registers a stream for the caller. The response is the only
// place the stream key is ever handed out.
func (h *StreamHandler) CreateStream(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		abortWithError(c, domain.ErrUnauthorized)
		return
	}

	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bindError(err))
		return
	}

	stream, err := h.hub.CreateStream(c.Request.Context(), *identity, domain.StreamMeta{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Moderators:  req.Moderators,
		DeviceClass: domain.ParseDeviceClass(req.DeviceType),
		Connection:  domain.ParseConnectionClass(req.ConnectionType),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"stream":    stream,
		"streamKey": stream.Key,
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	id, ok := streamIDParam(c)
	if !ok {
		return
	}

	stream, err := h.hub.LookupStream(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream": stream,
	})
}

// ListStreams returns the live streams on this replica.
func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams := h.hub.Registry().ListLiveStreams()
	if streams == nil {
		streams = []domain.Stream{}
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *StreamHandler) GetStreamStats(c *gin.Context) {
	id, ok := streamIDParam(c)
	if !ok {
		return
	}

	stats, err := h.hub.StreamStats(id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}
