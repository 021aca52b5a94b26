package http

import (
	"context"
	"net/http"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/internal/core/services"
	"streamhub/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

type RecordingHandler struct {
	hub *services.Hub
}

func NewRecordingHandler(hub *services.Hub) *RecordingHandler {
	return &RecordingHandler{hub: hub}
}

func (h *RecordingHandler) SetupRoutes(api *gin.RouterGroup, auth gin.HandlerFunc) {
	api.POST("/streams/:id/recordings/start", auth, h.StartRecording)
	api.POST("/streams/:id/recordings/stop", auth, h.StopRecording)
	api.GET("/streams/:id/recordings", h.ListRecordings)
	api.GET("/recordings/:id", h.GetRecording)
	api.DELETE("/recordings/:id", auth, h.DeleteRecording)
}

func (h *RecordingHandler) StartRecording(c *gin.Context) {
	h.transition(c, http.StatusCreated, h.hub.StartRecording)
}

// StopRecording is idempotent: a stopped recording is returned as is.
func (h *RecordingHandler) StopRecording(c *gin.Context) {
	h.transition(c, http.StatusOK, h.hub.StopRecording)
}

func (h *RecordingHandler) transition(c *gin.Context, status int, fn func(context.Context, ports.Identity, domain.StreamID) (domain.Recording, error)) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		abortWithError(c, domain.ErrUnauthorized)
		return
	}
	id, ok := streamIDParam(c)
	if !ok {
		return
	}

	rec, err := fn(c.Request.Context(), *identity, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(status, gin.H{
		"recording": rec,
	})
}

func (h *RecordingHandler) ListRecordings(c *gin.Context) {
	id, ok := streamIDParam(c)
	if !ok {
		return
	}

	recordings := h.hub.Recorder().ListForStream(id)
	c.JSON(http.StatusOK, gin.H{
		"recordings": recordings,
	})
}

func (h *RecordingHandler) GetRecording(c *gin.Context) {
	id, ok := recordingIDParam(c)
	if !ok {
		return
	}

	rec, err := h.hub.Recorder().GetRecording(id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recording": rec,
	})
}

func (h *RecordingHandler) DeleteRecording(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		abortWithError(c, domain.ErrUnauthorized)
		return
	}
	id, ok := recordingIDParam(c)
	if !ok {
		return
	}

	if err := h.hub.DeleteRecording(c.Request.Context(), *identity, id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
