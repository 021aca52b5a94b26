package http

import (
	"streamhub/internal/core/domain"
	apperrors "streamhub/pkg/errors"
	"streamhub/pkg/validation"

	"github.com/gin-gonic/gin"
)

// abortWithError hands err to ErrorHandlerMiddleware, which maps it to a
// status and renders the body.
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// bindError turns a JSON binding failure into INVALID_ARGUMENT.
func bindError(err error) error {
	return apperrors.WrapError(err, apperrors.ErrCodeInvalidArgument, "invalid request body: "+err.Error(),
		apperrors.StatusFor(apperrors.ErrCodeInvalidArgument))
}

func streamIDParam(c *gin.Context) (domain.StreamID, bool) {
	id, ok := idParam(c, "stream id")
	return domain.StreamID(id), ok
}

func recordingIDParam(c *gin.Context) (domain.RecordingID, bool) {
	id, ok := idParam(c, "recording id")
	return domain.RecordingID(id), ok
}

// idParam reads the :id path parameter and rejects malformed ids before
// they reach a lookup.
func idParam(c *gin.Context, field string) (string, bool) {
	id := c.Param("id")
	if err := validation.ValidateID(id, field); err != nil {
		abortWithError(c, apperrors.NewInvalidArgumentError(err.Error()))
		return "", false
	}
	return id, true
}
