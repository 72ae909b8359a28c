package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/lowkey/internal/chat"
	"github.com/MarcoPoloResearchLab/lowkey/internal/paging"
	"github.com/MarcoPoloResearchLab/lowkey/internal/stories"
	"github.com/MarcoPoloResearchLab/lowkey/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	reasonUnauthorized       = "unauthorized"
	reasonForbidden          = "forbidden"
	reasonNotFound           = "not_found"
	reasonInvalidRequest     = "invalid_request"
	reasonEmptyContent       = "empty_content"
	reasonContentTooLong     = "content_too_long"
	reasonInvalidPair        = "invalid_pair"
	reasonInvalidVisibility  = "invalid_visibility"
	reasonMissingFile        = "missing_file"
	reasonSelfFollow         = "self_follow"
	reasonStorageUnavailable = "storage_unavailable"
	reasonInternal           = "internal_error"
)

type errorMapping struct {
	target error
	status int
	reason string
}

var errorMappings = []errorMapping{
	{target: stories.ErrStorageUnavailable, status: http.StatusServiceUnavailable, reason: reasonStorageUnavailable},
	{target: stories.ErrNotFound, status: http.StatusNotFound, reason: reasonNotFound},
	{target: chat.ErrInvalidConversation, status: http.StatusNotFound, reason: reasonNotFound},
	{target: users.ErrUserNotFound, status: http.StatusNotFound, reason: reasonNotFound},
	{target: stories.ErrForbidden, status: http.StatusForbidden, reason: reasonForbidden},
	{target: chat.ErrNotAParticipant, status: http.StatusForbidden, reason: reasonForbidden},
	{target: chat.ErrEmptyContent, status: http.StatusUnprocessableEntity, reason: reasonEmptyContent},
	{target: chat.ErrContentTooLong, status: http.StatusUnprocessableEntity, reason: reasonContentTooLong},
	{target: chat.ErrInvalidPair, status: http.StatusUnprocessableEntity, reason: reasonInvalidPair},
	{target: users.ErrSelfFollow, status: http.StatusUnprocessableEntity, reason: reasonSelfFollow},
	{target: stories.ErrInvalidVisibility, status: http.StatusUnprocessableEntity, reason: reasonInvalidVisibility},
	{target: stories.ErrMissingMedia, status: http.StatusUnprocessableEntity, reason: reasonMissingFile},
	{target: paging.ErrInvalidPage, status: http.StatusBadRequest, reason: reasonInvalidRequest},
	{target: users.ErrInvalidIdentity, status: http.StatusUnauthorized, reason: reasonUnauthorized},
}

// respondError writes the status and reason mapped from err. Unmapped errors are logged and reported as 500.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			if mapping.status == http.StatusServiceUnavailable {
				h.logger.Warn("storage unavailable", zap.String("operation", operation), zap.Error(err))
			}
			c.AbortWithStatusJSON(mapping.status, gin.H{"error": mapping.reason})
			return
		}
	}
	h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": reasonInternal})
}

func respondInvalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": reasonInvalidRequest})
}
