package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleFollow(c *gin.Context) {
	if err := h.users.Follow(c.Request.Context(), currentUserID(c), c.Param("userId")); err != nil {
		h.respondError(c, "follows.create", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"follower_id": currentUserID(c), "followed_id": c.Param("userId")})
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	if err := h.users.Unfollow(c.Request.Context(), currentUserID(c), c.Param("userId")); err != nil {
		h.respondError(c, "follows.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}
