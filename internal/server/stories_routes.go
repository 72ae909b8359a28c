package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/paging"
	"github.com/MarcoPoloResearchLab/lowkey/internal/stories"
	"github.com/gin-gonic/gin"
)

const (
	maxMediaBytes       = 64 << 20
	reasonMediaTooLarge = "media_too_large"
)

type storyPayload struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Title      *string   `json:"title"`
	MediaURL   string    `json:"media_url"`
	MediaType  string    `json:"media_type"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type storyViewPayload struct {
	ViewerID string    `json:"viewer_id"`
	Username string    `json:"username"`
	ViewedAt time.Time `json:"viewed_at"`
}

type storyForm struct {
	Title      string `validate:"max=280"`
	Visibility string `validate:"max=32"`
}

type pageQuery struct {
	Limit  *int `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset *int `form:"offset" binding:"omitempty,min=0"`
}

func (h *httpHandler) toStoryPayload(story stories.Story) storyPayload {
	return storyPayload{
		ID:         story.StoryID,
		OwnerID:    story.OwnerID,
		Title:      story.Title,
		MediaURL:   story.MediaURL,
		MediaType:  story.MediaType,
		Visibility: string(story.Visibility),
		CreatedAt:  story.CreatedAt(),
		ExpiresAt:  story.ExpiresAt(h.stories.TTL()),
	}
}

func (h *httpHandler) toStoryPayloads(list []stories.Story) []storyPayload {
	payloads := make([]storyPayload, 0, len(list))
	for _, story := range list {
		payloads = append(payloads, h.toStoryPayload(story))
	}
	return payloads
}

// bindPage reads limit/offset, defaulting to the first page.
func bindPage(c *gin.Context) (paging.Page, bool) {
	var query pageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondInvalidRequest(c)
		return paging.Page{}, false
	}
	limit, offset := paging.DefaultLimit, 0
	if query.Limit != nil {
		limit = *query.Limit
	}
	if query.Offset != nil {
		offset = *query.Offset
	}
	page, err := paging.New(limit, offset)
	if err != nil {
		respondInvalidRequest(c)
		return paging.Page{}, false
	}
	return page, true
}

// formOrQuery reads a multipart field, falling back to the query string.
func formOrQuery(c *gin.Context, key string) string {
	if value, ok := c.GetPostForm(key); ok {
		return value
	}
	return c.Query(key)
}

func (h *httpHandler) handleCreateStory(c *gin.Context) {
	form := storyForm{
		Title:      strings.TrimSpace(formOrQuery(c, "title")),
		Visibility: strings.TrimSpace(formOrQuery(c, "visibility")),
	}
	if err := h.validate.Struct(form); err != nil {
		respondInvalidRequest(c)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": reasonMissingFile})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respondInvalidRequest(c)
		return
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, maxMediaBytes+1))
	if err != nil {
		respondInvalidRequest(c)
		return
	}
	if len(body) > maxMediaBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": reasonMediaTooLarge})
		return
	}

	story, err := h.stories.Create(c.Request.Context(), stories.CreateInput{
		OwnerID:     currentUserID(c),
		Title:       form.Title,
		Visibility:  form.Visibility,
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		h.respondError(c, "stories.create", err)
		return
	}
	c.JSON(http.StatusCreated, h.toStoryPayload(story))
}

func (h *httpHandler) handleListPublicStories(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	list, err := h.stories.ListPublicActive(c.Request.Context(), page)
	if err != nil {
		h.respondError(c, "stories.list_public", err)
		return
	}
	c.JSON(http.StatusOK, h.toStoryPayloads(list))
}

func (h *httpHandler) handleListFeedStories(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	list, err := h.stories.ListFollowingActive(c.Request.Context(), currentUserID(c), page)
	if err != nil {
		h.respondError(c, "stories.list_following", err)
		return
	}
	c.JSON(http.StatusOK, h.toStoryPayloads(list))
}

func (h *httpHandler) handleGetStory(c *gin.Context) {
	ctx := c.Request.Context()
	viewerID := currentUserID(c)
	story, err := h.stories.Get(ctx, c.Param("storyId"))
	if err != nil {
		h.respondError(c, "stories.get", err)
		return
	}
	if err := h.stories.Authorize(ctx, viewerID, story); err != nil {
		h.respondError(c, "stories.get", err)
		return
	}
	if err := h.stories.RecordView(ctx, story.StoryID, viewerID); err != nil {
		h.respondError(c, "stories.record_view", err)
		return
	}
	c.JSON(http.StatusOK, h.toStoryPayload(story))
}

func (h *httpHandler) handleListStoryViews(c *gin.Context) {
	ctx := c.Request.Context()
	story, err := h.stories.Get(ctx, c.Param("storyId"))
	if err != nil {
		h.respondError(c, "stories.list_views", err)
		return
	}
	if err := h.stories.Authorize(ctx, currentUserID(c), story); err != nil {
		h.respondError(c, "stories.list_views", err)
		return
	}
	records, err := h.stories.ListViews(ctx, story.StoryID)
	if err != nil {
		h.respondError(c, "stories.list_views", err)
		return
	}
	payloads := make([]storyViewPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, storyViewPayload{
			ViewerID: record.ViewerID,
			Username: record.Username,
			ViewedAt: record.ViewedAt(),
		})
	}
	c.JSON(http.StatusOK, payloads)
}

func (h *httpHandler) handleDeleteStory(c *gin.Context) {
	ctx := c.Request.Context()
	story, err := h.stories.Lookup(ctx, c.Param("storyId"))
	if err != nil {
		h.respondError(c, "stories.delete", err)
		return
	}
	if story.OwnerID != currentUserID(c) {
		h.respondError(c, "stories.delete", stories.ErrForbidden)
		return
	}
	if err := h.stories.Delete(ctx, story); err != nil {
		h.respondError(c, "stories.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}
