package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/chat"
	"github.com/gin-gonic/gin"
)

type conversationPayload struct {
	ID        string    `json:"id"`
	User1ID   string    `json:"user1_id"`
	User2ID   string    `json:"user2_id"`
	CreatedAt time.Time `json:"created_at"`
}

// messageFrame is both the REST message body and the websocket frame.
type messageFrame struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func newMessageFrame(message chat.Message) messageFrame {
	return messageFrame{
		ID:        message.MessageID,
		ChatID:    message.ConversationID,
		SenderID:  message.SenderID,
		Content:   message.Content,
		CreatedAt: message.CreatedAt(),
	}
}

func (h *httpHandler) handleStartChat(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUserID(c)
	targetID := strings.TrimSpace(c.Param("userId"))
	if targetID == userID {
		h.respondError(c, "chat.start", chat.ErrInvalidPair)
		return
	}
	if _, err := h.users.Get(ctx, targetID); err != nil {
		h.respondError(c, "chat.start", err)
		return
	}
	conversation, err := h.chats.GetOrCreateConversation(ctx, userID, targetID)
	if err != nil {
		h.respondError(c, "chat.start", err)
		return
	}
	c.JSON(http.StatusCreated, conversationPayload{
		ID:        conversation.ConversationID,
		User1ID:   conversation.UserLowID,
		User2ID:   conversation.UserHighID,
		CreatedAt: conversation.CreatedAt(),
	})
}

// participantConversation loads the path conversation and checks the caller belongs to it.
func (h *httpHandler) participantConversation(c *gin.Context, operation string) (chat.Conversation, bool) {
	conversation, err := h.chats.Conversation(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		h.respondError(c, operation, err)
		return chat.Conversation{}, false
	}
	if !conversation.HasParticipant(currentUserID(c)) {
		h.respondError(c, operation, chat.ErrNotAParticipant)
		return chat.Conversation{}, false
	}
	return conversation, true
}

func (h *httpHandler) handleSendChatMessage(c *gin.Context) {
	conversation, ok := h.participantConversation(c, "chat.send")
	if !ok {
		return
	}
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	message, err := h.broadcaster.Send(c.Request.Context(), conversation.ConversationID, currentUserID(c), request.Content, chat.ChannelREST)
	if err != nil {
		h.respondError(c, "chat.send", err)
		return
	}
	c.JSON(http.StatusCreated, newMessageFrame(message))
}

func (h *httpHandler) handleListChatMessages(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	conversation, ok := h.participantConversation(c, "chat.list")
	if !ok {
		return
	}
	messages, err := h.chats.ListRecent(c.Request.Context(), conversation.ConversationID, page)
	if err != nil {
		h.respondError(c, "chat.list", err)
		return
	}
	frames := make([]messageFrame, 0, len(messages))
	for _, message := range messages {
		frames = append(frames, newMessageFrame(message))
	}
	c.JSON(http.StatusOK, frames)
}
