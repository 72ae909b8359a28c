package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// CloseUnauthenticated is sent when the token fails verification.
	CloseUnauthenticated = 4401
	// CloseForbidden is sent when the caller may not join the conversation.
	CloseForbidden = 4403

	defaultSendBuffer   = 32
	defaultInboundRate  = 5.0
	defaultInboundBurst = 10
	socketWriteWait     = 10 * time.Second
	socketPongWait      = 60 * time.Second
	socketPingPeriod    = (socketPongWait * 9) / 10
	socketMaxFrameBytes = 64 << 10
)

var (
	errSubscriberClosed = errors.New("chat subscriber closed")
	errSendQueueFull    = errors.New("chat subscriber send queue full")
)

func normalizeLiveChatSettings(settings LiveChatSettings) LiveChatSettings {
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = defaultSendBuffer
	}
	if settings.InboundRate <= 0 {
		settings.InboundRate = defaultInboundRate
	}
	if settings.InboundBurst <= 0 {
		settings.InboundBurst = defaultInboundBurst
	}
	return settings
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || containsWildcard(allowedOrigins)
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(origin), "/")] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			_, ok := allowed[parsed.Scheme+"://"+parsed.Host]
			return ok
		},
	}
}

// socketSubscriber owns one websocket connection. Deliver only enqueues; the
// writer goroutine is the single writer on the connection.
type socketSubscriber struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	logger    *zap.Logger
}

func newSocketSubscriber(conn *websocket.Conn, buffer int, logger *zap.Logger) *socketSubscriber {
	return &socketSubscriber{
		conn:      conn,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseGoingAway,
		logger:    logger,
	}
}

func (s *socketSubscriber) Deliver(message chat.Message) error {
	payload, err := json.Marshal(newMessageFrame(message))
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSubscriberClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSubscriberClosed
	default:
		return errSendQueueFull
	}
}

func (s *socketSubscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *socketSubscriber) closeWith(code int) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		close(s.done)
	})
}

// writeLoop drains the queue, keeps the peer alive with pings, and closes the
// connection once the subscriber is closed or a write fails.
func (s *socketSubscriber) writeLoop() {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("chat socket write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			closeFrame := websocket.FormatCloseMessage(s.closeCode, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(socketWriteWait))
			return
		}
	}
}

type inboundFrame struct {
	Content *string `json:"content"`
}

func (h *httpHandler) handleChatSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("chat socket upgrade failed", zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	conversationID := c.Param("chatId")
	userID, code := h.authorizeSocket(ctx, c.Query("token"), conversationID)
	if code != 0 {
		closeImmediately(conn, code)
		return
	}

	subscriber := newSocketSubscriber(conn, h.live.SendBuffer, h.logger)
	_, unregister, ok := h.broadcaster.Registry().Register(conversationID, subscriber)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		subscriber.writeLoop()
	}()
	if h.connections != nil {
		h.connections.ConnectionOpened()
	}
	defer func() {
		unregister()
		subscriber.Close()
		<-writerDone
		if h.connections != nil {
			h.connections.ConnectionClosed()
		}
	}()
	if !ok {
		return
	}

	h.readFrames(ctx, conn, subscriber, conversationID, userID)
}

// authorizeSocket returns the caller's user id, or a non-zero close code.
func (h *httpHandler) authorizeSocket(ctx context.Context, token, conversationID string) (string, int) {
	if strings.TrimSpace(token) == "" {
		return "", CloseUnauthenticated
	}
	userID, err := h.authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, errIdentityUnavailable) {
			return "", websocket.CloseInternalServerErr
		}
		return "", CloseUnauthenticated
	}
	conversation, err := h.chats.Conversation(ctx, conversationID)
	if errors.Is(err, chat.ErrInvalidConversation) {
		return "", CloseForbidden
	}
	if err != nil {
		return "", websocket.CloseInternalServerErr
	}
	if !conversation.HasParticipant(userID) {
		return "", CloseForbidden
	}
	return userID, 0
}

func closeImmediately(conn *websocket.Conn, code int) {
	closeFrame := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(socketWriteWait))
	_ = conn.Close()
}

// readFrames sends every well-formed inbound frame through the broadcaster
// until the peer goes away. Malformed, empty, oversize and over-long frames are
// skipped; frames above the inbound rate wait for the limiter.
func (h *httpHandler) readFrames(ctx context.Context, conn *websocket.Conn, subscriber *socketSubscriber, conversationID, userID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-subscriber.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(h.live.InboundRate), h.live.InboundBurst)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		messageType, reader, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("chat socket closed unexpectedly", zap.String("conversation_id", conversationID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		// The unread tail of an oversize frame is discarded by the next NextReader call.
		data, err := io.ReadAll(io.LimitReader(reader, socketMaxFrameBytes+1))
		if err != nil {
			return
		}
		if len(data) > socketMaxFrameBytes {
			h.logger.Debug("chat frame skipped as oversize", zap.String("conversation_id", conversationID), zap.String("user_id", userID))
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Content == nil || strings.TrimSpace(*frame.Content) == "" {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
		if _, err := h.broadcaster.Send(ctx, conversationID, userID, *frame.Content, chat.ChannelSocket); err != nil {
			if errors.Is(err, chat.ErrEmptyContent) || errors.Is(err, chat.ErrContentTooLong) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("chat socket send failed", zap.String("conversation_id", conversationID), zap.Error(err))
			if errors.Is(err, chat.ErrNotAParticipant) || errors.Is(err, chat.ErrInvalidConversation) {
				subscriber.closeWith(CloseForbidden)
				return
			}
		}
	}
}
