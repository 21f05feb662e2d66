package devserver

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"salonchat/internal/db"
	"salonchat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
	historyLimit   = 50
)

// Client is one authenticated socket connection on the server side.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	user   *models.User
	logger *zap.Logger

	// guarded by hub.mu
	closed bool
	rooms  map[string]bool
}

func NewClient(hub *Hub, conn *websocket.Conn, user *models.User) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		user:   user,
		logger: hub.logger.With(zap.String("user_id", user.ID)),
		rooms:  make(map[string]bool),
	}
}

func (c *Client) emit(event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	c.hub.deliver(c, data)
}

func (c *Client) emitError(message string) {
	c.emit(models.EventError, models.ErrorPayload{Message: message})
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("error unmarshaling message", zap.Error(err))
			c.emitError("malformed frame")
			continue
		}
		c.hub.metrics.Events.WithLabelValues(env.Type).Inc()
		c.handle(env)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(env models.Envelope) {
	switch env.Type {
	case models.EventJoinConversation:
		var p models.ConversationRef
		if c.decode(env, &p) {
			c.join(p.ConversationID)
		}
	case models.EventLeaveConversation:
		var p models.ConversationRef
		if c.decode(env, &p) {
			c.hub.Leave(c, p.ConversationID)
		}
	case models.EventSendMessage:
		var p models.SendMessagePayload
		if c.decode(env, &p) {
			c.sendMessage(p)
		}
	case models.EventMarkAsRead:
		var p models.MarkAsReadPayload
		if c.decode(env, &p) {
			c.markAsRead(p.MessageID)
		}
	case models.EventMarkConversationAsRead:
		var p models.ConversationRef
		if c.decode(env, &p) {
			c.markConversationAsRead(p.ConversationID)
		}
	case models.EventUserTyping, models.EventUserStoppedTyping:
		var p models.ConversationRef
		if c.decode(env, &p) && c.hub.InRoom(c, p.ConversationID) {
			c.hub.SendToConversation(p.ConversationID, env.Type, models.TypingPayload{
				ConversationID: p.ConversationID,
				UserID:         c.user.ID,
				UserName:       c.user.Sender().DisplayName(),
			}, c)
		}
	default:
		c.emitError("unknown event: " + env.Type)
	}
}

func (c *Client) decode(env models.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.logger.Warn("bad payload", zap.String("event", env.Type), zap.Error(err))
		c.emitError("invalid payload for " + env.Type)
		return false
	}
	return true
}

func (c *Client) participant(conversationID string) bool {
	ok, err := c.hub.db.IsParticipant(conversationID, c.user.ID)
	if err != nil {
		c.logger.Error("participant check failed", zap.Error(err))
		c.emitError("internal error")
		return false
	}
	if !ok {
		c.emitError("not a participant of this conversation")
	}
	return ok
}

func (c *Client) join(conversationID string) {
	if conversationID == "" || !c.participant(conversationID) {
		return
	}
	c.hub.Join(c, conversationID)

	messages, err := c.hub.db.GetConversationMessages(conversationID, historyLimit, 0)
	if err != nil {
		c.logger.Error("failed to load history", zap.Error(err))
		c.emitError("failed to load conversation history")
		return
	}
	c.emit(models.EventConversationHistory, models.HistoryPayload{
		ConversationID: conversationID,
		Messages:       messages,
	})
}

func (c *Client) sendMessage(p models.SendMessagePayload) {
	if strings.TrimSpace(p.Content) == "" && len(p.Attachments) == 0 {
		c.emitError("message is empty")
		return
	}
	if !c.participant(p.ConversationID) {
		return
	}

	saved, err := c.hub.db.SaveMessage(&models.Message{
		ConversationID: p.ConversationID,
		SenderID:       c.user.ID,
		Content:        p.Content,
		Attachments:    p.Attachments,
	})
	if err != nil {
		c.logger.Error("failed to save message", zap.Error(err))
		c.emitError("failed to send message")
		return
	}
	c.hub.metrics.SavedMessages.Inc()

	c.hub.SendToConversation(p.ConversationID, models.EventNewMessage, saved, nil)

	participants, err := c.hub.db.GetConversationParticipantIDs(p.ConversationID)
	if err != nil {
		c.logger.Error("failed to get conversation participants", zap.Error(err))
		return
	}
	for _, id := range participants {
		if id != c.user.ID {
			c.hub.pushUnread(id, p.ConversationID)
		}
	}
}

func (c *Client) markAsRead(messageID string) {
	msg, changed, err := c.hub.db.MarkMessageRead(messageID, c.user.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.emitError("message not found")
		return
	case errors.Is(err, db.ErrNotParticipant):
		c.emitError("not a participant of this conversation")
		return
	case err != nil:
		c.logger.Error("failed to mark message read", zap.Error(err))
		c.emitError("failed to mark message as read")
		return
	}
	if !changed {
		return
	}

	c.hub.SendToConversation(msg.ConversationID, models.EventMessageRead, models.MessageReadPayload{
		MessageID: msg.ID,
		ReadAt:    *msg.ReadAt,
	}, nil)
	c.hub.pushUnread(c.user.ID, msg.ConversationID)
}

func (c *Client) markConversationAsRead(conversationID string) {
	if !c.participant(conversationID) {
		return
	}
	ids, readAt, err := c.hub.db.MarkConversationRead(conversationID, c.user.ID)
	if err != nil {
		c.logger.Error("failed to mark conversation read", zap.Error(err))
		c.emitError("failed to mark conversation as read")
		return
	}
	for _, id := range ids {
		c.hub.SendToConversation(conversationID, models.EventMessageRead, models.MessageReadPayload{
			MessageID: id,
			ReadAt:    readAt,
		}, nil)
	}
	c.hub.pushUnread(c.user.ID, conversationID)
}

// pushUnread sends a user their fresh global and per-conversation unread
// counts.
func (h *Hub) pushUnread(userID, conversationID string) {
	total, err := h.db.CountUnread(userID)
	if err != nil {
		h.logger.Error("failed to count unread", zap.String("user_id", userID), zap.Error(err))
		return
	}
	h.SendToUser(userID, models.EventUnreadCountUpdated, models.UnreadCountPayload{TotalUnread: total})

	if conversationID == "" {
		return
	}
	n, err := h.db.CountConversationUnread(conversationID, userID)
	if err != nil {
		h.logger.Error("failed to count conversation unread", zap.String("user_id", userID), zap.Error(err))
		return
	}
	h.SendToUser(userID, models.EventConversationUnreadUpdated, models.ConversationUnreadPayload{
		ConversationID: conversationID,
		UnreadCount:    n,
	})
}
