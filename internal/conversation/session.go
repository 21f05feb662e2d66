// Package conversation tracks the conversation a user currently has open:
// its messages, who is typing, and the user's global unread counter.
//
// Every socket callback reads the active conversation through the Session
// under its lock, so a callback registered long ago still sees the current
// conversation after any number of switches.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"salonchat/internal/events"
	"salonchat/internal/logger"
	"salonchat/internal/models"
	"salonchat/internal/websocket"
)

var (
	ErrEmptyConversationID  = errors.New("conversation: empty conversation id")
	ErrNoActiveConversation = errors.New("conversation: no active conversation")
	ErrEmptyMessage         = errors.New("conversation: message has no content")
)

type State int

const (
	Idle State = iota
	Joining
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Active:
		return "active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Socket is the part of the transport a Session needs.
type Socket interface {
	Emit(event string, payload any) error
	On(event string, h websocket.Handler) func()
	Connected() bool
}

type TypingUser struct {
	UserID   string
	UserName string
}

type Session struct {
	socket Socket
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	activeID  string
	messages  []models.Message
	index     map[string]int
	pending   []models.Message
	typing    map[string]string
	connected bool
	unread    int
	readSeen  map[string]struct{}

	offs []func()
}

// NewSession subscribes to the socket events it handles. Call Close to
// remove the subscriptions.
func NewSession(socket Socket, bus *events.Bus, log *zap.Logger) *Session {
	s := &Session{
		socket:    socket,
		bus:       bus,
		logger:    logger.OrNop(log).Named("conversation"),
		index:     make(map[string]int),
		typing:    make(map[string]string),
		readSeen:  make(map[string]struct{}),
		connected: socket.Connected(),
	}

	s.handle(models.EventConnect, s.onConnect)
	s.handle(models.EventDisconnect, s.onDisconnect)
	s.handle(models.EventConnectError, s.onConnectError)
	s.handle(models.EventUnreadCountUpdated, s.onUnreadCountUpdated)
	s.handle(models.EventConversationHistory, s.onHistory)
	s.handle(models.EventNewMessage, s.onNewMessage)
	s.handle(models.EventUserTyping, s.onUserTyping)
	s.handle(models.EventUserStoppedTyping, s.onUserStoppedTyping)
	s.handle(models.EventMessageRead, s.onMessageRead)
	s.handle(models.EventConversationUnreadUpdated, s.onConversationUnreadUpdated)
	s.handle(models.EventError, s.onError)
	return s
}

func (s *Session) handle(event string, h websocket.Handler) {
	s.offs = append(s.offs, s.socket.On(event, h))
}

// Close removes every socket listener the session registered. The
// connection itself is left to its owner.
func (s *Session) Close() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
}

// Join makes id the active conversation. Any other active conversation is
// left first. Local state is reset before the history request goes out.
func (s *Session) Join(id string) error {
	if id == "" {
		return ErrEmptyConversationID
	}

	s.mu.Lock()
	prev := s.activeID
	s.resetLocked()
	s.activeID = id
	s.state = Joining
	s.mu.Unlock()

	if prev != "" && prev != id {
		s.emit(models.EventLeaveConversation, models.ConversationRef{ConversationID: prev})
	}
	s.emit(models.EventJoinConversation, models.ConversationRef{ConversationID: id})
	return nil
}

// Leave closes the active conversation. With no active conversation it
// does nothing. An empty id leaves whatever is active.
func (s *Session) Leave(id string) {
	s.mu.Lock()
	if s.activeID == "" {
		s.mu.Unlock()
		return
	}
	if id == "" {
		id = s.activeID
	}
	s.resetLocked()
	s.activeID = ""
	s.state = Idle
	s.mu.Unlock()

	s.emit(models.EventLeaveConversation, models.ConversationRef{ConversationID: id})
}

func (s *Session) resetLocked() {
	s.messages = nil
	s.index = make(map[string]int)
	s.pending = nil
	s.typing = make(map[string]string)
}

func (s *Session) SendMessage(content string, attachments []models.Attachment) error {
	id := s.ActiveConversation()
	if id == "" {
		return ErrNoActiveConversation
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	return s.socket.Emit(models.EventSendMessage, models.SendMessagePayload{
		ConversationID: id,
		Content:        content,
		Attachments:    attachments,
	})
}

func (s *Session) MarkAsRead(messageID string) error {
	if err := s.socket.Emit(models.EventMarkAsRead, models.MarkAsReadPayload{MessageID: messageID}); err != nil {
		return err
	}
	s.bus.Publish(events.MessagesMarkedAsReadEvent{MessageID: messageID})
	return nil
}

func (s *Session) MarkConversationAsRead() error {
	id := s.ActiveConversation()
	if id == "" {
		return ErrNoActiveConversation
	}
	return s.socket.Emit(models.EventMarkConversationAsRead, models.ConversationRef{ConversationID: id})
}

func (s *Session) StartTyping() error {
	return s.emitTyping(models.EventUserTyping)
}

func (s *Session) StopTyping() error {
	return s.emitTyping(models.EventUserStoppedTyping)
}

func (s *Session) emitTyping(event string) error {
	id := s.ActiveConversation()
	if id == "" {
		return nil
	}
	return s.socket.Emit(event, models.ConversationRef{ConversationID: id})
}

func (s *Session) emit(event string, payload any) {
	if err := s.socket.Emit(event, payload); err != nil {
		s.logger.Debug("emit skipped", zap.String("event", event), zap.Error(err))
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Messages returns the active conversation's messages, oldest first.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// TypingUsers returns the users composing a message, ordered by user id.
func (s *Session) TypingUsers() []TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]TypingUser, 0, len(s.typing))
	for id, name := range s.typing {
		users = append(users, TypingUser{UserID: id, UserName: name})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// socket event handlers

func (s *Session) onConnect(json.RawMessage) {
	s.mu.Lock()
	s.connected = true
	id := s.activeID
	if id != "" {
		// Room membership does not survive a reconnect.
		s.pending = nil
		s.state = Joining
	}
	s.mu.Unlock()

	if id != "" {
		s.emit(models.EventJoinConversation, models.ConversationRef{ConversationID: id})
	}
}

func (s *Session) onDisconnect(payload json.RawMessage) {
	var p models.DisconnectPayload
	_ = json.Unmarshal(payload, &p)

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.Info("socket disconnected", zap.String("reason", p.Reason))
}

func (s *Session) onConnectError(payload json.RawMessage) {
	var p models.ErrorPayload
	_ = json.Unmarshal(payload, &p)
	s.logger.Warn("socket connection error", zap.String("message", p.Message))
}

func (s *Session) onError(payload json.RawMessage) {
	var p models.ErrorPayload
	_ = json.Unmarshal(payload, &p)
	s.logger.Warn("server error", zap.String("message", p.Message))
}

func (s *Session) onUnreadCountUpdated(payload json.RawMessage) {
	var p models.UnreadCountPayload
	if !s.decode(models.EventUnreadCountUpdated, payload, &p) {
		return
	}

	// The server total already accounts for every receipt seen so far.
	s.mu.Lock()
	s.unread = max(p.TotalUnread, 0)
	clear(s.readSeen)
	count := s.unread
	s.mu.Unlock()

	s.bus.Publish(events.UnreadCountChangedEvent{Count: count})
}

func (s *Session) onHistory(payload json.RawMessage) {
	var p models.HistoryPayload
	if !s.decode(models.EventConversationHistory, payload, &p) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ConversationID != s.activeID {
		s.logger.Debug("stale history dropped", zap.String("conversation", p.ConversationID))
		return
	}

	// History arrives newest first.
	msgs := make([]models.Message, 0, len(p.Messages)+len(s.pending))
	for i := len(p.Messages) - 1; i >= 0; i-- {
		msgs = append(msgs, p.Messages[i])
	}
	s.messages = nil
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		s.appendLocked(m)
	}
	for _, m := range s.pending {
		s.appendLocked(m)
	}
	s.pending = nil

	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
	s.reindexLocked()
	s.state = Active
}

func (s *Session) onNewMessage(payload json.RawMessage) {
	var m models.Message
	if !s.decode(models.EventNewMessage, payload, &m) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID == "" || (m.ConversationID != "" && m.ConversationID != s.activeID) {
		s.logger.Debug("message for inactive conversation dropped",
			zap.String("conversation", m.ConversationID),
			zap.String("message", m.ID))
		return
	}

	switch s.state {
	case Joining:
		for _, p := range s.pending {
			if p.ID == m.ID {
				return
			}
		}
		s.pending = append(s.pending, m)
	case Active:
		s.appendLocked(m)
	}
}

// appendLocked adds m unless a message with the same id is already listed.
func (s *Session) appendLocked(m models.Message) {
	if m.ID != "" {
		if _, ok := s.index[m.ID]; ok {
			return
		}
		s.index[m.ID] = len(s.messages)
	}
	s.messages = append(s.messages, m)
}

func (s *Session) reindexLocked() {
	s.index = make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		if m.ID != "" {
			s.index[m.ID] = i
		}
	}
}

func (s *Session) onUserTyping(payload json.RawMessage) {
	var p models.TypingPayload
	if !s.decode(models.EventUserTyping, payload, &p) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ConversationID == "" || p.ConversationID != s.activeID {
		return
	}
	s.typing[p.UserID] = p.UserName
}

func (s *Session) onUserStoppedTyping(payload json.RawMessage) {
	var p models.TypingPayload
	if !s.decode(models.EventUserStoppedTyping, payload, &p) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ConversationID == "" || p.ConversationID != s.activeID {
		return
	}
	delete(s.typing, p.UserID)
}

func (s *Session) onMessageRead(payload json.RawMessage) {
	var p models.MessageReadPayload
	if !s.decode(models.EventMessageRead, payload, &p) {
		return
	}

	s.mu.Lock()
	if i, ok := s.index[p.MessageID]; ok {
		readAt := p.ReadAt
		s.messages[i].IsRead = true
		s.messages[i].ReadAt = &readAt
	}
	// A receipt lowers the counter once per message.
	if _, seen := s.readSeen[p.MessageID]; seen {
		s.mu.Unlock()
		return
	}
	s.readSeen[p.MessageID] = struct{}{}
	s.unread = max(s.unread-1, 0)
	count := s.unread
	s.mu.Unlock()

	s.bus.Publish(events.UnreadCountChangedEvent{Count: count})
}

func (s *Session) onConversationUnreadUpdated(payload json.RawMessage) {
	var p models.ConversationUnreadPayload
	if !s.decode(models.EventConversationUnreadUpdated, payload, &p) {
		return
	}
	s.bus.Publish(events.ConversationUnreadUpdatedEvent{
		ConversationID: p.ConversationID,
		UnreadCount:    max(p.UnreadCount, 0),
	})
}

func (s *Session) decode(event string, payload json.RawMessage, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		s.logger.Warn("malformed event payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}
