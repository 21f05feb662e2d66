package conversation

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"salonchat/internal/events"
	"salonchat/internal/models"
	"salonchat/internal/websocket"
)

type emitted struct {
	event   string
	payload any
}

// fakeSocket delivers events synchronously, like the transport's single
// dispatch goroutine.
type fakeSocket struct {
	mu        sync.Mutex
	handlers  map[string][]websocket.Handler
	emitted   []emitted
	connected bool
	emitErr   error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: make(map[string][]websocket.Handler), connected: true}
}

func (f *fakeSocket) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeSocket) On(event string, h websocket.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	i := len(f.handlers[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[event][i] = nil
	}
}

func (f *fakeSocket) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSocket) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	hs := append([]websocket.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(data)
		}
	}
}

func (f *fakeSocket) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		for _, h := range hs {
			if h != nil {
				n++
			}
		}
	}
	return n
}

func (f *fakeSocket) events() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emitted...)
}

func newTestSession(t *testing.T) (*Session, *fakeSocket, *events.Bus) {
	t.Helper()
	sock := newFakeSocket()
	bus := events.NewBus(zap.NewNop())
	s := NewSession(sock, bus, zap.NewNop())
	t.Cleanup(s.Close)
	return s, sock, bus
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, conversationID string, minute int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Content:        "content " + id,
		SenderID:       "salon-1",
		Type:           models.MessageTypeUser,
		CreatedAt:      base.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestJoinResetsAndRequestsHistory(t *testing.T) {
	s, sock, _ := newTestSession(t)

	require.NoError(t, s.Join("c1"))

	assert.Equal(t, Joining, s.State())
	assert.Equal(t, "c1", s.ActiveConversation())
	assert.Empty(t, s.Messages())
	assert.Equal(t, []emitted{
		{event: models.EventJoinConversation, payload: models.ConversationRef{ConversationID: "c1"}},
	}, sock.events())

	assert.ErrorIs(t, s.Join(""), ErrEmptyConversationID)
}

func TestHistoryIsDisplayedOldestFirst(t *testing.T) {
	s, sock, _ := newTestSession(t)
	require.NoError(t, s.Join("c1"))

	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "c1",
		Messages:       []models.Message{msg("m3", "", 3), msg("m2", "", 2), msg("m1", "", 1)},
	})

	assert.Equal(t, Active, s.State())
	got := s.Messages()
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
	}
}

func TestHistoryForOtherConversationIsIgnored(t *testing.T) {
	s, sock, _ := newTestSession(t)
	require.NoError(t, s.Join("c1"))
	require.NoError(t, s.Join("c2"))

	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "c1",
		Messages:       []models.Message{msg("a1", "", 1)},
	})

	assert.Equal(t, Joining, s.State())
	assert.Empty(t, s.Messages())
}

func TestSwitchingConversationsNeverLeaksMessages(t *testing.T) {
	s, sock, _ := newTestSession(t)

	require.NoError(t, s.Join("A"))
	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "A",
		Messages:       []models.Message{msg("a2", "A", 2), msg("a1", "A", 1)},
	})
	require.Len(t, s.Messages(), 2)

	require.NoError(t, s.Join("B"))
	assert.Equal(t, []emitted{
		{event: models.EventJoinConversation, payload: models.ConversationRef{ConversationID: "A"}},
		{event: models.EventLeaveConversation, payload: models.ConversationRef{ConversationID: "A"}},
		{event: models.EventJoinConversation, payload: models.ConversationRef{ConversationID: "B"}},
	}, sock.events())

	// late deliveries for A, before and after B's history
	sock.push(t, models.EventNewMessage, msg("a3", "A", 3))
	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "A",
		Messages:       []models.Message{msg("a3", "A", 3)},
	})
	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "B",
		Messages:       []models.Message{msg("b1", "B", 1)},
	})
	sock.push(t, models.EventNewMessage, msg("a4", "A", 4))
	sock.push(t, models.EventNewMessage, msg("b2", "B", 5))

	got := s.Messages()
	assert.Equal(t, []string{"b1", "b2"}, ids(got))
	for _, m := range got {
		assert.NotEqual(t, "A", m.ConversationID)
	}
}

func TestLiveMessagesDuringJoinAreMergedWithHistory(t *testing.T) {
	s, sock, _ := newTestSession(t)
	require.NoError(t, s.Join("c1"))

	// m3 arrives live before history, and history also contains it
	sock.push(t, models.EventNewMessage, msg("m3", "c1", 3))
	sock.push(t, models.EventNewMessage, msg("m4", "c1", 4))
	sock.push(t, models.EventNewMessage, msg("m4", "c1", 4))
	assert.Empty(t, s.Messages())

	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "c1",
		Messages:       []models.Message{msg("m3", "", 3), msg("m2", "", 2), msg("m1", "", 1)},
	})

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Messages()))

	sock.push(t, models.EventNewMessage, msg("m4", "c1", 4))
	sock.push(t, models.EventNewMessage, msg("m5", "c1", 5))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, ids(s.Messages()))
}

func TestNewMessageWithoutActiveConversationIsDropped(t *testing.T) {
	s, sock, _ := newTestSession(t)

	sock.push(t, models.EventNewMessage, msg("m1", "c1", 1))

	assert.Empty(t, s.Messages())
	assert.Equal(t, Idle, s.State())
}

func TestTypingIsScopedToActiveConversation(t *testing.T) {
	s, sock, _ := newTestSession(t)
	require.NoError(t, s.Join("c1"))

	sock.push(t, models.EventUserTyping, models.TypingPayload{ConversationID: "c1", UserID: "u1", UserName: "Mara"})
	before := s.TypingUsers()

	sock.push(t, models.EventUserTyping, models.TypingPayload{ConversationID: "c2", UserID: "u2", UserName: "Ink Studio"})
	assert.Equal(t, before, s.TypingUsers())
	assert.Equal(t, []TypingUser{{UserID: "u1", UserName: "Mara"}}, s.TypingUsers())

	sock.push(t, models.EventUserStoppedTyping, models.TypingPayload{ConversationID: "c2", UserID: "u1"})
	assert.Len(t, s.TypingUsers(), 1)

	sock.push(t, models.EventUserStoppedTyping, models.TypingPayload{ConversationID: "c1", UserID: "u1"})
	assert.Empty(t, s.TypingUsers())
}

func TestTypingSetClearedOnSwitch(t *testing.T) {
	s, sock, _ := newTestSession(t)
	require.NoError(t, s.Join("c1"))
	sock.push(t, models.EventUserTyping, models.TypingPayload{ConversationID: "c1", UserID: "u1"})
	require.Len(t, s.TypingUsers(), 1)

	require.NoError(t, s.Join("c2"))
	assert.Empty(t, s.TypingUsers())
}

func TestMessageReadDecrementsAndBroadcasts(t *testing.T) {
	s, sock, bus := newTestSession(t)

	var published []int
	bus.Subscribe(events.UnreadCountChanged, func(e events.Event) {
		published = append(published, e.(events.UnreadCountChangedEvent).Count)
	})

	sock.push(t, models.EventUnreadCountUpdated, models.UnreadCountPayload{TotalUnread: 5})
	require.Equal(t, 5, s.UnreadCount())

	require.NoError(t, s.Join("c1"))
	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "c1",
		Messages:       []models.Message{msg("m1", "", 1)},
	})

	readAt := base.Add(time.Hour)
	sock.push(t, models.EventMessageRead, models.MessageReadPayload{MessageID: "m1", ReadAt: readAt})

	assert.Equal(t, 4, s.UnreadCount())
	assert.Equal(t, []int{5, 4}, published)
	got := s.Messages()
	require.Len(t, got, 1)
	assert.True(t, got[0].IsRead)
	require.NotNil(t, got[0].ReadAt)
	assert.True(t, readAt.Equal(*got[0].ReadAt))
}

func TestRepeatedReadReceiptsNeverGoBelowZero(t *testing.T) {
	s, sock, _ := newTestSession(t)

	sock.push(t, models.EventUnreadCountUpdated, models.UnreadCountPayload{TotalUnread: 1})
	sock.push(t, models.EventMessageRead, models.MessageReadPayload{MessageID: "m1", ReadAt: base})
	sock.push(t, models.EventMessageRead, models.MessageReadPayload{MessageID: "m1", ReadAt: base})
	assert.Equal(t, 0, s.UnreadCount())

	sock.push(t, models.EventMessageRead, models.MessageReadPayload{MessageID: "m2", ReadAt: base})
	assert.Equal(t, 0, s.UnreadCount())
}

func TestServerTotalResetsReceiptTracking(t *testing.T) {
	s, sock, _ := newTestSession(t)

	sock.push(t, models.EventUnreadCountUpdated, models.UnreadCountPayload{TotalUnread: 5})
	for _, id := range []string{"m1", "m2", "m3"} {
		sock.push(t, models.EventMessageRead, models.MessageReadPayload{MessageID: id, ReadAt: base})
	}
	require.Equal(t, 2, s.UnreadCount())
	require.Len(t, s.readSeen, 3)

	sock.push(t, models.EventUnreadCountUpdated, models.UnreadCountPayload{TotalUnread: 2})
	assert.Equal(t, 2, s.UnreadCount())
	assert.Empty(t, s.readSeen)

	sock.push(t, models.EventMessageRead, models.MessageReadPayload{MessageID: "m4", ReadAt: base})
	assert.Equal(t, 1, s.UnreadCount())
	assert.Len(t, s.readSeen, 1)
}

func TestConversationUnreadIsForwardedToBus(t *testing.T) {
	_, sock, bus := newTestSession(t)

	var got []events.ConversationUnreadUpdatedEvent
	bus.Subscribe(events.ConversationUnreadUpdated, func(e events.Event) {
		got = append(got, e.(events.ConversationUnreadUpdatedEvent))
	})

	sock.push(t, models.EventConversationUnreadUpdated, models.ConversationUnreadPayload{ConversationID: "c1", UnreadCount: 3})

	assert.Equal(t, []events.ConversationUnreadUpdatedEvent{{ConversationID: "c1", UnreadCount: 3}}, got)
}

func TestLeave(t *testing.T) {
	t.Run("without active conversation is a no-op", func(t *testing.T) {
		s, sock, _ := newTestSession(t)
		assert.NotPanics(t, func() { s.Leave("c1") })
		assert.Empty(t, sock.events())
		assert.Equal(t, Idle, s.State())
	})

	t.Run("resets state", func(t *testing.T) {
		s, sock, _ := newTestSession(t)
		require.NoError(t, s.Join("c1"))
		sock.push(t, models.EventConversationHistory, models.HistoryPayload{
			ConversationID: "c1",
			Messages:       []models.Message{msg("m1", "", 1)},
		})

		s.Leave("c1")

		assert.Equal(t, Idle, s.State())
		assert.Empty(t, s.ActiveConversation())
		assert.Empty(t, s.Messages())
		assert.Equal(t, emitted{event: models.EventLeaveConversation, payload: models.ConversationRef{ConversationID: "c1"}},
			sock.events()[len(sock.events())-1])

		sock.push(t, models.EventNewMessage, msg("m2", "c1", 2))
		assert.Empty(t, s.Messages())
	})
}

func TestOutboundOperations(t *testing.T) {
	s, sock, bus := newTestSession(t)

	assert.ErrorIs(t, s.SendMessage("hello", nil), ErrNoActiveConversation)
	assert.ErrorIs(t, s.MarkConversationAsRead(), ErrNoActiveConversation)
	assert.NoError(t, s.StartTyping())
	assert.Empty(t, sock.events())

	require.NoError(t, s.Join("c1"))
	assert.ErrorIs(t, s.SendMessage("   ", nil), ErrEmptyMessage)

	var marked []string
	bus.Subscribe(events.MessagesMarkedAsRead, func(e events.Event) {
		marked = append(marked, e.(events.MessagesMarkedAsReadEvent).MessageID)
	})

	attachment := models.Attachment{ID: "a1", URL: "https://cdn.example/sketch.png", Name: "sketch.png", Size: 2048, Type: "image/png"}
	require.NoError(t, s.SendMessage("", []models.Attachment{attachment}))
	require.NoError(t, s.MarkAsRead("m9"))
	require.NoError(t, s.MarkConversationAsRead())
	require.NoError(t, s.StartTyping())
	require.NoError(t, s.StopTyping())

	assert.Equal(t, []emitted{
		{event: models.EventJoinConversation, payload: models.ConversationRef{ConversationID: "c1"}},
		{event: models.EventSendMessage, payload: models.SendMessagePayload{ConversationID: "c1", Attachments: []models.Attachment{attachment}}},
		{event: models.EventMarkAsRead, payload: models.MarkAsReadPayload{MessageID: "m9"}},
		{event: models.EventMarkConversationAsRead, payload: models.ConversationRef{ConversationID: "c1"}},
		{event: models.EventUserTyping, payload: models.ConversationRef{ConversationID: "c1"}},
		{event: models.EventUserStoppedTyping, payload: models.ConversationRef{ConversationID: "c1"}},
	}, sock.events())
	assert.Equal(t, []string{"m9"}, marked)
}

func TestReconnectRejoinsActiveConversation(t *testing.T) {
	s, sock, _ := newTestSession(t)
	require.NoError(t, s.Join("c1"))
	sock.push(t, models.EventConversationHistory, models.HistoryPayload{
		ConversationID: "c1",
		Messages:       []models.Message{msg("m1", "", 1)},
	})

	sock.push(t, models.EventDisconnect, models.DisconnectPayload{Reason: "EOF"})
	assert.False(t, s.Connected())

	sock.push(t, models.EventConnect, nil)
	assert.True(t, s.Connected())
	assert.Equal(t, Joining, s.State())
	evs := sock.events()
	assert.Equal(t, emitted{event: models.EventJoinConversation, payload: models.ConversationRef{ConversationID: "c1"}}, evs[len(evs)-1])
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestCloseRemovesListeners(t *testing.T) {
	sock := newFakeSocket()
	s := NewSession(sock, events.NewBus(nil), nil)
	require.Positive(t, sock.listeners())

	s.Close()

	assert.Zero(t, sock.listeners())
}
