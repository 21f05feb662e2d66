// Package events carries in-process notifications between the messaging
// components of one client session, so the socket session and the unread
// aggregator never need a reference to each other.
package events

import (
	"sync"

	"go.uber.org/zap"

	"salonchat/internal/logger"
)

type Kind string

const (
	UnreadCountChanged        Kind = "unreadCountChanged"
	ConversationUnreadUpdated Kind = "conversationUnreadUpdated"
	MessagesMarkedAsRead      Kind = "messagesMarkedAsRead"
)

type Event interface {
	Kind() Kind
}

type UnreadCountChangedEvent struct {
	Count int
}

func (UnreadCountChangedEvent) Kind() Kind { return UnreadCountChanged }

type ConversationUnreadUpdatedEvent struct {
	ConversationID string
	UnreadCount    int
}

func (ConversationUnreadUpdatedEvent) Kind() Kind { return ConversationUnreadUpdated }

type MessagesMarkedAsReadEvent struct {
	MessageID string
}

func (MessagesMarkedAsReadEvent) Kind() Kind { return MessagesMarkedAsRead }

type subscriber struct {
	id uint64
	fn func(Event)
}

// Bus delivers events synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscriber
	nextID uint64
	logger *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]subscriber),
		logger: logger.OrNop(log).Named("events"),
	}
}

// Subscribe registers fn for events of kind. The returned function removes
// the subscription and is safe to call more than once.
func (b *Bus) Subscribe(kind Kind, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[kind]) == 0 {
		delete(b.subs, kind)
	}
}

// Publish calls every subscriber of e's kind on the caller's goroutine.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[e.Kind()]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.String("kind", string(e.Kind())),
				zap.Any("panic", r))
		}
	}()
	s.fn(e)
}
