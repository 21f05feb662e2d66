// Package unread keeps the user's unread-message counts, global and per
// conversation, for consumers such as navigation badges. It learns about
// changes from the event bus, so it works whether or not a conversation
// session is running.
package unread

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"salonchat/internal/events"
	"salonchat/internal/logger"
)

// CountFetcher returns the authoritative unread count for the session user.
type CountFetcher interface {
	UnreadCount(ctx context.Context) (int, error)
}

type watcher struct {
	id uint64
	fn func(total int)
}

type Aggregator struct {
	fetcher CountFetcher
	logger  *zap.Logger

	mu       sync.Mutex
	loaded   bool
	pushes   uint64 // server pushes applied so far
	total    int
	perConv  map[string]int
	watchers []watcher
	nextID   uint64

	offs []func()
}

func New(fetcher CountFetcher, bus *events.Bus, log *zap.Logger) *Aggregator {
	a := &Aggregator{
		fetcher: fetcher,
		logger:  logger.OrNop(log).Named("unread"),
		perConv: make(map[string]int),
	}
	a.offs = append(a.offs,
		bus.Subscribe(events.UnreadCountChanged, a.onUnreadCountChanged),
		bus.Subscribe(events.ConversationUnreadUpdated, a.onConversationUnreadUpdated),
	)
	return a
}

// Load fetches the initial count. It runs once; a failed fetch is logged
// and leaves the count at zero. A count pushed while the fetch is in
// flight is newer than the fetched one and is kept.
func (a *Aggregator) Load(ctx context.Context) {
	a.mu.Lock()
	if a.loaded {
		a.mu.Unlock()
		return
	}
	a.loaded = true
	gen := a.pushes
	a.mu.Unlock()

	count, err := a.fetcher.UnreadCount(ctx)
	if err != nil {
		a.logger.Warn("fetching unread count", zap.Error(err))
		count = 0
	}
	a.update(func() {
		if a.pushes != gen {
			a.logger.Debug("dropping fetched unread count, superseded by push", zap.Int("fetched", count))
			return
		}
		a.total = max(count, 0)
	})
}

// SetConversations replaces the per-conversation counts.
func (a *Aggregator) SetConversations(counts map[string]int) {
	a.update(func() {
		a.perConv = make(map[string]int, len(counts))
		for id, n := range counts {
			a.perConv[id] = max(n, 0)
		}
	})
}

func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *Aggregator) ForConversation(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perConv[id]
}

func (a *Aggregator) Conversations() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int, len(a.perConv))
	for id, n := range a.perConv {
		out[id] = n
	}
	return out
}

// OnChange calls fn with the new total whenever it changes.
func (a *Aggregator) OnChange(fn func(total int)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.watchers = append(a.watchers, watcher{id: id, fn: fn})
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, w := range a.watchers {
			if w.id == id {
				a.watchers = append(a.watchers[:i:i], a.watchers[i+1:]...)
				return
			}
		}
	}
}

// Close unsubscribes from the bus.
func (a *Aggregator) Close() {
	for _, off := range a.offs {
		off()
	}
}

func (a *Aggregator) onUnreadCountChanged(e events.Event) {
	ev := e.(events.UnreadCountChangedEvent)
	a.update(func() {
		a.pushes++
		a.total = max(ev.Count, 0)
	})
}

func (a *Aggregator) onConversationUnreadUpdated(e events.Event) {
	ev := e.(events.ConversationUnreadUpdatedEvent)
	a.update(func() { a.perConv[ev.ConversationID] = max(ev.UnreadCount, 0) })
}

// update applies mutate, recomputes, and notifies watchers if the total
// moved. Once any per-conversation count is known the total is their sum,
// whatever the server pushed last.
func (a *Aggregator) update(mutate func()) {
	a.mu.Lock()
	before := a.total
	mutate()
	if len(a.perConv) > 0 {
		sum := 0
		for _, n := range a.perConv {
			sum += n
		}
		a.total = sum
	}
	after := a.total
	watchers := append([]watcher(nil), a.watchers...)
	a.mu.Unlock()

	if before == after {
		return
	}
	a.logger.Debug("unread total changed", zap.Int("from", before), zap.Int("to", after))
	for _, w := range watchers {
		w.fn(after)
	}
}

// Breakdown lists conversations with unread messages, most unread first.
func (a *Aggregator) Breakdown() []ConversationCount {
	counts := a.Conversations()
	out := make([]ConversationCount, 0, len(counts))
	for id, n := range counts {
		if n > 0 {
			out = append(out, ConversationCount{ConversationID: id, Unread: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unread != out[j].Unread {
			return out[i].Unread > out[j].Unread
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

type ConversationCount struct {
	ConversationID string
	Unread         int
}
