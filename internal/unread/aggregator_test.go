package unread

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"salonchat/internal/events"
)

type stubFetcher struct {
	count int
	err   error
	calls int
}

func (f *stubFetcher) UnreadCount(context.Context) (int, error) {
	f.calls++
	return f.count, f.err
}

func newTestAggregator(t *testing.T, f CountFetcher) (*Aggregator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	a := New(f, bus, zap.NewNop())
	t.Cleanup(a.Close)
	return a, bus
}

func TestLoadFetchesOnce(t *testing.T) {
	f := &stubFetcher{count: 7}
	a, _ := newTestAggregator(t, f)

	a.Load(context.Background())
	a.Load(context.Background())

	assert.Equal(t, 7, a.Total())
	assert.Equal(t, 1, f.calls)
}

func TestLoadFailureDefaultsToZero(t *testing.T) {
	a, _ := newTestAggregator(t, &stubFetcher{count: 9, err: errors.New("backend down")})

	a.Load(context.Background())

	assert.Equal(t, 0, a.Total())
}

// racingFetcher delivers a push while the fetch is in flight, then returns
// the stale count it read before the push.
type racingFetcher struct {
	bus   *events.Bus
	stale int
	push  int
}

func (f *racingFetcher) UnreadCount(context.Context) (int, error) {
	f.bus.Publish(events.UnreadCountChangedEvent{Count: f.push})
	return f.stale, nil
}

func TestLoadKeepsPushThatArrivedDuringFetch(t *testing.T) {
	f := &racingFetcher{stale: 3, push: 7}
	a, bus := newTestAggregator(t, f)
	f.bus = bus

	var seen []int
	a.OnChange(func(total int) { seen = append(seen, total) })
	a.Load(context.Background())

	assert.Equal(t, 7, a.Total())
	assert.Equal(t, []int{7}, seen)
}

func TestLoadAppliesFetchWhenNoPushArrived(t *testing.T) {
	a, bus := newTestAggregator(t, &stubFetcher{count: 5})
	bus.Publish(events.UnreadCountChangedEvent{Count: 2})

	a.Load(context.Background())

	assert.Equal(t, 5, a.Total())
}

func TestPushedCountWithoutConversations(t *testing.T) {
	a, bus := newTestAggregator(t, &stubFetcher{})

	bus.Publish(events.UnreadCountChangedEvent{Count: 4})

	assert.Equal(t, 4, a.Total())
}

func TestConversationSumOverridesPushedCount(t *testing.T) {
	a, bus := newTestAggregator(t, &stubFetcher{})

	bus.Publish(events.ConversationUnreadUpdatedEvent{ConversationID: "c1", UnreadCount: 2})
	bus.Publish(events.ConversationUnreadUpdatedEvent{ConversationID: "c2", UnreadCount: 3})
	bus.Publish(events.UnreadCountChangedEvent{Count: 10})

	assert.Equal(t, 5, a.Total())
	assert.Equal(t, 2, a.ForConversation("c1"))
	assert.Equal(t, map[string]int{"c1": 2, "c2": 3}, a.Conversations())
}

func TestSetConversationsRecomputes(t *testing.T) {
	f := &stubFetcher{count: 10}
	a, bus := newTestAggregator(t, f)
	a.Load(context.Background())

	a.SetConversations(map[string]int{"c1": 2, "c2": 3})
	assert.Equal(t, 5, a.Total())

	bus.Publish(events.ConversationUnreadUpdatedEvent{ConversationID: "c1", UnreadCount: 0})
	assert.Equal(t, 3, a.Total())

	// zero-count entries still count as known conversations
	a.SetConversations(map[string]int{"c1": 0})
	assert.Equal(t, 0, a.Total())
	bus.Publish(events.UnreadCountChangedEvent{Count: 6})
	assert.Equal(t, 0, a.Total())
}

func TestOnChange(t *testing.T) {
	a, bus := newTestAggregator(t, &stubFetcher{})

	var totals []int
	off := a.OnChange(func(total int) { totals = append(totals, total) })

	bus.Publish(events.UnreadCountChangedEvent{Count: 3})
	bus.Publish(events.UnreadCountChangedEvent{Count: 3})
	bus.Publish(events.UnreadCountChangedEvent{Count: 2})
	off()
	bus.Publish(events.UnreadCountChangedEvent{Count: 8})

	assert.Equal(t, []int{3, 2}, totals)
}

func TestBreakdown(t *testing.T) {
	a, _ := newTestAggregator(t, &stubFetcher{})
	a.SetConversations(map[string]int{"c1": 1, "c2": 4, "c3": 0, "c0": 1})

	assert.Equal(t, []ConversationCount{
		{ConversationID: "c2", Unread: 4},
		{ConversationID: "c0", Unread: 1},
		{ConversationID: "c1", Unread: 1},
	}, a.Breakdown())
}

func TestCloseStopsListening(t *testing.T) {
	a, bus := newTestAggregator(t, &stubFetcher{})
	a.Close()

	bus.Publish(events.UnreadCountChangedEvent{Count: 3})

	assert.Equal(t, 0, a.Total())
}
