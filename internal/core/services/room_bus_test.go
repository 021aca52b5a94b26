package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type chanSink struct {
	ch      chan domain.RoomEvent
	evicted atomic.Int32
}

func newChanSink(size int) *chanSink {
	return &chanSink{ch: make(chan domain.RoomEvent, size)}
}

func (s *chanSink) Deliver(ev domain.RoomEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *chanSink) Evicted(domain.StreamID) { s.evicted.Add(1) }

func (s *chanSink) drain() []domain.RoomEvent {
	var out []domain.RoomEvent
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestBus(clock utils.Clock, history int) *RoomBus {
	return NewRoomBus(BusConfig{HistorySize: history, MaxRunes: 500, Shortcodes: true}, nil, clock, nil, zap.NewNop().Sugar())
}

func viewer(id, user string) domain.Session {
	return domain.Session{ID: domain.SessionID(id), UserID: domain.UserID(user), DisplayName: user, Role: domain.RoleViewer}
}

func TestRoomBus_PublishSequencing(t *testing.T) {
	bus := newTestBus(nil, 100)
	bus.OpenRoom("s1")
	ctx := context.Background()

	a, b := newChanSink(16), newChanSink(16)
	require.NoError(t, bus.Subscribe("s1", viewer("a", "ua"), a))
	require.NoError(t, bus.Subscribe("s1", viewer("b", "ub"), b))

	msg, err := bus.PostMessage(ctx, "s1", viewer("b", "ub"), domain.MessageChat, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)

	seq, err := bus.Publish(ctx, "s1", domain.RoomEvent{Type: domain.EventTyping, Payload: domain.TypingNotice{SessionID: "b"}})
	require.NoError(t, err)
	assert.Zero(t, seq, "ephemeral events are not sequenced")

	tip, err := bus.PostMessage(ctx, "s1", viewer("a", "ua"), domain.MessageTip, "", &domain.Tip{Amount: 5, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tip.Seq)

	for _, sink := range []*chanSink{a, b} {
		evs := sink.drain()
		require.Len(t, evs, 3)
		assert.Equal(t, domain.EventNewMessage, evs[0].Type)
		assert.Equal(t, "hello", evs[0].Message.Body)
		assert.Equal(t, uint64(1), evs[0].Seq)
		assert.Equal(t, domain.EventTyping, evs[1].Type)
		assert.Equal(t, domain.EventNewTip, evs[2].Type)
		assert.Equal(t, uint64(2), evs[2].Seq)
	}
}

func TestRoomBus_HistoryBounded(t *testing.T) {
	bus := newTestBus(nil, 3)
	bus.OpenRoom("s1")

	for i := 1; i <= 5; i++ {
		_, err := bus.PostMessage(context.Background(), "s1", viewer("a", "ua"), domain.MessageChat, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	hist, err := bus.RecentHistory("s1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "m3", hist[0].Body)
	assert.Equal(t, "m5", hist[2].Body)

	hist, err = bus.RecentHistory("s1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, uint64(4), hist[0].Seq)
}

func TestRoomBus_SlowConsumerEvicted(t *testing.T) {
	bus := newTestBus(nil, 100)
	bus.OpenRoom("s1")
	ctx := context.Background()

	slow, fast := newChanSink(1), newChanSink(16)
	require.NoError(t, bus.Subscribe("s1", viewer("slow", "u1"), slow))
	require.NoError(t, bus.Subscribe("s1", viewer("fast", "u2"), fast))

	for i := 0; i < 3; i++ {
		_, err := bus.PostSystem(ctx, "s1", domain.EventNewMessage, "tick", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), slow.evicted.Load())
	assert.Len(t, slow.drain(), 1)
	assert.Len(t, fast.drain(), 3)

	st, err := bus.Stats("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Subscribers)
}

func TestRoomBus_DeadSessionsDropped(t *testing.T) {
	var mu sync.Mutex
	live := map[domain.SessionID]bool{"a": true, "b": true}
	alive := func(id domain.SessionID) bool {
		mu.Lock()
		defer mu.Unlock()
		return live[id]
	}
	bus := NewRoomBus(BusConfig{HistorySize: 10, MaxRunes: 500}, alive, nil, nil, zap.NewNop().Sugar())
	bus.OpenRoom("s1")

	a, b := newChanSink(4), newChanSink(4)
	require.NoError(t, bus.Subscribe("s1", viewer("a", "ua"), a))
	require.NoError(t, bus.Subscribe("s1", viewer("b", "ub"), b))

	mu.Lock()
	live["b"] = false
	mu.Unlock()

	_, err := bus.PostSystem(context.Background(), "s1", domain.EventNewMessage, "x", nil)
	require.NoError(t, err)
	assert.Len(t, a.drain(), 1)
	assert.Empty(t, b.drain())
	assert.Zero(t, b.evicted.Load())
}

func TestRoomBus_Moderation(t *testing.T) {
	bus := newTestBus(nil, 100)
	bus.OpenRoom("s1")
	ctx := context.Background()
	broadcaster := domain.Session{ID: "bc", UserID: "owner", Role: domain.RoleBroadcaster}

	_, err := bus.Moderate(ctx, "s1", viewer("v", "uv"), domain.ModerationCommand{Action: domain.ActionMute, Target: "ux"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = bus.Moderate(ctx, "s1", broadcaster, domain.ModerationCommand{Action: domain.ActionMute, Target: "troll"})
	require.NoError(t, err)
	assert.True(t, bus.IsBlocked("s1", "troll"))

	_, err = bus.PostMessage(ctx, "s1", viewer("t", "troll"), domain.MessageChat, "hi", nil)
	assert.ErrorIs(t, err, domain.ErrMuted)
	assert.ErrorIs(t, bus.CheckPost("s1", viewer("t", "troll"), domain.MessageChat), domain.ErrMuted)

	_, err = bus.Moderate(ctx, "s1", broadcaster, domain.ModerationCommand{Action: domain.ActionUnmute, Target: "troll"})
	require.NoError(t, err)
	_, err = bus.PostMessage(ctx, "s1", viewer("t", "troll"), domain.MessageChat, "sorry", nil)
	assert.NoError(t, err)

	_, err = bus.Moderate(ctx, "s1", broadcaster, domain.ModerationCommand{Action: domain.ActionSlowMode})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = bus.Moderate(ctx, "s1", broadcaster, domain.ModerationCommand{Action: "kick", Target: "troll"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRoomBus_Ban(t *testing.T) {
	bus := newTestBus(nil, 100)
	bus.OpenRoom("s1")
	ctx := context.Background()
	mod := domain.Session{ID: "m", UserID: "mod", Role: domain.RoleModerator}

	target := newChanSink(8)
	require.NoError(t, bus.Subscribe("s1", viewer("t1", "troll"), target))

	dropped, err := bus.Moderate(ctx, "s1", mod, domain.ModerationCommand{Action: domain.ActionBan, Target: "troll"})
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionID{"t1"}, dropped)

	evs := target.drain()
	require.Len(t, evs, 1, "the banned user sees the ban before removal")
	assert.Equal(t, domain.EventUserModerated, evs[0].Type)

	st, err := bus.ModerationState("s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"troll"}, st.Banned)
}

func TestRoomBus_SlowMode(t *testing.T) {
	clock := utils.NewManualClock(testEpoch)
	bus := newTestBus(clock, 100)
	bus.OpenRoom("s1")
	ctx := context.Background()
	broadcaster := domain.Session{ID: "bc", UserID: "owner", Role: domain.RoleBroadcaster}
	ub := viewer("b", "ub")

	_, err := bus.Moderate(ctx, "s1", broadcaster, domain.ModerationCommand{Action: domain.ActionSlowMode, Interval: 5 * time.Second})
	require.NoError(t, err)

	_, err = bus.PostMessage(ctx, "s1", ub, domain.MessageChat, "first", nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = bus.PostMessage(ctx, "s1", ub, domain.MessageChat, "second", nil)
	var slow *domain.SlowModeError
	require.ErrorAs(t, err, &slow)
	assert.ErrorIs(t, err, domain.ErrSlowMode)
	assert.Equal(t, 4*time.Second, slow.Remaining)

	_, err = bus.PostMessage(ctx, "s1", broadcaster, domain.MessageChat, "owner is exempt", nil)
	assert.NoError(t, err)

	clock.Advance(5 * time.Second)
	_, err = bus.PostMessage(ctx, "s1", ub, domain.MessageChat, "third", nil)
	assert.NoError(t, err)

	_, err = bus.Moderate(ctx, "s1", broadcaster, domain.ModerationCommand{Action: domain.ActionSlowModeOff})
	require.NoError(t, err)
	_, err = bus.PostMessage(ctx, "s1", ub, domain.MessageChat, "fourth", nil)
	assert.NoError(t, err)
}

func TestRoomBus_CloseRoom(t *testing.T) {
	bus := newTestBus(nil, 100)
	bus.OpenRoom("s1")
	ctx := context.Background()

	sink := newChanSink(4)
	require.NoError(t, bus.Subscribe("s1", viewer("a", "ua"), sink))
	_, err := bus.PostSystem(ctx, "s1", domain.EventNewMessage, "bye soon", nil)
	require.NoError(t, err)

	bus.CloseRoom("s1", domain.RoomEvent{Type: domain.EventStreamEnded})
	evs := sink.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventStreamEnded, evs[1].Type)

	_, err = bus.PostMessage(ctx, "s1", viewer("a", "ua"), domain.MessageChat, "late", nil)
	assert.ErrorIs(t, err, domain.ErrStreamGone)
	assert.ErrorIs(t, bus.Subscribe("s1", viewer("b", "ub"), sink), domain.ErrStreamGone)

	hist, err := bus.RecentHistory("s1", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	bus.Forget("s1")
	_, err = bus.RecentHistory("s1", 10)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

// Concurrent publishers: every subscriber must observe a strictly increasing
// sequence, and any two subscribers agree on the messages they share.
func TestRoomBus_RoomOrderProperty(t *testing.T) {
	bus := newTestBus(nil, 1000)
	bus.OpenRoom("s1")
	ctx := context.Background()

	const publishers, perPublisher = 8, 50
	sinks := make([]*chanSink, 4)
	for i := range sinks {
		sinks[i] = newChanSink(publishers * perPublisher)
		require.NoError(t, bus.Subscribe("s1", viewer(fmt.Sprintf("s%d", i), fmt.Sprintf("u%d", i)), sinks[i]))
	}

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			author := viewer(fmt.Sprintf("p%d", p), fmt.Sprintf("author%d", p))
			for i := 0; i < perPublisher; i++ {
				_, err := bus.PostMessage(ctx, "s1", author, domain.MessageChat, fmt.Sprintf("%d-%d", p, i), nil)
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	var reference []string
	for i, sink := range sinks {
		evs := sink.drain()
		require.Len(t, evs, publishers*perPublisher)

		ids := make([]string, len(evs))
		for j, ev := range evs {
			if j > 0 {
				assert.Greater(t, ev.Seq, evs[j-1].Seq)
			}
			ids[j] = string(ev.Message.ID)
		}
		if i == 0 {
			reference = ids
		} else {
			assert.Equal(t, reference, ids)
		}
	}
}
