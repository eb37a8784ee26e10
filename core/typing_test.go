package core_test

import (
	"testing"
	"time"

	"github.com/peerlearn/groupchat/core"
	"github.com/peerlearn/groupchat/internal/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingFixture struct {
	clock     *fakeclock.Clock
	transport *fakeTransport
	n         *core.TypingNotifier
	changes   int
}

func setUpTypingFixture(t *testing.T) *typingFixture {
	f := &typingFixture{
		clock:     fakeclock.New(epoch),
		transport: newFakeTransport("conn-1"),
	}
	f.n = core.NewTypingNotifier(f.transport, me,
		core.WithClock(f.clock), core.WithLogger(discard), core.WithOnChange(func() { f.changes++ }))
	f.n.Reset("room-a")
	return f
}

func TestTyping_LocalSignalsAreCoalesced(t *testing.T) {
	f := setUpTypingFixture(t)

	for i := 0; i < 10; i++ {
		f.n.NotifyLocalTyping("room-a", me.UserID, me.DisplayName)
		f.clock.Advance(100 * time.Millisecond)
	}
	require.Len(t, f.transport.sent(core.TypingStartEvent), 1)
	assert.Empty(t, f.transport.sent(core.TypingStopEvent))

	f.clock.Advance(core.LocalTypingIdle - 100*time.Millisecond - time.Millisecond)
	assert.Empty(t, f.transport.sent(core.TypingStopEvent))

	f.clock.Advance(time.Millisecond)
	stops := f.transport.sent(core.TypingStopEvent)
	require.Len(t, stops, 1)
	assert.Equal(t, core.TypingPayload{RoomID: "room-a", UserID: me.UserID}, stops[0].Payload)

	start := f.transport.sent(core.TypingStartEvent)[0].Payload
	assert.Equal(t, core.TypingPayload{RoomID: "room-a", UserID: me.UserID, UserName: me.DisplayName}, start)

	f.n.NotifyLocalTyping("room-a", me.UserID, me.DisplayName)
	assert.Len(t, f.transport.sent(core.TypingStartEvent), 2)
	f.clock.Advance(core.LocalTypingIdle)
	assert.Len(t, f.transport.sent(core.TypingStopEvent), 2)
}

func TestTyping_LocalSignalsForOtherRoomsAreIgnored(t *testing.T) {
	f := setUpTypingFixture(t)

	f.n.NotifyLocalTyping("room-b", me.UserID, me.DisplayName)
	assert.Empty(t, f.transport.sent(core.TypingStartEvent))
	assert.Zero(t, f.clock.Pending())
}

func TestTyping_EmitFailureIsNotRetried(t *testing.T) {
	f := setUpTypingFixture(t)
	f.transport.connID = ""

	f.n.NotifyLocalTyping("room-a", me.UserID, me.DisplayName)
	f.clock.Advance(core.LocalTypingIdle)
	assert.Empty(t, f.transport.sent(core.TypingStartEvent))
	assert.Zero(t, f.clock.Pending())
}

func TestTyping_RemoteSignalDecays(t *testing.T) {
	f := setUpTypingFixture(t)

	f.n.OnRemoteTyping("room-a", "u-ann", "Ann")
	require.Len(t, f.n.Typing(), 1)
	assert.Equal(t, core.TypingSignal{RoomID: "room-a", UserID: "u-ann", DisplayName: "Ann", LastSignalAt: epoch},
		f.n.Typing()[0])

	f.clock.Advance(core.RemoteTypingDecay - time.Millisecond)
	assert.Len(t, f.n.Typing(), 1)

	f.clock.Advance(time.Millisecond)
	assert.Empty(t, f.n.Typing())
}

func TestTyping_RemoteRefreshRestartsDecay(t *testing.T) {
	f := setUpTypingFixture(t)

	f.n.OnRemoteTyping("room-a", "u-ann", "Ann")
	f.clock.Advance(2 * time.Second)
	f.n.OnRemoteTyping("room-a", "u-ann", "Ann")
	f.clock.Advance(2 * time.Second)
	assert.Len(t, f.n.Typing(), 1)
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(time.Second)
	assert.Empty(t, f.n.Typing())
}

func TestTyping_RemoteStopRemovesAtOnce(t *testing.T) {
	f := setUpTypingFixture(t)

	f.n.OnRemoteTyping("room-a", "u-ann", "Ann")
	f.n.OnRemoteTyping("room-a", "u-bob", "Bob")
	f.n.OnRemoteStopTyping("room-a", "u-ann")

	typing := f.n.Typing()
	require.Len(t, typing, 1)
	assert.Equal(t, "u-bob", typing[0].UserID)
	assert.Equal(t, 1, f.clock.Pending())
}

func TestTyping_ExcludesLocalUserAndOtherRooms(t *testing.T) {
	f := setUpTypingFixture(t)

	f.n.OnRemoteTyping("room-a", me.UserID, me.DisplayName)
	f.n.OnRemoteTyping("room-b", "u-ann", "Ann")
	assert.Empty(t, f.n.Typing())
	assert.Equal(t, 1, f.changes, "only the reset is reported")
}

func TestTyping_SortedByName(t *testing.T) {
	f := setUpTypingFixture(t)

	f.n.OnRemoteTyping("room-a", "u-3", "Cleo")
	f.n.OnRemoteTyping("room-a", "u-1", "Ann")
	f.n.OnRemoteTyping("room-a", "u-2", "Bob")

	names := make([]string, 0, 3)
	for _, s := range f.n.Typing() {
		names = append(names, s.DisplayName)
	}
	assert.Equal(t, []string{"Ann", "Bob", "Cleo"}, names)
}

func TestTyping_ResetCancelsTimers(t *testing.T) {
	f := setUpTypingFixture(t)

	f.n.NotifyLocalTyping("room-a", me.UserID, me.DisplayName)
	f.n.OnRemoteTyping("room-a", "u-ann", "Ann")
	require.Equal(t, 2, f.clock.Pending())

	f.n.Reset("room-b")
	assert.Zero(t, f.clock.Pending())
	assert.Empty(t, f.n.Typing())

	stops := f.transport.sent(core.TypingStopEvent)
	require.Len(t, stops, 1)
	assert.Equal(t, core.TypingPayload{RoomID: "room-a", UserID: me.UserID}, stops[0].Payload)

	f.clock.Advance(time.Minute)
	assert.Len(t, f.transport.sent(core.TypingStopEvent), 1)
}

func TestTyping_BindFollowsRoom(t *testing.T) {
	f := setUpTypingFixture(t)
	unbind := f.n.Bind("room-a", f.transport)

	f.transport.deliver(core.UserTypingEvent, core.TypingPayload{RoomID: "room-a", UserID: "u-ann", UserName: "Ann"})
	f.transport.deliver(core.UserTypingEvent, core.TypingPayload{RoomID: "room-b", UserID: "u-bob", UserName: "Bob"})
	require.Len(t, f.n.Typing(), 1)

	f.transport.deliver(core.UserStopTypingEvent, core.TypingPayload{RoomID: "room-a", UserID: "u-ann"})
	assert.Empty(t, f.n.Typing())

	unbind()
	assert.Zero(t, f.transport.listenerCount(core.UserTypingEvent))
	assert.Zero(t, f.transport.listenerCount(core.UserStopTypingEvent))
}
