package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerlearn/groupchat/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func drain(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSession_OpenSendReconcile(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()
	ctx := context.Background()

	f.api.EXPECT().History(gomock.Any(), "room-a", core.DefaultHistoryLimit).Return([]core.ChatMessage{
		message("m1", "room-a", 1*time.Second),
		message("m2", "room-a", 2*time.Second),
	}, nil)
	release := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("m3", 3*time.Second, release))

	require.NoError(t, f.session.Open(ctx, "room-a"))
	assert.Equal(t, core.Joined, f.session.Membership())
	assert.Len(t, f.transport.sent(core.JoinGroupEvent), 1)
	assert.True(t, drain(f.session.Changes()))
	assert.False(t, drain(f.session.Changes()), "changes are coalesced")

	f.clock.Advance(10 * time.Second)
	entry, err := f.session.Send(ctx, core.Draft{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", entry.Message.ID}, ids(f.session.Messages()))

	echo := message("m3", "room-a", 3*time.Second)
	echo.AuthorID = me.UserID
	echo.ClientToken = entry.Message.ClientToken
	f.transport.deliver(core.NewMessageEvent, echo)

	close(release)
	require.Eventually(t, func() bool {
		msgs := f.session.Messages()
		return len(msgs) == 3 && msgs[2].State == core.Confirmed
	}, baseTimeout, baseTimeout/20)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(f.session.Messages()))
}

func TestSession_TypingThroughTransport(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.api.EXPECT().History(gomock.Any(), "room-a", gomock.Any()).Return(nil, nil)
	require.NoError(t, f.session.Open(context.Background(), "room-a"))

	f.session.Keystroke()
	f.session.Keystroke()
	assert.Len(t, f.transport.sent(core.TypingStartEvent), 1)

	f.transport.deliver(core.UserTypingEvent, core.TypingPayload{RoomID: "room-a", UserID: "u-ann", UserName: "Ann"})
	f.transport.deliver(core.UserTypingEvent, core.TypingPayload{RoomID: "room-a", UserID: me.UserID, UserName: me.DisplayName})
	require.Len(t, f.session.Typing(), 1)
	assert.Equal(t, "Ann", f.session.Typing()[0].DisplayName)

	f.clock.Advance(core.RemoteTypingDecay)
	assert.Empty(t, f.session.Typing())
	assert.Len(t, f.transport.sent(core.TypingStopEvent), 1)
}

func TestSession_RoomSwitchIsolation(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()
	ctx := context.Background()

	f.api.EXPECT().History(gomock.Any(), "room-a", gomock.Any()).Return([]core.ChatMessage{
		message("a1", "room-a", time.Second),
	}, nil)
	f.api.EXPECT().History(gomock.Any(), "room-b", gomock.Any()).Return([]core.ChatMessage{
		message("b1", "room-b", time.Second),
	}, nil)
	release := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("a2", 2*time.Second, release))

	require.NoError(t, f.session.Open(ctx, "room-a"))
	_, err := f.session.Send(ctx, core.Draft{Body: "late"})
	require.NoError(t, err)
	f.transport.deliver(core.UserTypingEvent, core.TypingPayload{RoomID: "room-a", UserID: "u-ann", UserName: "Ann"})

	require.NoError(t, f.session.Open(ctx, "room-b"))
	close(release)

	f.transport.deliver(core.NewMessageEvent, message("a3", "room-a", 3*time.Second))
	f.transport.deliver(core.UserTypingEvent, core.TypingPayload{RoomID: "room-a", UserID: "u-bob", UserName: "Bob"})

	require.Never(t, func() bool {
		for _, e := range f.session.Messages() {
			if e.Message.RoomID != "room-b" {
				return true
			}
		}
		return false
	}, baseTimeout/5, baseTimeout/50)
	assert.Equal(t, []string{"b1"}, ids(f.session.Messages()))
	assert.Empty(t, f.session.Typing())

	leaves := f.transport.sent(core.LeaveGroupEvent)
	require.Len(t, leaves, 1)
	assert.Equal(t, core.RoomPayload{RoomID: "room-a"}, leaves[0].Payload)
}

func TestSession_OpenReportsJoinAndHistoryFailures(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()
	f.transport.connID = ""

	f.api.EXPECT().History(gomock.Any(), "room-a", gomock.Any()).Return(nil, errors.New("timeout"))

	err := f.session.Open(context.Background(), "room-a")
	var joinErr *core.JoinFailedError
	var histErr *core.HistoryLoadError
	assert.ErrorAs(t, err, &joinErr)
	assert.ErrorAs(t, err, &histErr)
	assert.Equal(t, core.Idle, f.session.Membership())

	f.transport.connID = "conn-2"
	require.NoError(t, f.session.Rejoin())
	assert.Equal(t, core.Joined, f.session.Membership())
}

func TestSession_CloseLeavesRoom(t *testing.T) {
	f := setUpSessionFixture(t)
	f.api.EXPECT().History(gomock.Any(), "room-a", gomock.Any()).Return(nil, nil)

	require.NoError(t, f.session.Open(context.Background(), "room-a"))
	f.session.Keystroke()
	require.NoError(t, f.session.Close())

	assert.Len(t, f.transport.sent(core.LeaveGroupEvent), 1)
	assert.Len(t, f.transport.sent(core.TypingStopEvent), 1)
	assert.Zero(t, f.clock.Pending())
	assert.Zero(t, f.transport.listenerCount(core.NewMessageEvent))
	assert.Zero(t, f.transport.listenerCount(core.ConnectEvent))
	assert.Empty(t, f.session.Room())
}

func TestSession_RejectsChatWithoutOpenRoom(t *testing.T) {
	f := setUpSessionFixture(t)
	ctx := context.Background()
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.session.Send(ctx, core.Draft{Body: "too early"})
	assert.ErrorIs(t, err, core.ErrRoomClosed)
	f.session.Keystroke()
	assert.ErrorIs(t, f.session.Open(ctx, ""), core.ErrRoomClosed)

	assert.Empty(t, f.session.Messages())
	assert.Empty(t, f.transport.sent(core.TypingStartEvent))
	assert.Empty(t, f.transport.sent(core.JoinGroupEvent))
	assert.Zero(t, f.clock.Pending())

	f.api.EXPECT().History(gomock.Any(), "room-a", gomock.Any()).Return(nil, nil)
	require.NoError(t, f.session.Open(ctx, "room-a"))
	require.NoError(t, f.session.Close())

	_, err = f.session.Send(ctx, core.Draft{Body: "too late"})
	assert.ErrorIs(t, err, core.ErrRoomClosed)
	f.session.Keystroke()
	assert.Empty(t, f.session.Messages())
	assert.Empty(t, f.transport.sent(core.TypingStartEvent))
	assert.Zero(t, f.clock.Pending())
}
