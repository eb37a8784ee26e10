package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerlearn/groupchat/core"
	"github.com/peerlearn/groupchat/internal/fakeclock"
	"github.com/peerlearn/groupchat/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type reconcilerFixture struct {
	ctx   context.Context
	clock *fakeclock.Clock
	api   *mocks.MockChatAPI
	r     *core.Reconciler
}

func setUpReconcilerFixture(t *testing.T, room string) *reconcilerFixture {
	ctrl := gomock.NewController(t)
	f := &reconcilerFixture{
		ctx:   context.Background(),
		clock: fakeclock.New(epoch),
		api:   mocks.NewMockChatAPI(ctrl),
	}
	f.r = core.NewReconciler(f.api, me, core.WithClock(f.clock), core.WithLogger(discard))
	f.r.Reset(room)
	t.Cleanup(f.r.Wait)
	return f
}

// confirm returns a Send stub that waits for release and answers with the
// server copy id, echoing the request token.
func confirm(id string, sentAt time.Duration, release <-chan struct{}) func(context.Context, core.SendRequest) (*core.ChatMessage, error) {
	return func(_ context.Context, req core.SendRequest) (*core.ChatMessage, error) {
		if release != nil {
			<-release
		}
		m := message(id, req.RoomID, sentAt)
		m.AuthorID = me.UserID
		m.AuthorName = me.DisplayName
		m.Body = req.Body
		m.ClientToken = req.ClientToken
		return &m, nil
	}
}

func TestReconciler_DropsDuplicateIDs(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")

	m1 := message("m1", "room-a", time.Second)
	assert.True(t, f.r.OnRemoteMessage(m1))
	assert.False(t, f.r.OnRemoteMessage(m1))

	assert.Equal(t, []string{"m1"}, ids(f.r.Messages()))
}

func TestReconciler_IgnoresOtherRooms(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")

	assert.False(t, f.r.OnRemoteMessage(message("m1", "room-b", time.Second)))
	assert.Empty(t, f.r.Messages())
}

func TestReconciler_OrdersBySentAt(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")

	f.r.OnRemoteMessage(message("t1", "room-a", 1*time.Second))
	f.r.OnRemoteMessage(message("t3", "room-a", 3*time.Second))
	f.r.OnRemoteMessage(message("t2", "room-a", 2*time.Second))

	assert.Equal(t, []string{"t1", "t2", "t3"}, ids(f.r.Messages()))
}

func TestReconciler_TiesKeepArrivalOrder(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")

	f.r.OnRemoteMessage(message("b", "room-a", time.Second))
	f.r.OnRemoteMessage(message("a", "room-a", time.Second))
	f.r.OnRemoteMessage(message("c", "room-a", time.Second))

	assert.Equal(t, []string{"b", "a", "c"}, ids(f.r.Messages()))
}

func TestReconciler_SendIsOptimistic(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	release := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("m3", 5*time.Second, release))

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, core.Pending, entry.State)
	assert.True(t, entry.Message.IsTemporary())
	assert.NotEmpty(t, entry.Message.ClientToken)
	assert.Equal(t, me.UserID, entry.Message.AuthorID)
	assert.Equal(t, epoch, entry.Message.SentAt)

	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, core.Pending, msgs[0].State)

	close(release)
	f.r.Wait()

	msgs = f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].Message.ID)
	assert.Equal(t, core.Confirmed, msgs[0].State)
	assert.Equal(t, entry.Message.ClientToken, msgs[0].Message.ClientToken)
}

func TestReconciler_EchoBeforeResponse(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	release := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("m3", 5*time.Second, release))

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)

	echo := message("m3", "room-a", 5*time.Second)
	echo.ClientToken = entry.Message.ClientToken
	assert.True(t, f.r.OnRemoteMessage(echo))

	close(release)
	f.r.Wait()

	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].Message.ID)
	assert.Equal(t, core.Confirmed, msgs[0].State)
}

func TestReconciler_ResponseBeforeEcho(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("m3", 5*time.Second, nil))

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	f.r.Wait()

	echo := message("m3", "room-a", 5*time.Second)
	echo.ClientToken = entry.Message.ClientToken
	assert.False(t, f.r.OnRemoteMessage(echo))
	assert.Equal(t, []string{"m3"}, ids(f.r.Messages()))
}

func TestReconciler_ResponseWithoutTokenStillReconciles(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req core.SendRequest) (*core.ChatMessage, error) {
			m := message("m9", req.RoomID, time.Second)
			return &m, nil
		})

	_, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	f.r.Wait()

	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m9", msgs[0].Message.ID)
	assert.Equal(t, core.Confirmed, msgs[0].State)
}

func TestReconciler_SendFailureAndRetry(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")

	var tokens []string
	gomock.InOrder(
		f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req core.SendRequest) (*core.ChatMessage, error) {
				tokens = append(tokens, req.ClientToken)
				return nil, errors.New("503 service unavailable")
			}),
		f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, req core.SendRequest) (*core.ChatMessage, error) {
				tokens = append(tokens, req.ClientToken)
				return confirm("m1", 10*time.Second, nil)(ctx, req)
			}),
	)

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	f.r.Wait()

	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, core.Failed, msgs[0].State)
	var sendErr *core.SendFailedError
	require.ErrorAs(t, msgs[0].Err, &sendErr)
	assert.Equal(t, "room-a", sendErr.RoomID)
	assert.Equal(t, entry.Message.ClientToken, sendErr.ClientToken)

	f.clock.Advance(time.Second)
	retried, err := f.r.Retry(f.ctx, entry.Message.ClientToken)
	require.NoError(t, err)
	assert.Equal(t, core.Pending, retried.State)
	assert.Equal(t, epoch.Add(time.Second), retried.Message.SentAt)
	f.r.Wait()

	msgs = f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].Message.ID)
	assert.Equal(t, core.Confirmed, msgs[0].State)
	require.Len(t, tokens, 2)
	assert.Equal(t, tokens[0], tokens[1])
}

func TestReconciler_RetryRejectsUnfailedEntries(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	release := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("m1", time.Second, release))

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)

	_, err = f.r.Retry(f.ctx, entry.Message.ClientToken)
	assert.ErrorIs(t, err, core.ErrNotFailed)
	_, err = f.r.Retry(f.ctx, "nope")
	assert.ErrorIs(t, err, core.ErrUnknownEntry)
	assert.ErrorIs(t, f.r.Discard(entry.Message.ClientToken), core.ErrNotFailed)

	close(release)
}

func TestReconciler_DiscardFailed(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom"))

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	f.r.Wait()

	require.NoError(t, f.r.Discard(entry.Message.ClientToken))
	assert.Empty(t, f.r.Messages())
}

func TestReconciler_RejectsInvalidDrafts(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")

	tcs := []struct {
		name  string
		draft core.Draft
	}{
		{name: "empty", draft: core.Draft{}},
		{name: "blank", draft: core.Draft{Body: "   "}},
		{name: "attachment without resource", draft: core.Draft{Attachment: &core.Attachment{Title: "notes"}}},
		{name: "attachment with bad link", draft: core.Draft{Attachment: &core.Attachment{ResourceID: "r1", Link: "not a url"}}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.r.SendMessage(f.ctx, "room-a", tc.draft)
			assert.ErrorIs(t, err, core.ErrInvalidDraft)
		})
	}
	assert.Empty(t, f.r.Messages())
}

func TestReconciler_SendsResourceAttachments(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req core.SendRequest) (*core.ChatMessage, error) {
			assert.Equal(t, core.ResourceMessage, req.Kind)
			assert.Equal(t, "r1", req.ResourceID)
			assert.Equal(t, "https://example.org/notes.pdf", req.ResourceLink)
			return confirm("m1", time.Second, nil)(ctx, req)
		})

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{
		Attachment: &core.Attachment{ResourceID: "r1", Title: "Notes", Link: "https://example.org/notes.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.ResourceMessage, entry.Message.Kind)
}

func TestReconciler_ReplyPreviewFromStore(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req core.SendRequest) (*core.ChatMessage, error) {
			assert.Equal(t, "m1", req.ReplyToID)
			return confirm("m2", 2*time.Second, nil)(ctx, req)
		})
	f.r.OnRemoteMessage(message("m1", "room-a", time.Second))

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "agreed", ReplyToID: "m1"})
	require.NoError(t, err)
	require.NotNil(t, entry.Message.ReplyTo)
	assert.Equal(t, "Peer", entry.Message.ReplyTo.AuthorName)
	assert.Equal(t, "body of m1", entry.Message.ReplyText())

	orphan := core.ChatMessage{ReplyToID: "gone"}
	assert.Equal(t, "original message unavailable", orphan.ReplyText())
}

func TestReconciler_LoadHistory(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	f.api.EXPECT().History(gomock.Any(), "room-a", core.DefaultHistoryLimit).Return([]core.ChatMessage{
		message("m2", "room-a", 2*time.Second),
		message("m1", "room-a", 1*time.Second),
		message("x1", "room-b", 1*time.Second),
	}, nil)

	entries, err := f.r.LoadHistory(f.ctx, "room-a", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(entries))
}

func TestReconciler_HistoryKeepsPendingEntries(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	release := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("m3", 3*time.Second, release))
	f.api.EXPECT().History(gomock.Any(), "room-a", 50).Return([]core.ChatMessage{
		message("m1", "room-a", 1*time.Second),
		message("m2", "room-a", 2*time.Second),
	}, nil)

	f.clock.Advance(10 * time.Second)
	pending, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)

	entries, err := f.r.LoadHistory(f.ctx, "room-a", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", pending.Message.ID}, ids(entries))

	close(release)
	f.r.Wait()
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(f.r.Messages()))
}

func TestReconciler_HistoryErrors(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	var expired error
	f.r.OnAuthExpired(func(err error) { expired = err })

	f.api.EXPECT().History(gomock.Any(), "room-a", 100).Return(nil, errors.New("connection refused"))
	_, err := f.r.LoadHistory(f.ctx, "room-a", 100)
	var histErr *core.HistoryLoadError
	require.ErrorAs(t, err, &histErr)
	assert.Equal(t, "room-a", histErr.RoomID)
	assert.Nil(t, expired)

	f.api.EXPECT().History(gomock.Any(), "room-a", 100).Return(nil, &core.AuthExpiredError{})
	_, err = f.r.LoadHistory(f.ctx, "room-a", 100)
	assert.True(t, core.IsAuthExpired(err))
	assert.True(t, core.IsAuthExpired(expired))

	_, err = f.r.LoadHistory(f.ctx, "room-b", 100)
	assert.ErrorIs(t, err, core.ErrRoomClosed)
}

func TestReconciler_SendAuthExpired(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	expired := make(chan error, 1)
	f.r.OnAuthExpired(func(err error) { expired <- err })
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil, &core.AuthExpiredError{})

	_, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	f.r.Wait()

	select {
	case err := <-expired:
		assert.True(t, core.IsAuthExpired(err))
	case <-time.After(baseTimeout):
		t.Fatal("auth expiry not reported")
	}
	assert.Equal(t, core.Failed, f.r.Messages()[0].State)
}

func TestReconciler_RoomSwitchDiscardsLateCompletions(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	releaseSend := make(chan struct{})
	releaseHistory := make(chan struct{})
	historyCalled := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(confirm("a1", time.Second, releaseSend))
	f.api.EXPECT().History(gomock.Any(), "room-a", 100).DoAndReturn(
		func(context.Context, string, int) ([]core.ChatMessage, error) {
			close(historyCalled)
			<-releaseHistory
			return []core.ChatMessage{message("a0", "room-a", 0)}, nil
		})

	_, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)

	historyErr := make(chan error, 1)
	go func() {
		_, err := f.r.LoadHistory(f.ctx, "room-a", 100)
		historyErr <- err
	}()

	<-historyCalled
	require.Len(t, f.r.Messages(), 1)
	f.r.Reset("room-b")

	close(releaseSend)
	close(releaseHistory)
	f.r.Wait()
	assert.ErrorIs(t, <-historyErr, core.ErrRoomClosed)

	assert.False(t, f.r.OnRemoteMessage(message("a2", "room-a", 2*time.Second)))
	assert.Empty(t, f.r.Messages())
	assert.Equal(t, "room-b", f.r.Room())
}

func TestReconciler_RejectsEmptyRoom(t *testing.T) {
	f := setUpReconcilerFixture(t, "")

	_, err := f.r.SendMessage(f.ctx, "", core.Draft{Body: "hello"})
	assert.ErrorIs(t, err, core.ErrRoomClosed)
	_, err = f.r.LoadHistory(f.ctx, "", 10)
	assert.ErrorIs(t, err, core.ErrRoomClosed)
	assert.Empty(t, f.r.Messages())
}

func TestReconciler_SendWithoutResponseFails(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil, nil)

	entry, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	f.r.Wait()

	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, core.Failed, msgs[0].State)
	var sendErr *core.SendFailedError
	require.ErrorAs(t, msgs[0].Err, &sendErr)
	assert.Equal(t, entry.Message.ClientToken, sendErr.ClientToken)
}

func TestReconciler_ResetCancelsInflightSend(t *testing.T) {
	f := setUpReconcilerFixture(t, "room-a")
	started := make(chan struct{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ core.SendRequest) (*core.ChatMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	_, err := f.r.SendMessage(f.ctx, "room-a", core.Draft{Body: "hello"})
	require.NoError(t, err)
	<-started
	f.r.Reset("")

	done := make(chan struct{})
	go func() {
		f.r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(baseTimeout):
		require.FailNow(t, "send outlived the room")
	}
	assert.Empty(t, f.r.Messages())
}
