package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Session is the chat of one open room on a shared realtime connection. It
// joins the room, keeps the reconciled message sequence and the typing set,
// and signals the hosting view through Changes.
type Session struct {
	user         Identity
	logger       *slog.Logger
	historyLimit int

	reconciler *Reconciler
	typing     *TypingNotifier
	membership *Membership

	changes chan struct{}

	mu   sync.Mutex
	room string
}

func NewSession(t Transport, api ChatAPI, user Identity, opts ...Option) *Session {
	o := buildOptions(opts)
	s := &Session{
		user:         user,
		logger:       o.logger.With(slog.String("user", user.UserID)),
		historyLimit: o.historyLimit,
		changes:      make(chan struct{}, 1),
	}
	notify := o.onChange
	// Components share the caller's options but report changes to the session.
	opts = append(opts[:len(opts):len(opts)], WithOnChange(func() {
		s.signal()
		notify()
	}), WithLogger(s.logger))

	s.reconciler = NewReconciler(api, user, opts...)
	s.typing = NewTypingNotifier(t, user, opts...)
	s.membership = NewMembership(t, []RoomBinder{s.reconciler, s.typing}, opts...)
	return s
}

func (s *Session) signal() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes receives a value after one or more state changes. Consecutive
// changes are coalesced until the view drains the channel.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// OnAuthExpired registers the callback run when the backend rejects the token.
func (s *Session) OnAuthExpired(f func(error)) {
	s.reconciler.OnAuthExpired(f)
}

// Open joins roomID and loads its history. An empty roomID is rejected with
// ErrRoomClosed. Opening another room first leaves
// the current one and discards its messages, typing state and pending timers.
// A join failure does not prevent the history load; both errors are returned.
func (s *Session) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrRoomClosed
	}
	s.mu.Lock()
	prev := s.room
	s.room = roomID
	s.mu.Unlock()

	if prev != roomID {
		s.typing.Reset(roomID)
		if prev != "" {
			if err := s.membership.Leave(prev); err != nil {
				s.logger.Warn("leave on room switch", slog.String("error", err.Error()))
			}
		}
		s.reconciler.Reset(roomID)
	}

	joinErr := s.membership.Join(roomID)
	_, histErr := s.reconciler.LoadHistory(ctx, roomID, s.historyLimit)
	if errors.Is(histErr, ErrRoomClosed) {
		histErr = nil
	}
	return errors.Join(joinErr, histErr)
}

// Rejoin retries a failed join of the open room.
func (s *Session) Rejoin() error {
	room := s.Room()
	if room == "" {
		return ErrRoomClosed
	}
	return s.membership.Join(room)
}

// Reload refetches the history of the open room.
func (s *Session) Reload(ctx context.Context) error {
	room := s.Room()
	if room == "" {
		return ErrRoomClosed
	}
	_, err := s.reconciler.LoadHistory(ctx, room, s.historyLimit)
	return err
}

// Close leaves the open room and stops every timer. In-flight sends are
// awaited but their outcomes are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	room := s.room
	s.room = ""
	s.mu.Unlock()

	s.typing.Reset("")
	var err error
	if room != "" {
		err = s.membership.Leave(room)
	}
	s.reconciler.Reset("")
	s.reconciler.Wait()
	s.membership.Close()
	return err
}

// Room returns the open room.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) Send(ctx context.Context, draft Draft) (Entry, error) {
	return s.reconciler.SendMessage(ctx, s.Room(), draft)
}

func (s *Session) Retry(ctx context.Context, token string) (Entry, error) {
	return s.reconciler.Retry(ctx, token)
}

func (s *Session) Discard(token string) error {
	return s.reconciler.Discard(token)
}

// Keystroke reports composer activity of the local user.
func (s *Session) Keystroke() {
	s.typing.NotifyLocalTyping(s.Room(), s.user.UserID, s.user.DisplayName)
}

func (s *Session) Messages() []Entry {
	return s.reconciler.Messages()
}

func (s *Session) Typing() []TypingSignal {
	return s.typing.Typing()
}

func (s *Session) Membership() MembershipState {
	return s.membership.State()
}

func (s *Session) User() Identity {
	return s.user
}
