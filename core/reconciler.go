//go:generate go run go.uber.org/mock/mockgen -source=reconciler.go -destination=../mocks/mock_chat_api.go -package=mocks

package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

var errEmptySendResponse = errors.New("send returned no message")

// DefaultHistoryLimit is used when LoadHistory is called with a non-positive limit.
const DefaultHistoryLimit = 100

// SendRequest is the body of the authoritative send call.
type SendRequest struct {
	RoomID       string      `json:"roomId"`
	Body         string      `json:"message"`
	Kind         MessageKind `json:"type"`
	ReplyToID    string      `json:"replyTo,omitempty"`
	ResourceID   string      `json:"resourceId,omitempty"`
	ResourceLink string      `json:"resourceLink,omitempty"`
	ClientToken  string      `json:"clientToken"`
}

// ChatAPI is the REST backend as seen by the reconciler.
type ChatAPI interface {
	// History returns up to limit of the most recent messages of the room.
	History(ctx context.Context, roomID string, limit int) ([]ChatMessage, error)
	// Send persists a message and returns the server copy.
	Send(ctx context.Context, req SendRequest) (*ChatMessage, error)
}

// Reconciler merges history, optimistic local sends and pushed messages into
// one ordered, de-duplicated sequence for the open room.
type Reconciler struct {
	api    ChatAPI
	user   Identity
	clock  Clock
	logger *slog.Logger

	onChange      func()
	onAuthExpired func(error)

	mu sync.Mutex
	// room is the open room. Completions for any other room are discarded.
	room string
	// epoch changes on every Reset so that late completions can be recognised.
	epoch uint64
	// epochCtx is cancelled on Reset, aborting the calls issued for the old room.
	epochCtx    context.Context
	epochCancel context.CancelFunc
	store       *messageStore

	inflight sync.WaitGroup
}

func NewReconciler(api ChatAPI, user Identity, opts ...Option) *Reconciler {
	o := buildOptions(opts)
	r := &Reconciler{
		api:           api,
		user:          user,
		clock:         o.clock,
		logger:        o.logger.With(slog.String("component", "reconciler")),
		onChange:      o.onChange,
		onAuthExpired: func(error) {},
		store:         newMessageStore(),
	}
	r.epochCtx, r.epochCancel = context.WithCancel(context.Background())
	return r
}

// OnAuthExpired registers the callback invoked when a call fails with a 401.
func (r *Reconciler) OnAuthExpired(f func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuthExpired = f
}

func (r *Reconciler) authExpired(err error) {
	r.mu.Lock()
	f := r.onAuthExpired
	r.mu.Unlock()
	f(err)
}

// Reset makes roomID the open room and discards the store. In-flight history
// loads and sends issued for the previous room are cancelled and their
// completions ignored. Reset("") closes the room.
func (r *Reconciler) Reset(roomID string) {
	r.mu.Lock()
	r.room = roomID
	r.epoch++
	r.epochCancel()
	r.epochCtx, r.epochCancel = context.WithCancel(context.Background())
	r.store.reset()
	r.mu.Unlock()
	r.onChange()
}

// scope derives a context that is also cancelled when the epoch ends.
func (r *Reconciler) scope(ctx, epochCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(epochCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Room returns the open room.
func (r *Reconciler) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Messages returns the ordered sequence, oldest first.
func (r *Reconciler) Messages() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.snapshot()
}

// LoadHistory fetches the most recent messages of roomID and replaces the
// confirmed part of the store with them. It does not retry.
func (r *Reconciler) LoadHistory(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	r.mu.Lock()
	if roomID == "" || roomID != r.room {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	epoch, epochCtx := r.epoch, r.epochCtx
	r.mu.Unlock()

	ctx, cancel := r.scope(ctx, epochCtx)
	msgs, err := r.api.History(ctx, roomID, limit)
	cancel()
	if err != nil {
		if IsAuthExpired(err) {
			r.authExpired(err)
			return nil, err
		}
		if epochCtx.Err() != nil {
			return nil, ErrRoomClosed
		}
		return nil, &HistoryLoadError{RoomID: roomID, Err: err}
	}

	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		r.logger.Debug("discarding stale history", slog.String("room", roomID))
		return nil, ErrRoomClosed
	}
	inRoom := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if m.RoomID == roomID {
			inRoom = append(inRoom, m)
		}
	}
	r.store.replaceConfirmed(inRoom)
	snap := r.store.snapshot()
	r.mu.Unlock()

	r.onChange()
	return snap, nil
}

// SendMessage inserts a pending entry for draft and returns it at once. The
// authoritative send runs concurrently; its outcome confirms or fails the entry.
func (r *Reconciler) SendMessage(ctx context.Context, roomID string, draft Draft) (Entry, error) {
	if err := validateDraft(draft); err != nil {
		return Entry{}, err
	}

	r.mu.Lock()
	if roomID == "" || roomID != r.room {
		r.mu.Unlock()
		return Entry{}, ErrRoomClosed
	}
	msg := ChatMessage{
		ID:          newTempID(),
		RoomID:      roomID,
		AuthorID:    r.user.UserID,
		AuthorName:  r.user.DisplayName,
		Body:        draft.Body,
		Kind:        draft.Kind(),
		Attachment:  draft.Attachment,
		ReplyToID:   draft.ReplyToID,
		SentAt:      r.clock.Now(),
		ClientToken: newClientToken(),
	}
	if target, ok := r.store.byID[draft.ReplyToID]; ok && draft.ReplyToID != "" {
		msg.ReplyTo = &ReplyPreview{
			ID:         target.Message.ID,
			AuthorName: target.Message.AuthorName,
			Body:       target.Message.Body,
		}
	}
	e := &storeEntry{Entry: Entry{Message: msg, State: Pending}}
	r.store.insert(e)
	entry := e.Entry
	send := r.dispatchLocked(ctx, msg)
	r.mu.Unlock()

	r.onChange()
	send()
	return entry, nil
}

// Retry resends a failed entry with its original correlation token.
func (r *Reconciler) Retry(ctx context.Context, token string) (Entry, error) {
	r.mu.Lock()
	e, ok := r.store.byToken[token]
	if !ok {
		r.mu.Unlock()
		return Entry{}, ErrUnknownEntry
	}
	if e.State != Failed {
		r.mu.Unlock()
		return Entry{}, ErrNotFailed
	}
	r.store.remove(e)
	e.State = Pending
	e.Err = nil
	e.Message.SentAt = r.clock.Now()
	e.seq = 0
	r.store.insert(e)
	entry := e.Entry
	send := r.dispatchLocked(ctx, entry.Message)
	r.mu.Unlock()

	r.onChange()
	send()
	return entry, nil
}

// Discard removes a failed entry.
func (r *Reconciler) Discard(token string) error {
	r.mu.Lock()
	e, ok := r.store.unconfirmed(token)
	if !ok {
		r.mu.Unlock()
		return ErrUnknownEntry
	}
	if e.State != Failed {
		r.mu.Unlock()
		return ErrNotFailed
	}
	r.store.remove(e)
	r.mu.Unlock()
	r.onChange()
	return nil
}

// dispatchLocked registers the send of msg with the in-flight group while the
// lock is held, so that Wait after a Reset covers it, and returns the function
// that starts it.
func (r *Reconciler) dispatchLocked(ctx context.Context, msg ChatMessage) func() {
	req := SendRequest{
		RoomID:      msg.RoomID,
		Body:        msg.Body,
		Kind:        msg.Kind,
		ReplyToID:   msg.ReplyToID,
		ClientToken: msg.ClientToken,
	}
	if msg.Attachment != nil {
		req.ResourceID = msg.Attachment.ResourceID
		req.ResourceLink = msg.Attachment.Link
	}

	epoch := r.epoch
	ctx, cancel := r.scope(ctx, r.epochCtx)
	r.inflight.Add(1)
	return func() {
		go func() {
			defer r.inflight.Done()
			defer cancel()
			res, err := r.api.Send(ctx, req)
			if err == nil && res == nil {
				err = errEmptySendResponse
			}
			r.complete(epoch, msg, res, err)
		}()
	}
}

func (r *Reconciler) complete(epoch uint64, sent ChatMessage, res *ChatMessage, err error) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		r.logger.Debug("discarding stale send completion", slog.String("room", sent.RoomID))
		return
	}

	if err != nil {
		if e, ok := r.store.unconfirmed(sent.ClientToken); ok && e.State == Pending {
			e.State = Failed
			e.Err = &SendFailedError{RoomID: sent.RoomID, ClientToken: sent.ClientToken, Err: err}
		}
		r.mu.Unlock()
		r.logger.Warn("send failed", slog.String("room", sent.RoomID), slog.String("error", err.Error()))
		r.onChange()
		if IsAuthExpired(err) {
			r.authExpired(err)
		}
		return
	}

	confirmed := *res
	// The response belongs to this request whatever the server echoed.
	confirmed.ClientToken = sent.ClientToken
	if confirmed.RoomID == "" {
		confirmed.RoomID = sent.RoomID
	}
	changed := confirmed.RoomID == r.room && r.store.apply(confirmed)
	r.mu.Unlock()
	if changed {
		r.onChange()
	}
}

// OnRemoteMessage merges a pushed message. It reports whether the store changed.
func (r *Reconciler) OnRemoteMessage(msg ChatMessage) bool {
	r.mu.Lock()
	if msg.RoomID != r.room || msg.ID == "" {
		r.mu.Unlock()
		return false
	}
	changed := r.store.apply(msg)
	r.mu.Unlock()
	if changed {
		r.onChange()
	}
	return changed
}

// Bind subscribes the reconciler to pushed messages of roomID.
func (r *Reconciler) Bind(roomID string, t Transport) func() {
	return t.Subscribe(NewMessageEvent, func(payload json.RawMessage) {
		var msg ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.logger.Warn("malformed new-message payload", slog.String("error", err.Error()))
			return
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		if msg.RoomID != roomID {
			return
		}
		r.OnRemoteMessage(msg)
	})
}

// Wait blocks until every in-flight send has completed.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}
