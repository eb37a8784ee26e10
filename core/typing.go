package core

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	// LocalTypingIdle is the quiet period after which typing-stop is emitted.
	LocalTypingIdle = 2 * time.Second
	// RemoteTypingDecay is how long a remote typing signal stays visible without refresh.
	RemoteTypingDecay = 3 * time.Second
)

// TypingSignal is a peer currently typing in the open room.
type TypingSignal struct {
	RoomID       string
	UserID       string
	DisplayName  string
	LastSignalAt time.Time
}

type remoteTyping struct {
	signal TypingSignal
	timer  Timer
}

// TypingNotifier debounces local typing signals and decays remote ones.
// It is a best-effort presence hint: nothing is persisted or retried.
type TypingNotifier struct {
	transport Transport
	user      Identity
	clock     Clock
	logger    *slog.Logger
	onChange  func()

	mu   sync.Mutex
	room string

	localActive bool
	localUser   string
	localGen    uint64
	localTimer  Timer

	remote map[string]*remoteTyping
}

func NewTypingNotifier(t Transport, user Identity, opts ...Option) *TypingNotifier {
	o := buildOptions(opts)
	return &TypingNotifier{
		transport: t,
		user:      user,
		clock:     o.clock,
		logger:    o.logger.With(slog.String("component", "typing")),
		onChange:  o.onChange,
		remote:    make(map[string]*remoteTyping),
	}
}

// NotifyLocalTyping is called on every keystroke in the composer. The first call
// after a quiet period emits typing-start; later calls only push the idle timer back.
func (n *TypingNotifier) NotifyLocalTyping(roomID, userID, displayName string) {
	n.mu.Lock()
	if roomID == "" || roomID != n.room {
		n.mu.Unlock()
		return
	}
	n.localGen++
	gen := n.localGen
	if n.localTimer != nil {
		n.localTimer.Stop()
	}
	n.localTimer = n.clock.AfterFunc(LocalTypingIdle, func() {
		n.localIdle(gen, roomID)
	})
	start := !n.localActive
	n.localActive = true
	n.localUser = userID
	n.mu.Unlock()

	if start {
		n.emit(TypingStartEvent, TypingPayload{RoomID: roomID, UserID: userID, UserName: displayName})
	}
}

func (n *TypingNotifier) localIdle(gen uint64, roomID string) {
	n.mu.Lock()
	if gen != n.localGen || !n.localActive || roomID != n.room {
		n.mu.Unlock()
		return
	}
	n.localActive = false
	n.localTimer = nil
	userID := n.localUser
	n.mu.Unlock()

	n.emit(TypingStopEvent, TypingPayload{RoomID: roomID, UserID: userID})
}

func (n *TypingNotifier) emit(eventType string, p TypingPayload) {
	if err := n.transport.Emit(eventType, p); err != nil {
		n.logger.Debug("typing signal dropped",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

// OnRemoteTyping adds or refreshes userID in the visible typing set. The entry
// expires after RemoteTypingDecay unless refreshed.
func (n *TypingNotifier) OnRemoteTyping(roomID, userID, displayName string) {
	n.mu.Lock()
	if roomID != n.room || userID == "" || userID == n.user.UserID {
		n.mu.Unlock()
		return
	}
	if old, ok := n.remote[userID]; ok {
		old.timer.Stop()
	}
	rt := &remoteTyping{signal: TypingSignal{
		RoomID:       roomID,
		UserID:       userID,
		DisplayName:  displayName,
		LastSignalAt: n.clock.Now(),
	}}
	n.remote[userID] = rt
	rt.timer = n.clock.AfterFunc(RemoteTypingDecay, func() {
		n.expire(userID, rt)
	})
	n.mu.Unlock()
	n.onChange()
}

func (n *TypingNotifier) expire(userID string, rt *remoteTyping) {
	n.mu.Lock()
	if n.remote[userID] != rt {
		n.mu.Unlock()
		return
	}
	delete(n.remote, userID)
	n.mu.Unlock()
	n.onChange()
}

// OnRemoteStopTyping removes userID from the visible typing set.
func (n *TypingNotifier) OnRemoteStopTyping(roomID, userID string) {
	n.mu.Lock()
	rt, ok := n.remote[userID]
	if roomID != n.room || !ok {
		n.mu.Unlock()
		return
	}
	rt.timer.Stop()
	delete(n.remote, userID)
	n.mu.Unlock()
	n.onChange()
}

// Typing returns the peers typing in the open room ordered by display name.
func (n *TypingNotifier) Typing() []TypingSignal {
	n.mu.Lock()
	signals := lo.Map(lo.Values(n.remote), func(rt *remoteTyping, _ int) TypingSignal {
		return rt.signal
	})
	n.mu.Unlock()
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].DisplayName == signals[j].DisplayName {
			return signals[i].UserID < signals[j].UserID
		}
		return signals[i].DisplayName < signals[j].DisplayName
	})
	return signals
}

// Reset switches to roomID, cancelling every timer. If the local user was
// typing in the previous room a final typing-stop is emitted for it.
func (n *TypingNotifier) Reset(roomID string) {
	n.mu.Lock()
	prevRoom := n.room
	wasTyping := n.localActive
	userID := n.localUser
	if n.localTimer != nil {
		n.localTimer.Stop()
		n.localTimer = nil
	}
	n.localActive = false
	n.localGen++
	for id, rt := range n.remote {
		rt.timer.Stop()
		delete(n.remote, id)
	}
	n.room = roomID
	n.mu.Unlock()

	if wasTyping && prevRoom != "" {
		n.emit(TypingStopEvent, TypingPayload{RoomID: prevRoom, UserID: userID})
	}
	n.onChange()
}

// Bind subscribes the notifier to the typing events of roomID.
func (n *TypingNotifier) Bind(roomID string, t Transport) func() {
	decode := func(payload json.RawMessage) (TypingPayload, bool) {
		var p TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			n.logger.Warn("malformed typing payload", slog.String("error", err.Error()))
			return p, false
		}
		if p.RoomID == "" {
			p.RoomID = roomID
		}
		return p, p.RoomID == roomID
	}
	unsubTyping := t.Subscribe(UserTypingEvent, func(payload json.RawMessage) {
		if p, ok := decode(payload); ok {
			n.OnRemoteTyping(p.RoomID, p.UserID, p.UserName)
		}
	})
	unsubStop := t.Subscribe(UserStopTypingEvent, func(payload json.RawMessage) {
		if p, ok := decode(payload); ok {
			n.OnRemoteStopTyping(p.RoomID, p.UserID)
		}
	})
	return func() {
		unsubTyping()
		unsubStop()
	}
}
