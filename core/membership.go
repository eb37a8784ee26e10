package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type MembershipState int

const (
	Idle MembershipState = iota
	Joining
	Joined
	Leaving
)

func (s MembershipState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("MembershipState(%d)", int(s))
	}
}

// RoomBinder attaches room-scoped event listeners to a transport.
// Bind returns the function that detaches them.
type RoomBinder interface {
	Bind(roomID string, t Transport) (unbind func())
}

// Membership tracks which room the session has joined on the shared realtime
// connection and re-joins it whenever the connection is re-established. The
// transport is never called with the lock held.
type Membership struct {
	transport Transport
	binders   []RoomBinder
	logger    *slog.Logger
	onChange  func()

	mu     sync.Mutex
	state  MembershipState
	room   string
	connID string
	unbind func()
	// gen changes whenever the membership is reassigned, so that a transport
	// call finishing after a newer Join or Leave does not overwrite its state.
	gen uint64

	unsubscribe []func()
}

func NewMembership(t Transport, binders []RoomBinder, opts ...Option) *Membership {
	o := buildOptions(opts)
	m := &Membership{
		transport: t,
		binders:   binders,
		logger:    o.logger.With(slog.String("component", "membership")),
		onChange:  o.onChange,
	}
	m.unsubscribe = []func(){
		t.Subscribe(ConnectEvent, m.onConnect),
		t.Subscribe(DisconnectEvent, m.onDisconnect),
	}
	return m
}

// Join makes roomID the joined room. Joining the room already joined on the
// current connection is a no-op. Joining another room leaves the current one
// first; a failed leave is reported alongside the join outcome.
func (m *Membership) Join(roomID string) error {
	if roomID == "" {
		return ErrRoomClosed
	}
	connID := m.transport.ConnectionID()

	m.mu.Lock()
	if m.room == roomID && m.state == Joined && m.connID == connID && connID != "" {
		m.mu.Unlock()
		return nil
	}
	var leave func() error
	if m.room != "" && m.room != roomID {
		leave = m.detachLocked()
	}
	var unbindStale func()
	needBind := m.room != roomID || m.unbind == nil
	if needBind {
		unbindStale, m.unbind = m.unbind, nil
	}
	m.room = roomID
	m.state = Joining
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	var leaveErr error
	if leave != nil {
		leaveErr = leave()
	}
	if unbindStale != nil {
		unbindStale()
	}
	var unbind func()
	if needBind {
		unbind = m.bind(roomID)
	}
	joinErr := m.emitJoin(roomID, connID)

	m.mu.Lock()
	if gen != m.gen {
		// A later Join or Leave took over the membership.
		m.mu.Unlock()
		if unbind != nil {
			unbind()
		}
		return errors.Join(leaveErr, ErrRoomClosed)
	}
	if unbind != nil {
		m.unbind = unbind
	}
	if joinErr != nil {
		teardown := m.resetLocked()
		m.mu.Unlock()
		teardown()
		m.onChange()
		return errors.Join(leaveErr, joinErr)
	}
	m.connID = connID
	m.state = Joined
	m.mu.Unlock()

	m.logger.Info("joined room", slog.String("room", roomID), slog.String("conn", connID))
	m.onChange()
	return leaveErr
}

// emitJoin sends join-group for roomID on connID.
func (m *Membership) emitJoin(roomID, connID string) error {
	if connID == "" {
		return &JoinFailedError{RoomID: roomID, Err: ErrNotConnected}
	}
	if err := m.transport.Emit(JoinGroupEvent, RoomPayload{RoomID: roomID}); err != nil {
		return &JoinFailedError{RoomID: roomID, Err: err}
	}
	return nil
}

func (m *Membership) bind(roomID string) func() {
	unbinds := make([]func(), 0, len(m.binders))
	for _, b := range m.binders {
		unbinds = append(unbinds, b.Bind(roomID, m.transport))
	}
	return func() {
		for _, u := range unbinds {
			u()
		}
	}
}

// resetLocked moves the membership to Idle and returns the listener teardown,
// which the caller runs after releasing the lock.
func (m *Membership) resetLocked() func() {
	unbind := m.unbind
	m.unbind = nil
	m.state = Idle
	m.room = ""
	m.connID = ""
	m.gen++
	if unbind == nil {
		return func() {}
	}
	return unbind
}

// detachLocked forgets the current room and returns the function that emits
// leave-group for it and detaches its listeners. Local state is torn down
// whether or not the emit succeeds.
func (m *Membership) detachLocked() func() error {
	room, connID := m.room, m.connID
	teardown := m.resetLocked()
	return func() error {
		teardown()
		var err error
		if connID != "" && connID == m.transport.ConnectionID() {
			err = m.transport.Emit(LeaveGroupEvent, RoomPayload{RoomID: room})
		}
		if err != nil {
			m.logger.Warn("leave not delivered", slog.String("room", room), slog.String("error", err.Error()))
			return fmt.Errorf("leave room %s: %w", room, err)
		}
		m.logger.Info("left room", slog.String("room", room))
		return nil
	}
}

// Leave leaves roomID. It is a no-op when roomID is not the joined room.
func (m *Membership) Leave(roomID string) error {
	m.mu.Lock()
	if m.room == "" || m.room != roomID {
		m.mu.Unlock()
		return nil
	}
	leave := m.detachLocked()
	m.state = Leaving
	gen := m.gen
	m.mu.Unlock()
	m.onChange()

	err := leave()

	m.mu.Lock()
	if gen == m.gen {
		m.state = Idle
	}
	m.mu.Unlock()
	m.onChange()
	return err
}

func (m *Membership) onDisconnect(json.RawMessage) {
	m.mu.Lock()
	if m.state != Joined {
		m.mu.Unlock()
		return
	}
	m.state = Joining
	m.connID = ""
	room := m.room
	m.mu.Unlock()
	m.logger.Info("connection lost, waiting to rejoin", slog.String("room", room))
	m.onChange()
}

func (m *Membership) onConnect(payload json.RawMessage) {
	var p ConnectPayload
	_ = json.Unmarshal(payload, &p)
	connID := p.ConnectionID
	if connID == "" {
		connID = m.transport.ConnectionID()
	}

	m.mu.Lock()
	if m.room == "" || m.state == Leaving || (m.state == Joined && m.connID == connID) {
		m.mu.Unlock()
		return
	}
	m.state = Joining
	room := m.room
	gen := m.gen
	m.mu.Unlock()

	err := m.emitJoin(room, connID)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if err != nil {
		teardown := m.resetLocked()
		m.mu.Unlock()
		teardown()
		m.logger.Error("rejoin failed", slog.String("room", room), slog.String("error", err.Error()))
		m.onChange()
		return
	}
	m.connID = connID
	m.state = Joined
	m.mu.Unlock()
	m.logger.Info("rejoined room", slog.String("room", room), slog.String("conn", connID))
	m.onChange()
}

func (m *Membership) State() MembershipState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the room joined or being joined, or "" when idle.
func (m *Membership) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *Membership) Joined() bool {
	return m.State() == Joined
}

// Close detaches the connection lifecycle listeners. It does not leave the room.
func (m *Membership) Close() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	for _, u := range unsub {
		u()
	}
}
