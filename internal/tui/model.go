// Package tui is a terminal view hosting one chat session.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/peerlearn/groupchat/core"
)

// ChatSession is the part of core.Session the view drives.
type ChatSession interface {
	Open(ctx context.Context, roomID string) error
	Reload(ctx context.Context) error
	Rejoin() error
	Send(ctx context.Context, draft core.Draft) (core.Entry, error)
	Retry(ctx context.Context, token string) (core.Entry, error)
	Discard(token string) error
	Keystroke()
	Messages() []core.Entry
	Typing() []core.TypingSignal
	Membership() core.MembershipState
	Room() string
	User() core.Identity
	Changes() <-chan struct{}
	OnAuthExpired(f func(error))
}

var _ ChatSession = (*core.Session)(nil)

// -- messages --

type changedMsg struct{}

type openedMsg struct {
	err error
}

type authExpiredMsg struct {
	err error
}

// -- model --

type Model struct {
	session ChatSession
	room    string
	input   textinput.Model
	authCh  chan error

	width  int
	height int

	banner string
	status string
	err    error
}

// New returns a view that opens room on start. It registers the session's
// auth-expiry callback and quits when the token is rejected.
func New(session ChatSession, room string) Model {
	in := textinput.New()
	in.Placeholder = "Write a message"
	in.CharLimit = 4000
	in.Focus()

	authCh := make(chan error, 1)
	session.OnAuthExpired(func(err error) {
		select {
		case authCh <- err:
		default:
		}
	})
	return Model{session: session, room: room, input: in, authCh: authCh, width: 80, height: 24}
}

// Err returns the error that ended the view, if any.
func (m Model) Err() error {
	return m.err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.open(), m.waitForChange(), m.waitForAuth())
}

func (m Model) open() tea.Cmd {
	s, room := m.session, m.room
	return func() tea.Msg {
		return openedMsg{err: s.Open(context.Background(), room)}
	}
}

func (m Model) reload() tea.Cmd {
	s := m.session
	return func() tea.Msg {
		err := s.Reload(context.Background())
		if s.Membership() == core.Idle {
			err = errors.Join(err, s.Rejoin())
		}
		return openedMsg{err: err}
	}
}

func (m Model) waitForChange() tea.Cmd {
	ch := m.session.Changes()
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func (m Model) waitForAuth() tea.Cmd {
	ch := m.authCh
	return func() tea.Msg {
		return authExpiredMsg{err: <-ch}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case changedMsg:
		return m, m.waitForChange()

	case openedMsg:
		m.banner = ""
		var histErr *core.HistoryLoadError
		var joinErr *core.JoinFailedError
		switch {
		case core.IsAuthExpired(msg.err):
			// Reported through the auth channel.
		case errors.As(msg.err, &histErr):
			m.banner = "Could not load messages. Press ctrl+l to try again."
		case errors.As(msg.err, &joinErr):
			m.banner = "Could not join the room. Press ctrl+l to try again."
		case msg.err != nil:
			m.banner = msg.err.Error()
		}
		return m, nil

	case authExpiredMsg:
		m.err = msg.err
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		draft, err := m.parseDraft(text)
		if err != nil {
			m.status = err.Error()
			return m, nil
		}
		if _, err := m.session.Send(context.Background(), draft); err != nil {
			m.status = sendErrorText(err)
			return m, nil
		}
		m.status = ""
		m.input.Reset()
		return m, nil

	case "ctrl+r":
		e, ok := m.lastFailed()
		if !ok {
			return m, nil
		}
		if _, err := m.session.Retry(context.Background(), e.Message.ClientToken); err != nil {
			m.status = sendErrorText(err)
		}
		return m, nil

	case "ctrl+d":
		if e, ok := m.lastFailed(); ok {
			if err := m.session.Discard(e.Message.ClientToken); err != nil {
				m.status = err.Error()
			}
		}
		return m, nil

	case "ctrl+l":
		m.banner = ""
		return m, m.reload()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace || msg.Type == tea.KeyBackspace {
		m.session.Keystroke()
	}
	return m, cmd
}

// parseDraft turns composer text into a draft. Two commands are understood:
//
//	/reply N text             replies to the N-th message shown
//	/share ID LINK [title]    shares a resource
func (m Model) parseDraft(text string) (core.Draft, error) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/reply":
		if len(fields) < 3 {
			return core.Draft{}, errors.New("usage: /reply N text")
		}
		n, err := strconv.Atoi(fields[1])
		entries := m.session.Messages()
		if err != nil || n < 1 || n > len(entries) {
			return core.Draft{}, fmt.Errorf("no message number %s", fields[1])
		}
		if entries[n-1].State != core.Confirmed {
			return core.Draft{}, fmt.Errorf("message %d is not sent yet", n)
		}
		return core.Draft{
			Body:      strings.Join(fields[2:], " "),
			ReplyToID: entries[n-1].Message.ID,
		}, nil
	case "/share":
		if len(fields) < 3 {
			return core.Draft{}, errors.New("usage: /share ID LINK [title]")
		}
		title := strings.Join(fields[3:], " ")
		return core.Draft{
			Body:       title,
			Attachment: &core.Attachment{ResourceID: fields[1], Link: fields[2], Title: title},
		}, nil
	}
	return core.Draft{Body: text}, nil
}

func (m Model) lastFailed() (core.Entry, bool) {
	entries := m.session.Messages()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].State == core.Failed {
			return entries[i], true
		}
	}
	return core.Entry{}, false
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidDraft):
		return "Message is empty or too long."
	case errors.Is(err, core.ErrRoomClosed):
		return "The room is closed."
	default:
		return err.Error()
	}
}
