package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/peerlearn/groupchat/core"
	"github.com/samber/lo"
)

const helpText = "enter send · ctrl+r retry · ctrl+d discard · ctrl+l reload · esc quit"

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("# "+m.room) + "  " + stateStyle.Render(m.session.Membership().String()))
	b.WriteString("\n")
	if m.banner != "" {
		b.WriteString(bannerStyle.Render(m.banner))
		b.WriteString("\n")
	}

	// Header, typing line, input, status and help take the remaining rows.
	lines := m.renderMessages()
	if room := m.height - 6; room > 0 && len(lines) > room {
		lines = lines[len(lines)-room:]
	}
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n")

	b.WriteString(typingStyle.Render(typingLine(m.session.Typing())))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(failedStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render(helpText))
	return b.String()
}

func (m Model) renderMessages() []string {
	entries := m.session.Messages()
	if len(entries) == 0 {
		return []string{stateStyle.Render("no messages yet")}
	}
	me := m.session.User().UserID
	var lines []string
	for i, e := range entries {
		lines = append(lines, strings.Split(renderEntry(i+1, e, me, m.width), "\n")...)
	}
	return lines
}

func renderEntry(n int, e core.Entry, me string, width int) string {
	msg := e.Message
	author := authorStyle.Render(msg.AuthorName)
	if msg.AuthorID == me {
		author = selfStyle.Render(msg.AuthorName)
	}

	var parts []string
	if reply := msg.ReplyText(); reply != "" {
		parts = append(parts, replyStyle.Render("  ↳ "+reply))
	}
	line := fmt.Sprintf("%s %s %s %s",
		timeStyle.Render(fmt.Sprintf("%2d", n)),
		timeStyle.Render(msg.SentAt.Local().Format("15:04")),
		author, msg.Body)
	switch e.State {
	case core.Pending:
		line = pendingStyle.Render(line + " (sending)")
	case core.Failed:
		line += " " + failedStyle.Render("✗ not sent · ctrl+r retry · ctrl+d discard")
	}
	parts = append(parts, line)
	if msg.Attachment != nil {
		parts = append(parts, attachmentCard(msg.Attachment, width))
	}
	return strings.Join(parts, "\n")
}

func attachmentCard(a *core.Attachment, width int) string {
	title := lo.Ternary(a.Title != "", a.Title, a.ResourceID)
	body := lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.NewStyle().Bold(true).Render(title),
		stateStyle.Render(strings.TrimSpace(a.Type+" "+a.Link)))
	return cardStyle.MaxWidth(max(width-2, 20)).Render(body)
}

// typingLine names a single typist and counts several.
func typingLine(signals []core.TypingSignal) string {
	switch len(signals) {
	case 0:
		return ""
	case 1:
		return signals[0].DisplayName + " is typing…"
	default:
		return fmt.Sprintf("%d people are typing…", len(signals))
	}
}
