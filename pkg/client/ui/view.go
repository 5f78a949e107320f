package ui

import (
	"fmt"
	"strings"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/charmbracelet/lipgloss"
)

// View renders the current state
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		MessagePaneStyle.Render(m.messages.View()),
		m.renderSidePane(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		InputStyle.Width(m.width-2).Render(m.input.View()),
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	who := "not joined"
	if m.nickname != "" {
		who = m.nickname
	}
	left := HeaderStyle.Render("roomchat") + StatusStyle.Render(m.conn.Addr()+" as "+who)

	var right string
	if m.traffic != nil {
		right = StatusStyle.Render(fmt.Sprintf("↑%s ↓%s",
			client.FormatBytes(m.traffic.BytesSent()),
			client.FormatBytes(m.traffic.BytesReceived())))
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) renderSidePane() string {
	var b strings.Builder

	b.WriteString(PaneTitleStyle.Render(fmt.Sprintf("Users (%d)", len(m.users))))
	b.WriteString("\n")
	for _, u := range m.users {
		entry := fmt.Sprintf("#%d %s", u.ID, u.Name)
		if u.Name == m.nickname {
			b.WriteString(SelfStyle.Render(entry))
		} else {
			b.WriteString(ItemStyle.Render(entry))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(PaneTitleStyle.Render(fmt.Sprintf("Rooms (%d)", len(m.rooms))))
	b.WriteString("\n")
	for _, r := range m.rooms {
		b.WriteString(ItemStyle.Render(fmt.Sprintf("#%d %s (%d)", r.ID, r.Name, r.Members)))
		b.WriteString("\n")
	}

	return SidePaneStyle.
		Width(m.sideWidth() - 2).
		Height(m.messages.Height).
		Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) renderFooter() string {
	if !m.connected {
		return DisconnectedStyle.Render("disconnected: " + m.disconnectBy + " (esc to exit)")
	}
	return FooterStyle.Render("enter send · /help commands · pgup/pgdn scroll · esc quit")
}

func (m Model) renderLines() string {
	out := make([]string, len(m.lines))
	for i, l := range m.lines {
		switch l.kind {
		case lineSystem:
			out[i] = SystemLineStyle.Render(l.text)
		case lineError:
			out[i] = ErrorLineStyle.Render(l.text)
		default:
			out[i] = l.text
		}
	}
	return strings.Join(out, "\n")
}
