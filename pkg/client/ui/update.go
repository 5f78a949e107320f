package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// submitErrMsg reports a line that could not be sent
type submitErrMsg struct {
	err error
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case EventMsg:
		return m.handleEvent(msg.Event)

	case submitErrMsg:
		m.appendLine(lineError, msg.err.Error())
		return m, nil
	}

	return m, nil
}

func (m *Model) layout() {
	side := m.sideWidth()
	w := m.width - side - 4
	h := m.height - 7
	if w < 10 {
		w = 10
	}
	if h < 3 {
		h = 3
	}
	if m.messages.Width == 0 || m.messages.Height == 0 {
		m.messages = viewport.New(w, h)
	} else {
		m.messages.Width = w
		m.messages.Height = h
	}
	m.messages.SetContent(m.renderLines())
	m.messages.GotoBottom()
	m.input.Width = m.width - 6
}

func (m Model) sideWidth() int {
	side := m.width / 4
	if side < 20 {
		side = 20
	}
	return side
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		if m.connected && m.nickname != "" {
			_ = m.conn.Submit(protocol.LeaveServer())
		}
		return m, tea.Quit

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.messages, cmd = m.messages.Update(msg)
		return m, cmd

	case "enter":
		text := m.input.Value()
		m.input.Reset()
		return m.handleInput(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleInput(text string) (tea.Model, tea.Cmd) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return m, nil
	}
	if trimmed == "/help" {
		for _, h := range client.Help {
			m.appendLine(lineSystem, fmt.Sprintf("%-24s %s", h.Usage, h.Description))
		}
		return m, nil
	}
	if !m.connected {
		if p, err := client.ParseCommand(text); err == nil && p.Command == protocol.CmdLeaveServer {
			return m, tea.Quit
		}
		m.appendLine(lineError, errNotConnected.Error())
		return m, nil
	}

	p, err := client.ParseCommand(text)
	if err != nil {
		m.appendLine(lineError, err.Error())
		return m, nil
	}
	if p.Command == protocol.CmdJoinServer && m.nickname == "" {
		m.nickname = p.Text()
	}
	if err := m.conn.Submit(p); err != nil {
		m.appendLine(lineError, err.Error())
		return m, nil
	}
	if p.Command == protocol.CmdLeaveServer {
		return m, tea.Quit
	}
	return m, nil
}

// submitLine parses and submits text outside of Update
func (m Model) submitLine(text string) tea.Cmd {
	conn := m.conn
	return func() tea.Msg {
		p, err := client.ParseCommand(text)
		if err != nil {
			return submitErrMsg{err: err}
		}
		if err := conn.Submit(p); err != nil {
			return submitErrMsg{err: err}
		}
		return nil
	}
}

func (m Model) handleEvent(ev client.Event) (tea.Model, tea.Cmd) {
	switch ev := ev.(type) {
	case client.MessageReceived:
		for _, l := range strings.Split(ev.Text, "\n") {
			m.appendLine(lineChat, l)
		}

	case client.UserListChanged:
		m.users = ev.Users

	case client.RoomListChanged:
		m.rooms = ev.Rooms

	case client.ErrorReceived:
		m.appendLine(lineError, ev.Message)

	case client.Disconnected:
		m.connected = false
		m.disconnectBy = ev.Reason
		m.appendLine(lineError, "disconnected: "+ev.Reason)
		return m, nil
	}

	return m, listenForEvents(m.conn)
}

var errNotConnected = errors.New("not connected")
