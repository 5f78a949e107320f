package ui

import (
	"github.com/aeolun/roomchat/pkg/client"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// maxLines caps the scrollback kept in memory
const maxLines = 1000

type lineKind int

const (
	lineChat lineKind = iota
	lineSystem
	lineError
)

type line struct {
	kind lineKind
	text string
}

// TrafficCounter reports bytes on the wire. *client.Connection satisfies it.
type TrafficCounter interface {
	BytesSent() uint64
	BytesReceived() uint64
}

// EventMsg wraps one event from the connection
type EventMsg struct {
	Event client.Event
}

// Model represents the application state
type Model struct {
	conn    client.ConnectionInterface
	traffic TrafficCounter

	nickname     string
	connected    bool
	disconnectBy string

	lines []line
	users []client.User
	rooms []client.RoomEntry

	messages viewport.Model
	input    textinput.Model

	width  int
	height int
}

// NewModel creates the UI for an open connection. nickname, when set, is
// sent as a JoinServer on start.
func NewModel(conn client.ConnectionInterface, nickname string) Model {
	in := textinput.New()
	in.Placeholder = "type a message or /help"
	in.CharLimit = 4096
	in.Focus()

	m := Model{
		conn:      conn,
		nickname:  nickname,
		connected: true,
		input:     in,
	}
	if tc, ok := conn.(TrafficCounter); ok {
		m.traffic = tc
	}
	m.appendLine(lineSystem, "connected to "+conn.Addr())
	if nickname == "" {
		m.appendLine(lineSystem, "pick a display name with /nick <name>")
	}
	return m
}

// Init starts listening for server events
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, listenForEvents(m.conn)}
	if m.nickname != "" {
		cmds = append(cmds, m.submitLine("/nick "+m.nickname))
	}
	return tea.Batch(cmds...)
}

// listenForEvents waits for the next connection event
func listenForEvents(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-conn.Events()
		if !ok {
			return nil
		}
		return EventMsg{Event: ev}
	}
}

func (m *Model) appendLine(kind lineKind, text string) {
	m.lines = append(m.lines, line{kind: kind, text: text})
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	if m.messages.Width > 0 {
		m.messages.SetContent(m.renderLines())
		m.messages.GotoBottom()
	}
}
