package ui

import (
	"slices"
	"strings"

	"github.com/aeolun/chatterbox/pkg/client"
	"github.com/aeolun/chatterbox/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// maxLogLines bounds the chat history kept in memory
const maxLogLines = 1000

// ServerMsg carries one decoded line from the server
type ServerMsg struct {
	Message protocol.Message
}

// ConnectionClosedMsg is sent once the server connection has ended
type ConnectionClosedMsg struct {
	Err error
}

// Model represents the application state
type Model struct {
	conn     client.ConnectionInterface
	chat     *client.Chat
	username string

	input    textinput.Model
	viewport viewport.Model
	lines    []string
	users    []string // sorted

	width  int
	height int

	warning      string
	errorMessage string
	exitCode     int
	quitting     bool
}

// NewModel creates a TUI for a user that has already registered on conn
func NewModel(conn client.ConnectionInterface, chat *client.Chat, username, warning string) Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /list, /tell <user> <text>, /dcn"
	input.CharLimit = protocol.DefaultMaxLineLength - len(protocol.TagSendChat) - len(protocol.Separator)
	input.Focus()

	return Model{
		conn:     conn,
		chat:     chat,
		username: username,
		input:    input,
		viewport: viewport.New(80, 20),
		users:    []string{username},
		warning:  warning,
	}
}

// Init starts listening for server lines and asks who is online
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		listenForServer(m.conn),
		sendCmd(m.conn, protocol.TagListUsers),
	)
}

// ExitCode returns the process exit code once the program has finished:
// client.ExitDisconnected after a confirmed disconnect, 1 when the
// connection was lost, 0 otherwise
func (m Model) ExitCode() int {
	return m.exitCode
}

// Lines returns the chat log
func (m Model) Lines() []string {
	return m.lines
}

// Users returns the names shown in the online pane
func (m Model) Users() []string {
	return m.users
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// trackUsers keeps the online pane in step with users, user_joined and user_left
func (m *Model) trackUsers(msg protocol.Message) {
	switch msg.Tag {
	case protocol.TagUsers:
		m.users = slices.Clone(msg.Fields)
		slices.Sort(m.users)
	case protocol.TagUserJoined:
		name := msg.Field(0)
		if i, found := slices.BinarySearch(m.users, name); !found {
			m.users = slices.Insert(m.users, i, name)
		}
	case protocol.TagUserLeft:
		if i, found := slices.BinarySearch(m.users, msg.Field(0)); found {
			m.users = slices.Delete(m.users, i, i+1)
		}
	}
}

// listenForServer waits for the next server line
func listenForServer(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-conn.Incoming()
		if !ok {
			return ConnectionClosedMsg{Err: conn.Err()}
		}
		return ServerMsg{Message: msg}
	}
}

func sendCmd(conn client.ConnectionInterface, tag protocol.Tag, fields ...string) tea.Cmd {
	return func() tea.Msg {
		if err := conn.Send(tag, fields...); err != nil {
			return sendErrorMsg{err: err}
		}
		return nil
	}
}

type sendErrorMsg struct {
	err error
}
