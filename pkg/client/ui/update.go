package ui

import (
	"fmt"

	"github.com/aeolun/chatterbox/pkg/client"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case ServerMsg:
		return m.handleServerMessage(msg)

	case ConnectionClosedMsg:
		if m.quitting {
			return m, nil
		}
		m.quitting = true
		m.exitCode = 1
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("connection lost: %v", msg.Err)
		} else {
			m.errorMessage = "server closed the connection"
		}
		return m, tea.Quit

	case sendErrorMsg:
		m.errorMessage = msg.err.Error()
		return m, nil
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "enter":
		line := m.input.Value()
		m.input.Reset()
		m.errorMessage = ""

		feedback, err := m.chat.Submit(line)
		if err != nil {
			m.errorMessage = err.Error()
		}
		if feedback != "" {
			m.appendLine(feedback)
		}
		return m, nil

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleServerMessage renders a server line and keeps listening unless the
// server confirmed the disconnect
func (m Model) handleServerMessage(msg ServerMsg) (tea.Model, tea.Cmd) {
	m.trackUsers(msg.Message)

	ev := m.chat.Receive(msg.Message)
	if ev.Show {
		m.appendLine(ev.Text)
	}

	if ev.Exit {
		m.quitting = true
		m.exitCode = client.ExitDisconnected
		return m, tea.Quit
	}

	return m, listenForServer(m.conn)
}

func (m *Model) resize() {
	chatWidth := m.width*3/4 - 2
	if chatWidth < 20 {
		chatWidth = 20
	}
	// header, input box (3 rows) and footer, plus the pane border
	chatHeight := m.height - 5 - 2
	if chatHeight < 3 {
		chatHeight = 3
	}

	m.viewport.Width = chatWidth
	m.viewport.Height = chatHeight
	m.input.Width = m.width - 6
	m.refreshViewport()
}
