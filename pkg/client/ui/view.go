package ui

import (
	"fmt"
	"strings"

	"github.com/76creates/stickers/flexbox"
	"github.com/charmbracelet/lipgloss"
)

// View renders the chat log, the online users pane and the input line
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	layout := flexbox.NewHorizontal(m.width, m.height-5) // header(1) + input(3) + footer(1)

	// Column 1: chat log (ratioX=3 = 75% of width)
	chatCol := layout.NewColumn().AddCells(
		flexbox.NewCell(3, 1).
			SetStyle(ChatPaneStyle).
			SetContent(m.viewport.View()),
	)

	// Column 2: online users (ratioX=1 = 25% of width)
	userCol := layout.NewColumn().AddCells(
		flexbox.NewCell(1, 1).
			SetStyle(UserPaneStyle).
			SetContent(m.renderUserPane()),
	)

	layout.AddColumns([]*flexbox.Column{chatCol, userCol})

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderHeader(),
		layout.Render(),
		InputFocusedStyle.Width(m.width-2).Render(m.input.View()),
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	title := HeaderStyle.Render("Chatterbox")
	status := StatusStyle.Render(fmt.Sprintf("%s @ %s", m.username, m.conn.Address()))
	return lipgloss.JoinHorizontal(lipgloss.Top, title, status)
}

func (m Model) renderUserPane() string {
	var b strings.Builder
	b.WriteString(UserPaneTitleStyle.Render(fmt.Sprintf("Online (%d)", len(m.users))))
	for _, name := range m.users {
		b.WriteString("\n")
		if name == m.username {
			b.WriteString(OwnUserStyle.Render(name))
		} else {
			b.WriteString(name)
		}
	}
	return b.String()
}

func (m Model) renderFooter() string {
	if m.errorMessage != "" {
		return FooterStyle.Render(RenderError(m.errorMessage))
	}
	if m.warning != "" {
		return FooterStyle.Render(RenderWarning(m.warning))
	}

	sound := "off"
	if m.chat.Notifier.Enabled() {
		sound = "on"
	}
	shortcuts := []string{
		RenderShortcut("Enter", "send"),
		RenderShortcut("PgUp/PgDn", "scroll"),
		RenderShortcut("/dcn", "leave"),
		RenderShortcut("Ctrl+C", "quit"),
		MutedTextStyle.Render("sound " + sound),
	}
	return FooterStyle.Render(strings.Join(shortcuts, "  "))
}
