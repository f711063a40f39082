// ABOUTME: Formatting utilities for client UIs
// ABOUTME: Turns server lines into display text and formats traffic counters
package client

import (
	"fmt"
	"strings"

	"github.com/aeolun/chatterbox/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
)

var (
	selfChatStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // Blue
	otherChatStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
	whisperSentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))  // Cyan
	whisperRecvStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // Green
	systemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("243")) // Gray
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// Renderer formats server messages for display
type Renderer struct {
	Username string
	Verbose  bool // show join and leave notices
}

// NewRenderer returns a renderer for username with join/leave notices on
func NewRenderer(username string) *Renderer {
	return &Renderer{Username: username, Verbose: true}
}

// Render returns the display text for msg and whether it should be shown
func (r *Renderer) Render(msg protocol.Message) (string, bool) {
	switch msg.Tag {
	case protocol.TagConnected:
		return systemStyle.Render("Connected to server"), true
	case protocol.TagDisconnected:
		return systemStyle.Render("disconnected from the server, shutting down"), true
	case protocol.TagChatReceived:
		sender, body := msg.Field(0), strings.TrimSpace(msg.Field(1))
		if strings.TrimSpace(sender) == strings.TrimSpace(r.Username) {
			return selfChatStyle.Render("<you> " + body), true
		}
		return otherChatStyle.Render(fmt.Sprintf("<%s> %s", sender, body)), true
	case protocol.TagWhisperSent:
		return whisperSentStyle.Render(fmt.Sprintf("[direct] <You -> %s> %s", msg.Field(0), strings.TrimSpace(msg.Field(1)))), true
	case protocol.TagWhisperReceived:
		return whisperRecvStyle.Render(fmt.Sprintf("[direct] <%s -> You> %s", msg.Field(0), strings.TrimSpace(msg.Field(1)))), true
	case protocol.TagUsers:
		var b strings.Builder
		fmt.Fprintf(&b, "%d users currently online:", len(msg.Fields))
		for _, name := range msg.Fields {
			b.WriteString("\n\t")
			b.WriteString(name)
		}
		return b.String(), true
	case protocol.TagUserJoined:
		return systemStyle.Render(fmt.Sprintf("*****User '%s' has joined the chat*****", msg.Field(0))), r.Verbose
	case protocol.TagUserLeft:
		return systemStyle.Render(fmt.Sprintf("*****User '%s' has left the chat*****", msg.Field(0))), r.Verbose
	case protocol.TagTargetError:
		return errorStyle.Render(fmt.Sprintf("\t***ERROR! The user you whispered to, '%s' is not logged onto the server", msg.Field(0))), true
	case protocol.TagNotInitializedError:
		return errorStyle.Render("\t***ERROR! You have not negotiated a username with the server"), true
	case protocol.TagNameTakenError:
		return errorStyle.Render(fmt.Sprintf("\t***ERROR! the username you have chosen ('%s') is already taken", msg.Field(0))), true
	case protocol.TagParseError:
		return errorStyle.Render("\t***Error! The server encountered an error in attempting to parse your command"), true
	case protocol.TagFatalError:
		return errorStyle.Render("\t***ERROR! " + msg.Field(0)), true
	default:
		return "", false
	}
}

// RenderInputError formats a local command error
func RenderInputError(err error) string {
	return errorStyle.Render("\t***ERROR! " + err.Error())
}

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
