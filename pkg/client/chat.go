package client

import (
	"errors"
	"fmt"

	"github.com/aeolun/chatterbox/pkg/protocol"
)

// ExitDisconnected is the process exit code after the server confirms a
// disconnect
const ExitDisconnected = 42

// Event is what a front end should do after an incoming line
type Event struct {
	Text string
	Show bool
	Exit bool // the server confirmed the disconnect
}

// Chat ties user input and server lines together for one registered user.
// Both the TUI and the plain line mode drive it.
type Chat struct {
	conn     ConnectionInterface
	Renderer *Renderer
	Notifier *Notifier
}

// NewChat creates a chat for username over conn
func NewChat(conn ConnectionInterface, username string, sound, verbose bool) *Chat {
	renderer := NewRenderer(username)
	renderer.Verbose = verbose
	return &Chat{
		conn:     conn,
		Renderer: renderer,
		Notifier: NewNotifier(sound),
	}
}

// Submit handles one line typed by the user and returns feedback to show,
// or "" when there is nothing to say locally
func (c *Chat) Submit(input string) (string, error) {
	action, err := ParseInput(input)
	if err != nil {
		var parseErr *protocol.ParseError
		if errors.As(err, &parseErr) {
			// unknown commands are ignored
			return "", nil
		}
		return RenderInputError(err), nil
	}

	switch action.Kind {
	case ActionSend:
		if err := c.conn.Send(action.Tag, action.Fields...); err != nil {
			return "", fmt.Errorf("send %s: %w", action.Tag, err)
		}
	case ActionToggleSound:
		return onOff("Sound", c.Notifier.Toggle()), nil
	case ActionToggleVerbose:
		c.Renderer.Verbose = !c.Renderer.Verbose
		return onOff("Join and leave notices", c.Renderer.Verbose), nil
	}
	return "", nil
}

// Receive handles one server line
func (c *Chat) Receive(msg protocol.Message) Event {
	_ = c.Notifier.Notify(msg)
	text, show := c.Renderer.Render(msg)
	return Event{
		Text: text,
		Show: show,
		Exit: msg.Tag == protocol.TagDisconnected,
	}
}

func onOff(what string, on bool) string {
	if on {
		return systemStyle.Render(what + " on")
	}
	return systemStyle.Render(what + " off")
}
