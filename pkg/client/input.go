package client

import (
	"errors"
	"strings"

	"github.com/aeolun/chatterbox/pkg/protocol"
)

// ErrTooFewArguments is returned for a slash command missing its arguments
var ErrTooFewArguments = errors.New("too few arguments in command")

// ActionKind says what a line typed by the user asks for
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSend
	ActionToggleSound
	ActionToggleVerbose
)

// Action is the result of parsing one line of user input
type Action struct {
	Kind   ActionKind
	Tag    protocol.Tag
	Fields []string
}

// ParseInput turns a line typed by the user into an Action. Lines that do
// not start with a slash are chat. Command names are case-insensitive.
func ParseInput(line string) (Action, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Action{Kind: ActionNone}, nil
	}

	if !strings.HasPrefix(trimmed, "/") {
		return Action{Kind: ActionSend, Tag: protocol.TagSendChat, Fields: []string{line}}, nil
	}

	command, _, _ := strings.Cut(trimmed[1:], " ")
	switch strings.ToLower(command) {
	case "list":
		return Action{Kind: ActionSend, Tag: protocol.TagListUsers}, nil
	case "tell", "whisper", "msg":
		parts := strings.SplitN(trimmed, " ", 3)
		if len(parts) < 3 || parts[1] == "" {
			return Action{}, ErrTooFewArguments
		}
		return Action{Kind: ActionSend, Tag: protocol.TagSendWhisper, Fields: []string{parts[1], parts[2]}}, nil
	case "disconnect", "dcn":
		return Action{Kind: ActionSend, Tag: protocol.TagDisconnect}, nil
	case "sound":
		return Action{Kind: ActionToggleSound}, nil
	case "v":
		return Action{Kind: ActionToggleVerbose}, nil
	default:
		return Action{}, &protocol.ParseError{Line: trimmed, Reason: "unknown command"}
	}
}
