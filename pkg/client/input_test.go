package client

import (
	"strings"
	"testing"

	"github.com/aeolun/chatterbox/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseInputCommands(t *testing.T) {
	tests := []struct {
		input string
		want  Action
	}{
		{"hello world", Action{Kind: ActionSend, Tag: protocol.TagSendChat, Fields: []string{"hello world"}}},
		{"/list", Action{Kind: ActionSend, Tag: protocol.TagListUsers}},
		{"/LIST", Action{Kind: ActionSend, Tag: protocol.TagListUsers}},
		{"/tell bob hi there", Action{Kind: ActionSend, Tag: protocol.TagSendWhisper, Fields: []string{"bob", "hi there"}}},
		{"/whisper bob hi", Action{Kind: ActionSend, Tag: protocol.TagSendWhisper, Fields: []string{"bob", "hi"}}},
		{"/msg bob a::b", Action{Kind: ActionSend, Tag: protocol.TagSendWhisper, Fields: []string{"bob", "a::b"}}},
		{"/disconnect", Action{Kind: ActionSend, Tag: protocol.TagDisconnect}},
		{"/dcn", Action{Kind: ActionSend, Tag: protocol.TagDisconnect}},
		{"/sound", Action{Kind: ActionToggleSound}},
		{"/v", Action{Kind: ActionToggleVerbose}},
		{"   ", Action{Kind: ActionNone}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInput(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInputErrors(t *testing.T) {
	_, err := ParseInput("/tell bob")
	assert.ErrorIs(t, err, ErrTooFewArguments)

	_, err = ParseInput("/msg")
	assert.ErrorIs(t, err, ErrTooFewArguments)

	_, err = ParseInput("/dance")
	var parseErr *protocol.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseInputChatIsVerbatim(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-zA-Z0-9 :!?.]{1,40}`).Draw(t, "text")
		if text[0] == '/' || strings.TrimSpace(text) == "" {
			t.Skip("not chat")
		}

		action, err := ParseInput(text)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if action.Tag != protocol.TagSendChat || action.Fields[0] != text {
			t.Fatalf("got %+v for %q", action, text)
		}

		msg, err := protocol.Decode(protocol.Encode(action.Tag, action.Fields...))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Field(0) != text {
			t.Fatalf("body changed on the wire: %q != %q", msg.Field(0), text)
		}
	})
}
