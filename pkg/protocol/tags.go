package protocol

import "slices"

const (
	// DefaultPort is the TCP port clients and servers use unless configured otherwise
	DefaultPort = 6789

	// Separator joins the tag and the payload fields of a line
	Separator = "::"

	// Terminator ends every protocol line
	Terminator = "\n"

	// DefaultMaxLineLength bounds a single inbound line, terminator excluded
	DefaultMaxLineLength = 4096
)

// Tag identifies the type of a protocol line
type Tag string

// Client → server tags
const (
	TagConnect     Tag = "connect"
	TagDisconnect  Tag = "disconnect"
	TagSendChat    Tag = "send_chat"
	TagSendWhisper Tag = "send_whisper"
	TagListUsers   Tag = "list_users"
)

// Server → client tags
const (
	TagConnected       Tag = "connected"
	TagDisconnected    Tag = "disconnected"
	TagChatReceived    Tag = "chat_received"
	TagWhisperReceived Tag = "whisper_received"
	TagWhisperSent     Tag = "whisper_sent"
	TagUsers           Tag = "users"
	TagUserJoined      Tag = "user_joined"
	TagUserLeft        Tag = "user_left"

	TagTargetError         Tag = "target_error"
	TagNotInitializedError Tag = "not_initialized_error"
	TagNameTakenError      Tag = "name_taken_error"
	TagParseError          Tag = "parse_error"
	TagFatalError          Tag = "fatal_error"
)

// variadic marks a tag whose payload is split on every separator
const variadic = -1

// tagSpec describes how the payload of a tag is split.
// arity is the maximum number of fields (the last one is kept verbatim),
// required is how many of them must be present.
type tagSpec struct {
	arity    int
	required int
	client   bool
}

var tagSpecs = map[Tag]tagSpec{
	TagConnect:     {arity: 1, required: 1, client: true},
	TagDisconnect:  {client: true},
	TagSendChat:    {arity: 1, required: 1, client: true},
	TagSendWhisper: {arity: 2, required: 2, client: true},
	TagListUsers:   {client: true},

	TagConnected:       {},
	TagDisconnected:    {},
	TagChatReceived:    {arity: 2, required: 2},
	TagWhisperReceived: {arity: 2, required: 2},
	TagWhisperSent:     {arity: 2, required: 2},
	TagUsers:           {arity: variadic},
	TagUserJoined:      {arity: 1, required: 1},
	TagUserLeft:        {arity: 1, required: 1},

	TagTargetError:         {arity: 1, required: 1},
	TagNotInitializedError: {},
	TagNameTakenError:      {arity: 1, required: 1},
	TagParseError:          {arity: 1},
	TagFatalError:          {arity: 1},
}

// Tags returns every tag of the protocol
func Tags() []Tag {
	tags := make([]Tag, 0, len(tagSpecs))
	for tag := range tagSpecs {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// Known reports whether tag belongs to the protocol
func (t Tag) Known() bool {
	_, ok := tagSpecs[t]
	return ok
}

// FromClient reports whether the tag is sent by clients
func (t Tag) FromClient() bool {
	return tagSpecs[t].client
}

// Arity returns the maximum number of payload fields, or -1 for a list payload
func (t Tag) Arity() int {
	return tagSpecs[t].arity
}

// String returns the wire form of the tag
func (t Tag) String() string {
	return string(t)
}
