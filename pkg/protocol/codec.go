package protocol

import (
	"fmt"
	"strings"
)

// ParseError reports a line that does not decode into a protocol message
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unable to parse %q", e.Line)
	}
	return fmt.Sprintf("unable to parse %q: %s", e.Line, e.Reason)
}

// Message is a decoded protocol line
type Message struct {
	Tag    Tag
	Fields []string
}

// Field returns the i-th payload field, or "" when absent
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

// Line re-encodes the message, terminator included
func (m Message) Line() string {
	return Encode(m.Tag, m.Fields...)
}

// Encode joins tag and fields with the separator and appends the terminator.
// Fields must not contain a newline.
func Encode(tag Tag, fields ...string) string {
	var b strings.Builder
	n := len(tag) + len(Terminator)
	for _, f := range fields {
		n += len(Separator) + len(f)
	}
	b.Grow(n)

	b.WriteString(string(tag))
	for _, f := range fields {
		b.WriteString(Separator)
		b.WriteString(f)
	}
	b.WriteString(Terminator)
	return b.String()
}

// Decode parses one line. The terminator (and a preceding carriage return)
// is optional. Payload splitting stops at the tag's arity so the last field
// keeps any separator it contains.
func Decode(line string) (Message, error) {
	raw := trimTerminator(line)

	head, rest, hasPayload := strings.Cut(raw, Separator)
	tag := Tag(head)
	spec, ok := tagSpecs[tag]
	if !ok {
		return Message{}, &ParseError{Line: raw, Reason: "unknown tag"}
	}

	var fields []string
	switch {
	case !hasPayload || spec.arity == 0:
		// payload of field-less tags is ignored
	case spec.arity == variadic:
		fields = strings.Split(rest, Separator)
	default:
		fields = strings.SplitN(rest, Separator, spec.arity)
	}

	if len(fields) < spec.required {
		return Message{}, &ParseError{
			Line:   raw,
			Reason: fmt.Sprintf("%s needs %d field(s), got %d", tag, spec.required, len(fields)),
		}
	}

	return Message{Tag: tag, Fields: fields}, nil
}

func trimTerminator(line string) string {
	line = strings.TrimSuffix(line, Terminator)
	return strings.TrimSuffix(line, "\r")
}
