package protocol

import (
	"bufio"
	"errors"
	"io"
)

var (
	// ErrLineTooLong is returned when a line exceeds the reader's limit
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// LineReader reads newline-terminated protocol lines. A line is only handed
// out once its terminator has been read; partial input stays buffered.
type LineReader struct {
	r      *bufio.Reader
	maxLen int
}

// NewLineReader creates a line reader. maxLen <= 0 selects DefaultMaxLineLength.
func NewLineReader(r io.Reader, maxLen int) *LineReader {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	return &LineReader{
		r:      bufio.NewReaderSize(r, 4096),
		maxLen: maxLen,
	}
}

// ReadLine blocks until a complete line is available and returns it without
// its terminator. At EOF with a partial line pending it returns
// io.ErrUnexpectedEOF and drops the fragment.
func (lr *LineReader) ReadLine() (string, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		// maxLen excludes the terminator and an optional \r before it
		if len(line)+len(chunk) > lr.maxLen+len("\r"+Terminator) {
			return "", ErrLineTooLong
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			text := trimTerminator(string(line))
			if len(text) > lr.maxLen {
				return "", ErrLineTooLong
			}
			return text, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}

// ReadMessage reads the next complete line and decodes it. Decoding failures
// are returned as *ParseError and leave the reader usable.
func (lr *LineReader) ReadMessage() (Message, error) {
	line, err := lr.ReadLine()
	if err != nil {
		return Message{}, err
	}
	return Decode(line)
}
