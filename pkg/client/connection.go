package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatterbox/pkg/protocol"
)

var (
	// ErrNameTaken is returned by Register when another user holds the name
	ErrNameTaken = errors.New("name already taken")
	// ErrConnectionClosed is returned when the server went away
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRegisterTimeout is returned when the server never answered connect
	ErrRegisterTimeout = errors.New("timed out waiting for server")
)

// Connection represents a client connection to the server
type Connection struct {
	addr            string
	dial            func() (net.Conn, error)
	securityWarning string

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
	err       error

	writeMu  sync.Mutex
	incoming chan protocol.Message
	closing  chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Bandwidth throttling (for load testing slow clients)
	throttleBytesPerSec int // 0 = no throttle

	logger *log.Logger
}

// NewConnection creates a client connection for addr. Nothing is dialed
// until Connect is called.
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:            dialConfig.display,
		dial:            dialConfig.dial,
		securityWarning: dialConfig.warning,
		incoming:        make(chan protocol.Message, 100),
		closing:         make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetThrottle limits reads and writes to bytesPerSec (0 = no throttle).
// It must be called before Connect.
func (c *Connection) SetThrottle(bytesPerSec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttleBytesPerSec = bytesPerSec
	if bytesPerSec > 0 {
		c.logf("Bandwidth throttling enabled: %d bytes/sec", bytesPerSec)
	}
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts reading lines
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)

	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	throttle := c.throttleBytesPerSec
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.addr)
	if c.securityWarning != "" {
		c.logf("WARNING: %s", c.securityWarning)
	}

	var reader io.Reader = conn
	if throttle > 0 {
		reader = newThrottledReader(reader, throttle)
	}
	reader = &countingReader{r: reader, counter: &c.bytesReceived}

	c.wg.Add(1)
	go c.readLoop(protocol.NewLineReader(reader, 0))
	return nil
}

// Send encodes one line and writes it to the server
func (c *Connection) Send(tag protocol.Tag, fields ...string) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	throttle := c.throttleBytesPerSec
	c.mu.RUnlock()

	if !connected || conn == nil {
		return ErrConnectionClosed
	}

	var writer io.Writer = conn
	if throttle > 0 {
		writer = newThrottledWriter(writer, throttle)
	}
	writer = &countingWriter{w: writer, counter: &c.bytesSent}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(writer, protocol.Encode(tag, fields...)); err != nil {
		c.logf("Write error: %v", err)
		return fmt.Errorf("write error: %w", err)
	}
	c.logf("→ SEND: %s (%d fields)", tag, len(fields))
	return nil
}

// Incoming returns decoded server lines. The channel is closed when the
// connection ends; Err then reports why.
func (c *Connection) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Err returns the read error that ended the connection, or nil when the
// server closed it cleanly or it is still open
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Register sends connect and waits for the server's verdict. Lines other
// than connected, name_taken_error and fatal_error are skipped.
func (c *Connection) Register(name string, timeout time.Duration) error {
	if err := c.Send(protocol.TagConnect, name); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-c.incoming:
			if !ok {
				return ErrConnectionClosed
			}
			switch msg.Tag {
			case protocol.TagConnected:
				return nil
			case protocol.TagNameTakenError:
				return ErrNameTaken
			case protocol.TagFatalError:
				return fmt.Errorf("server error: %s", msg.Field(0))
			}
		case <-timer.C:
			return ErrRegisterTimeout
		}
	}
}

// Close shuts the write half, closes the connection and waits for the
// reader to exit
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)

		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()

		if conn != nil {
			c.logf("Disconnecting from %s", c.addr)
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			err = conn.Close()
		}
	})
	c.wg.Wait()
	return err
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Address returns the server address as displayed to the user
func (c *Connection) Address() string {
	return c.addr
}

// SecurityWarning returns a note about unverified transports, or ""
func (c *Connection) SecurityWarning() string {
	return c.securityWarning
}

// BytesSent returns the total bytes sent
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes received
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// readLoop decodes lines until the connection ends. Lines that do not
// decode are skipped.
func (c *Connection) readLoop(reader *protocol.LineReader) {
	defer c.wg.Done()
	defer close(c.incoming)

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			var parseErr *protocol.ParseError
			if errors.As(err, &parseErr) {
				c.logf("Ignoring line: %v", parseErr)
				continue
			}
			c.finishRead(err)
			return
		}

		c.logf("← RECV: %s (%d fields)", msg.Tag, len(msg.Fields))

		select {
		case c.incoming <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *Connection) finishRead(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	select {
	case <-c.closing:
		return
	default:
	}

	if errors.Is(err, io.EOF) {
		c.logf("Connection closed by server (EOF)")
		return
	}
	c.logf("Read error: %v", err)
	c.err = err
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

// throttledReader wraps an io.Reader and limits read rate to bytesPerSec
type throttledReader struct {
	r            io.Reader
	bytesPerSec  int
	lastReadTime time.Time
	mu           sync.Mutex
}

func newThrottledReader(r io.Reader, bytesPerSec int) *throttledReader {
	return &throttledReader{
		r:            r,
		bytesPerSec:  bytesPerSec,
		lastReadTime: time.Now(),
	}
}

func (tr *throttledReader) Read(p []byte) (n int, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	chunk := max(tr.bytesPerSec/10, 1)
	if len(p) > chunk {
		p = p[:chunk]
	}

	n, err = tr.r.Read(p)
	if n > 0 {
		tr.wait(n)
	}
	return n, err
}

func (tr *throttledReader) wait(n int) {
	elapsed := time.Since(tr.lastReadTime)
	expected := time.Duration(float64(n) / float64(tr.bytesPerSec) * float64(time.Second))
	if expected > elapsed {
		time.Sleep(expected - elapsed)
	}
	tr.lastReadTime = time.Now()
}

// throttledWriter wraps an io.Writer and limits write rate to bytesPerSec
type throttledWriter struct {
	w             io.Writer
	bytesPerSec   int
	lastWriteTime time.Time
}

func newThrottledWriter(w io.Writer, bytesPerSec int) *throttledWriter {
	return &throttledWriter{
		w:             w,
		bytesPerSec:   bytesPerSec,
		lastWriteTime: time.Now(),
	}
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := min(max(tw.bytesPerSec/10, 1), len(p)-total)

		n, err := tw.w.Write(p[total : total+chunk])
		total += n
		if err != nil {
			return total, err
		}

		expected := time.Duration(float64(n) / float64(tw.bytesPerSec) * float64(time.Second))
		if elapsed := time.Since(tw.lastWriteTime); expected > elapsed {
			time.Sleep(expected - elapsed)
		}
		tw.lastWriteTime = time.Now()
	}
	return total, nil
}
