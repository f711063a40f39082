package server

import (
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aeolun/chatterbox/pkg/protocol"
	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when delivering to a session that has shut down
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer is returned when a session's outbound queue is full
	ErrSlowConsumer = errors.New("outbound queue full")
)

// SessionState is the handshake state of a session
type SessionState int

const (
	StateUnregistered SessionState = iota
	StateRegistered
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionOptions holds per-connection limits
type SessionOptions struct {
	MaxLineLength int
	QueueSize     int
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration // zero disables the idle timeout
}

// DefaultSessionOptions returns the limits used when none are configured
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		MaxLineLength: protocol.DefaultMaxLineLength,
		QueueSize:     256,
		WriteTimeout:  10 * time.Second,
	}
}

// Session is one client connection. A single goroutine runs the read loop
// and drives the state machine; a second goroutine drains the outbound queue.
type Session struct {
	ID        string
	Transport string

	conn     net.Conn
	reader   *protocol.LineReader
	registry *Registry
	metrics  *Metrics
	presence PresenceRecorder
	opts     SessionOptions

	mu       sync.RWMutex // Protects username and state
	username string
	state    SessionState

	outbound   chan string
	stop       chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}

	shuttingDown chan struct{}
	shutdownOnce sync.Once
	idleTimer    *time.Timer // set when the conn has no read deadlines
}

// NewSession wraps conn. The session does nothing until Run is called.
func NewSession(conn net.Conn, transport string, registry *Registry, opts SessionOptions) *Session {
	defaults := DefaultSessionOptions()
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = defaults.MaxLineLength
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}

	return &Session{
		ID:         uuid.NewString(),
		Transport:  transport,
		conn:       conn,
		reader:     protocol.NewLineReader(conn, opts.MaxLineLength),
		registry:   registry,
		opts:       opts,
		state:      StateUnregistered,
		outbound:   make(chan string, opts.QueueSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),

		shuttingDown: make(chan struct{}),
	}
}

// SetMetrics attaches metrics to the session
func (s *Session) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// SetPresence attaches a presence recorder to the session
func (s *Session) SetPresence(presence PresenceRecorder) {
	s.presence = presence
}

// Username returns the registered name, or "" before the handshake
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RemoteAddr returns the peer address of the underlying connection
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Deliver queues a line for the writer goroutine without blocking. When the
// queue is full the connection is cut; the read loop then cleans up.
func (s *Session) Deliver(line string) error {
	select {
	case <-s.stop:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- line:
		return nil
	default:
		log.Printf("Session %s (%q): outbound queue full, dropping connection", s.ID, s.Username())
		if s.metrics != nil {
			s.metrics.RecordSlowConsumer()
		}
		s.conn.Close()
		return ErrSlowConsumer
	}
}

// Shutdown tells the client the server is going away and unblocks the read
// loop. Run performs the actual cleanup. It may be called before Run starts.
func (s *Session) Shutdown(reason string) {
	_ = s.Deliver(protocol.Encode(protocol.TagFatalError, reason))
	s.shutdownOnce.Do(func() { close(s.shuttingDown) })
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		s.conn.Close()
	}
}

func (s *Session) isShuttingDown() bool {
	select {
	case <-s.shuttingDown:
		return true
	default:
		return false
	}
}

// Run serves the connection until the client disconnects or the connection
// fails. It always leaves the registry without an entry for this session.
func (s *Session) Run() {
	go s.writeLoop()
	defer s.finish()

	for {
		if s.isShuttingDown() {
			return
		}
		if s.opts.IdleTimeout > 0 {
			s.armIdleTimeout()
			// Shutdown may have set its deadline before ours replaced it
			if s.isShuttingDown() {
				return
			}
		}

		line, err := s.reader.ReadLine()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.handleLine(line) {
			return
		}
	}
}

// armIdleTimeout pushes the idle deadline forward. Connections without read
// deadlines (SSH channels) get a timer that closes them instead.
func (s *Session) armIdleTimeout() {
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.opts.IdleTimeout)
		return
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout)); err != nil {
		debugLog.Printf("Session %s: no read deadlines (%v), using idle timer", s.ID, err)
		s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, func() {
			log.Printf("Session %s idle for %s, closing", s.ID, s.opts.IdleTimeout)
			s.conn.Close()
		})
	}
}

// handleLine processes one inbound line and reports whether to keep reading
func (s *Session) handleLine(line string) bool {
	msg, err := protocol.Decode(line)
	if err != nil {
		// Malformed lines are swallowed, not answered
		debugLog.Printf("Session %s: %v", s.ID, err)
		if s.metrics != nil {
			s.metrics.RecordParseError()
		}
		return true
	}

	debugLog.Printf("Session %s ← RECV: %s (%d fields)", s.ID, msg.Tag, len(msg.Fields))
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(msg.Tag)
	}

	switch s.State() {
	case StateUnregistered:
		s.handleHandshake(msg)
		return true
	case StateRegistered:
		return s.handleCommand(msg)
	default:
		return false
	}
}

// handleHandshake accepts only connect until a name is registered
func (s *Session) handleHandshake(msg protocol.Message) {
	if msg.Tag != protocol.TagConnect {
		s.reply(protocol.TagNotInitializedError)
		return
	}

	name := msg.Field(0)
	if err := s.registry.Connect(name, s); err != nil {
		if errors.Is(err, ErrNameTaken) {
			debugLog.Printf("Session %s: %v", s.ID, err)
			s.reply(protocol.TagNameTakenError, name)
			return
		}
		errorLog.Printf("Session %s: connect %q: %v", s.ID, name, err)
		return
	}

	s.mu.Lock()
	s.username = name
	s.state = StateRegistered
	s.mu.Unlock()

	if s.presence != nil {
		s.presence.RecordJoin(s.ID, name, s.Transport, s.RemoteAddr())
	}
}

// handleCommand dispatches a registered user's command and reports whether to keep reading
func (s *Session) handleCommand(msg protocol.Message) bool {
	name := s.Username()

	var err error
	switch msg.Tag {
	case protocol.TagSendChat:
		err = s.registry.Broadcast(name, msg.Field(0))
	case protocol.TagSendWhisper:
		err = s.registry.Whisper(name, msg.Field(0), msg.Field(1))
	case protocol.TagListUsers:
		s.registry.ListUsers(s)
	case protocol.TagDisconnect:
		if err = s.registry.Disconnect(name, s); err == nil {
			s.setState(StateClosed)
			return false
		}
	default:
		debugLog.Printf("Session %s: ignoring %s from registered user %q", s.ID, msg.Tag, name)
	}

	var invalid *InvalidRecipientError
	switch {
	case err == nil:
	case errors.Is(err, ErrUserNotInitialized):
		s.reply(protocol.TagNotInitializedError)
	case errors.As(err, &invalid):
		s.reply(protocol.TagTargetError, invalid.Name)
	default:
		errorLog.Printf("Session %s: %s: %v", s.ID, msg.Tag, err)
	}
	return true
}

func (s *Session) reply(tag protocol.Tag, fields ...string) {
	if err := s.Deliver(protocol.Encode(tag, fields...)); err != nil {
		debugLog.Printf("Session %s: reply %s failed: %v", s.ID, tag, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessagesSent(tag, 1)
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		log.Printf("Session %s disconnected", s.ID)
	case errors.Is(err, io.ErrUnexpectedEOF):
		log.Printf("Session %s disconnected mid-line", s.ID)
	case errors.Is(err, protocol.ErrLineTooLong):
		log.Printf("Session %s sent a line over %d bytes", s.ID, s.opts.MaxLineLength)
		s.reply(protocol.TagFatalError, "line too long")
	case errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		log.Printf("Session %s read deadline reached", s.ID)
	default:
		log.Printf("Session %s read error: %v", s.ID, err)
	}
}

// finish removes the session from the registry, drains queued output and
// closes the connection.
func (s *Session) finish() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}

	name := s.Username()
	if name != "" {
		s.registry.Remove(name, s)
		if s.presence != nil {
			s.presence.RecordLeave(s.ID)
		}
	}
	s.setState(StateClosed)

	s.stopOnce.Do(func() { close(s.stop) })
	<-s.writerDone

	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	s.conn.Close()
}

// writeLoop drains the outbound queue; after stop it flushes what is left.
// Once a write fails the connection is cut and further lines are discarded.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	broken := false
	for {
		select {
		case line := <-s.outbound:
			if broken {
				continue
			}
			if !s.write(line) {
				broken = true
				s.conn.Close()
			}
		case <-s.stop:
			for !broken {
				select {
				case line := <-s.outbound:
					broken = !s.write(line)
				default:
					return
				}
			}
			return
		}
	}
}

func (s *Session) write(line string) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := io.WriteString(s.conn, line); err != nil {
		debugLog.Printf("Session %s write failed: %v", s.ID, err)
		return false
	}
	return true
}
