package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
)

// shutdownReason is sent to every client as fatal_error when the server stops
const shutdownReason = "server shutting down"

// Server represents the Chatterbox server
type Server struct {
	config      ServerConfig
	configPath  string
	registry    *Registry
	metrics     *Metrics
	promReg     *prometheus.Registry
	presence    PresenceRecorder
	stats       PresenceStats
	startTime   time.Time
	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server

	mu         sync.Mutex
	sessions   map[string]*Session // every open connection, registered or not
	connsPerIP map[string]int

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a new server instance. Metrics are registered on a
// registry owned by the server and served on /metrics.
func NewServer(config ServerConfig, configPath string) *Server {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(promReg)

	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		config:     config,
		configPath: configPath,
		registry:   registry,
		metrics:    metrics,
		promReg:    promReg,
		sessions:   make(map[string]*Session),
		connsPerIP: make(map[string]int),
		shutdown:   make(chan struct{}),
	}
}

// EnableDebugLogging turns on per-line protocol logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// SetPresence attaches the presence ledger. stats may be nil.
func (s *Server) SetPresence(presence PresenceRecorder, stats PresenceStats) {
	s.presence = presence
	s.stats = stats
}

// Registry returns the user registry shared by all sessions
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start starts the TCP listener and the optional SSH and HTTP listeners
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.listener.Close()
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.wg.Add(1)
	go s.monitorListenOverflows()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listeners, tells every client the server is going away and
// waits for all sessions to finish.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.shutdown) })

	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Shutdown(shutdownReason)
	}

	s.wg.Wait()
	return nil
}

// listenTCP opens a TCP listener with SO_REUSEADDR for quick restarts
func listenTCP(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection serves a raw TCP connection
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	release, ok := s.admit(conn.RemoteAddr())
	if !ok {
		conn.Close()
		return
	}
	defer release()

	s.serveSession(conn, "tcp")
}

// serveSession runs the protocol over conn until the session ends
func (s *Server) serveSession(conn net.Conn, transport string) {
	sess := NewSession(conn, transport, s.registry, s.config.SessionOptions())
	sess.SetMetrics(s.metrics)
	if s.presence != nil {
		sess.SetPresence(s.presence)
	}

	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	log.Printf("New %s connection from %s (session %s)", transport, conn.RemoteAddr(), sess.ID)
	sess.Run()
	log.Printf("Session %s closed", sess.ID)
}

// track records an open session; it refuses once shutdown has begun
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}

	s.wg.Add(1)
	s.sessions[sess.ID] = sess
	s.metrics.RecordActiveSessions(len(s.sessions))
	s.metrics.RecordSessionCreated(sess.Transport)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.metrics.RecordActiveSessions(len(s.sessions))
	s.metrics.RecordSessionDisconnected()
	s.mu.Unlock()

	s.wg.Done()
}

// admit enforces the per-IP connection limit. The returned func releases the slot.
func (s *Server) admit(addr net.Addr) (func(), bool) {
	ip := hostOf(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit := s.config.MaxConnectionsPerIP; limit > 0 && s.connsPerIP[ip] >= limit {
		log.Printf("Rejecting connection from %s: %d connections already open", ip, limit)
		s.metrics.RecordRejectedConnection()
		return nil, false
	}

	s.connsPerIP[ip]++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.connsPerIP[ip]--; s.connsPerIP[ip] <= 0 {
			delete(s.connsPerIP, ip)
		}
	}, true
}

// SessionCount returns the number of open connections
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
