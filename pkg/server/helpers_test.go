package server

import (
	"bufio"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// initTestLoggers discards server log output for the rest of the test binary
func initTestLoggers(t *testing.T) {
	t.Helper()
	log.SetOutput(io.Discard)
	errorLog.SetOutput(io.Discard)
	debugLog.SetOutput(io.Discard)
}

// startTestServer starts a real server on a random port
func startTestServer(t *testing.T, config ServerConfig) *Server {
	t.Helper()
	initTestLoggers(t)

	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0

	srv := NewServer(config, "")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// lineClient is a raw protocol client used by the tests
type lineClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newLineClient(t *testing.T, conn net.Conn) *lineClient {
	t.Helper()
	t.Cleanup(func() { conn.Close() })
	return &lineClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func dialTestServer(t *testing.T, srv *Server) *lineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), testTimeout)
	require.NoError(t, err)
	return newLineClient(t, conn)
}

func (c *lineClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *lineClient) readLine() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := c.reader.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

// expect reads the next line and requires it to equal want
func (c *lineClient) expect(want string) {
	c.t.Helper()
	line, err := c.readLine()
	require.NoError(c.t, err, "waiting for %q", want)
	require.Equal(c.t, want, line)
}

// expectSkipping reads until want arrives, skipping presence notices
func (c *lineClient) expectSkipping(want string) {
	c.t.Helper()
	for {
		line, err := c.readLine()
		require.NoError(c.t, err, "waiting for %q", want)
		if line == want {
			return
		}
		if strings.HasPrefix(line, "user_joined::") || strings.HasPrefix(line, "user_left::") {
			continue
		}
		c.t.Fatalf("expected %q, got %q", want, line)
	}
}

// expectClosed requires the server to close the connection
func (c *lineClient) expectClosed() {
	c.t.Helper()
	for {
		line, err := c.readLine()
		if err != nil {
			require.ErrorIs(c.t, err, io.EOF)
			return
		}
		if strings.HasPrefix(line, "user_left::") {
			continue
		}
		c.t.Fatalf("expected connection close, got %q", line)
	}
}

// register performs the handshake for name
func (c *lineClient) register(name string) {
	c.t.Helper()
	c.send("connect::" + name)
	c.expectSkipping("connected")
}
