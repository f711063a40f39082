package server

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// newHandlerServer creates a server whose sessions are driven through HTTP only
func newHandlerServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	initTestLoggers(t)

	srv := NewServer(DefaultConfig(), "")
	srv.startTime = time.Now()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, ts
}

func dialWebSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func expectWSMessage(t *testing.T, ws *websocket.Conn, want string) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(testTimeout))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Equal(t, want, string(data))
}

func TestWebSocketSession(t *testing.T) {
	srv, ts := newHandlerServer(t)

	ws := dialWebSocket(t, ts)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("connect::alice")))
	expectWSMessage(t, ws, "user_joined::alice")
	expectWSMessage(t, ws, "connected")

	// A trailing terminator is accepted too
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("send_chat::over :: websocket\n")))
	expectWSMessage(t, ws, "chat_received::alice::over :: websocket")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("disconnect")))
	expectWSMessage(t, ws, "disconnected")

	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestWebSocketAndTCPShareRegistry(t *testing.T) {
	srv, ts := newHandlerServer(t)

	ws := dialWebSocket(t, ts)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("connect::alice")))
	expectWSMessage(t, ws, "user_joined::alice")
	expectWSMessage(t, ws, "connected")

	peer := &fakePeer{}
	require.NoError(t, srv.Registry().Connect("bob", peer))
	expectWSMessage(t, ws, "user_joined::bob")

	require.NoError(t, srv.Registry().Whisper("bob", "alice", "hi"))
	expectWSMessage(t, ws, "whisper_received::bob::hi")
}

func TestHealthHandler(t *testing.T) {
	srv, ts := newHandlerServer(t)
	require.NoError(t, srv.Registry().Connect("alice", &fakePeer{}))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["online_users"])
	assert.NotContains(t, health, "total_sessions")
}

type fakeStats struct{ total int64 }

func (f fakeStats) CountSessions() (int64, error) { return f.total, nil }

func TestHealthHandlerReportsLedger(t *testing.T) {
	srv, ts := newHandlerServer(t)
	srv.SetPresence(&fakePresence{}, fakeStats{total: 7})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, float64(7), health["total_sessions"])
	assert.Equal(t, true, health["database_accessible"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, ts := newHandlerServer(t)
	alice := &fakePeer{}
	require.NoError(t, srv.Registry().Connect("alice", alice))
	require.NoError(t, srv.Registry().Broadcast("alice", "hi"))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatterbox_registered_users 1")
	assert.Contains(t, string(body), `chatterbox_messages_sent_total{tag="chat_received"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSSHSession(t *testing.T) {
	initTestLoggers(t)

	cfg := DefaultConfig()
	cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	srv := NewServer(cfg, "")
	t.Cleanup(func() { srv.Stop() })

	hostKey, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)

	// A second load reads the saved key back
	again, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	assert.Equal(t, hostKey.PublicKey().Marshal(), again.PublicKey().Marshal())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.serveSSH(listener, newSSHConfig(hostKey))

	client, err := ssh.Dial("tcp", listener.Addr().String(), &ssh.ClientConfig{
		User:            "anyone",
		HostKeyCallback: ssh.FixedHostKey(hostKey.PublicKey()),
		Timeout:         testTimeout,
	})
	require.NoError(t, err)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)
	defer session.Close()

	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	stdout, err := session.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	reader := bufio.NewReader(stdout)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimSuffix(line, "\n")
	}

	_, err = io.WriteString(stdin, "connect::alice\n")
	require.NoError(t, err)
	assert.Equal(t, "user_joined::alice", readLine())
	assert.Equal(t, "connected", readLine())

	_, err = io.WriteString(stdin, "list_users\n")
	require.NoError(t, err)
	assert.Equal(t, "users::alice", readLine())

	_, err = io.WriteString(stdin, "disconnect\n")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", readLine())

	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestLoadHostKeyRequiresPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSHHostKeyPath = "  "
	srv := NewServer(cfg, "/etc/chatterbox.toml")

	_, err := srv.loadOrGenerateHostKey()
	assert.ErrorContains(t, err, "/etc/chatterbox.toml")
}
