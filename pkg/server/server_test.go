package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerHandshake(t *testing.T) {
	srv := startTestServer(t, DefaultConfig())

	alice := dialTestServer(t, srv)
	alice.send("connect::alice")
	alice.expect("user_joined::alice")
	alice.expect("connected")

	bob := dialTestServer(t, srv)
	bob.send("connect::bob")
	bob.expect("user_joined::bob")
	bob.expect("connected")
	alice.expect("user_joined::bob")

	require.Eventually(t, func() bool { return srv.Registry().Count() == 2 }, testTimeout, 10*time.Millisecond)
}

func TestServerNameTaken(t *testing.T) {
	srv := startTestServer(t, DefaultConfig())

	alice := dialTestServer(t, srv)
	alice.register("alice")

	imposter := dialTestServer(t, srv)
	imposter.send("connect::alice")
	imposter.expect("name_taken_error::alice")

	// The rejected connection may try again
	imposter.send("connect::alice2")
	imposter.expect("user_joined::alice2")
	imposter.expect("connected")
	alice.expect("user_joined::alice2")
}

func TestServerRequiresHandshake(t *testing.T) {
	srv := startTestServer(t, DefaultConfig())

	c := dialTestServer(t, srv)
	c.send("send_chat::hello")
	c.expect("not_initialized_error")
	c.send("list_users")
	c.expect("not_initialized_error")
	c.send("disconnect")
	c.expect("not_initialized_error")
}

func TestServerSwallowsMalformedLines(t *testing.T) {
	srv := startTestServer(t, DefaultConfig())

	c := dialTestServer(t, srv)
	c.send("bogus::x")
	c.send("connect")
	c.send("")
	c.send("connect::carol")
	c.expect("user_joined::carol")
	c.expect("connected")

	c.send("send_whisper::nobody")
	c.send("list_users")
	c.expect("users::carol")
}

func TestServerChatWhisperAndList(t *testing.T) {
	srv := startTestServer(t, DefaultConfig())

	alice := dialTestServer(t, srv)
	alice.register("alice")
	bob := dialTestServer(t, srv)
	bob.register("bob")
	alice.expect("user_joined::bob")

	alice.send("send_chat::hello :: world")
	alice.expect("chat_received::alice::hello :: world")
	bob.expect("chat_received::alice::hello :: world")

	bob.send("send_whisper::alice::just you")
	bob.expect("whisper_sent::alice::just you")
	alice.expect("whisper_received::bob::just you")

	bob.send("send_whisper::nobody::anyone?")
	bob.expect("target_error::nobody")

	alice.send("list_users")
	alice.expect("users::alice::bob")

	// Repeated connect is ignored once registered
	alice.send("connect::other")
	alice.send("list_users")
	alice.expect("users::alice::bob")
}

func TestServerDisconnect(t *testing.T) {
	srv := startTestServer(t, DefaultConfig())

	alice := dialTestServer(t, srv)
	alice.register("alice")
	bob := dialTestServer(t, srv)
	bob.register("bob")
	alice.expect("user_joined::bob")

	alice.send("disconnect")
	alice.expect("disconnected")
	alice.expectClosed()
	bob.expect("user_left::alice")

	require.Eventually(t, func() bool { return !srv.Registry().Contains("alice") }, testTimeout, 10*time.Millisecond)
}

func TestServerAbruptDisconnectCleansUp(t *testing.T) {
	srv := startTestServer(t, DefaultConfig())

	alice := dialTestServer(t, srv)
	alice.register("alice")
	bob := dialTestServer(t, srv)
	bob.register("bob")
	alice.expect("user_joined::bob")

	bob.conn.Close()
	alice.expect("user_left::bob")

	// The name is free again
	again := dialTestServer(t, srv)
	again.register("bob")
	alice.expect("user_joined::bob")
}

func TestServerLineTooLong(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLineLength = 64
	srv := startTestServer(t, cfg)

	c := dialTestServer(t, srv)
	c.send("send_chat::" + strings.Repeat("x", 200))
	c.expect("fatal_error::line too long")
	c.expectClosed()
}

func TestServerStopNotifiesClients(t *testing.T) {
	initTestLoggers(t)
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	srv := NewServer(cfg, "")
	require.NoError(t, srv.Start())

	alice := dialTestServer(t, srv)
	alice.register("alice")
	idle := dialTestServer(t, srv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, testTimeout, 10*time.Millisecond)

	require.NoError(t, srv.Stop())

	alice.expect("fatal_error::" + shutdownReason)
	alice.expectClosed()
	idle.expect("fatal_error::" + shutdownReason)
	idle.expectClosed()
	assert.Zero(t, srv.SessionCount())
	assert.Zero(t, srv.Registry().Count())
}

func TestServerIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeoutSeconds = 1
	srv := startTestServer(t, cfg)

	alice := dialTestServer(t, srv)
	alice.register("alice")
	bob := dialTestServer(t, srv)
	bob.register("bob")
	alice.expect("user_joined::bob")

	// bob keeps talking, alice goes quiet
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		bob.send("list_users")
		line, err := bob.readLine()
		require.NoError(t, err)
		if line == "user_left::alice" {
			alice.expectClosed()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("idle session was never dropped")
}

func TestAdmitEnforcesPerIPLimit(t *testing.T) {
	initTestLoggers(t)
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerIP = 1
	srv := NewServer(cfg, "")

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	other := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5000}

	release, ok := srv.admit(addr)
	require.True(t, ok)

	_, ok = srv.admit(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5001})
	assert.False(t, ok, "second connection from the same IP")

	releaseOther, ok := srv.admit(other)
	require.True(t, ok)
	releaseOther()

	release()
	release2, ok := srv.admit(addr)
	assert.True(t, ok, "slot is free after release")
	release2()
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "127.0.0.1", hostOf(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 80}))
	assert.Equal(t, "", hostOf(nil))
}
