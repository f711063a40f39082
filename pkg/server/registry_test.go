package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records every line delivered to it
type fakePeer struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (p *fakePeer) Deliver(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.lines = append(p.lines, line)
	return nil
}

func (p *fakePeer) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

func (p *fakePeer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = nil
}

func connectPeer(t *testing.T, r *Registry, name string) *fakePeer {
	t.Helper()
	peer := &fakePeer{}
	require.NoError(t, r.Connect(name, peer))
	return peer
}

func TestRegistryConnect(t *testing.T) {
	r := NewRegistry()

	alice := connectPeer(t, r, "alice")
	assert.Equal(t, []string{"user_joined::alice\n", "connected\n"}, alice.Lines())

	bob := connectPeer(t, r, "bob")
	assert.Equal(t, []string{"user_joined::bob\n", "connected\n"}, bob.Lines())
	assert.Equal(t, []string{"user_joined::alice\n", "connected\n", "user_joined::bob\n"}, alice.Lines())

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"alice", "bob"}, r.Users())
}

func TestRegistryConnectRejectsTakenName(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")

	imposter := &fakePeer{}
	err := r.Connect("alice", imposter)

	require.ErrorIs(t, err, ErrNameTaken)
	var taken *NameTakenError
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, "alice", taken.Name)

	assert.Empty(t, imposter.Lines())
	assert.Len(t, alice.Lines(), 2, "existing user must not see a failed join")
	assert.Equal(t, 1, r.Count())
}

func TestRegistryConnectRejectsInvalidNames(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"", "two words", "tab\there", "a::b", "new\nline"} {
		t.Run(name, func(t *testing.T) {
			err := r.Connect(name, &fakePeer{})
			assert.ErrorIs(t, err, ErrNameTaken)
		})
	}
	assert.Zero(t, r.Count())
}

func TestRegistryNamesAreCaseSensitive(t *testing.T) {
	r := NewRegistry()
	connectPeer(t, r, "alice")
	connectPeer(t, r, "Alice")
	assert.Equal(t, []string{"Alice", "alice"}, r.Users())
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	bob := connectPeer(t, r, "bob")
	alice.Reset()
	bob.Reset()

	require.NoError(t, r.Broadcast("alice", "hi :: there"))

	want := []string{"chat_received::alice::hi :: there\n"}
	assert.Equal(t, want, alice.Lines())
	assert.Equal(t, want, bob.Lines())
}

func TestRegistryBroadcastRequiresRegistration(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	alice.Reset()

	err := r.Broadcast("ghost", "boo")
	assert.ErrorIs(t, err, ErrUserNotInitialized)
	assert.Empty(t, alice.Lines())
}

func TestRegistryBroadcastSurvivesFailingPeer(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	broken := connectPeer(t, r, "broken")
	carol := connectPeer(t, r, "carol")
	alice.Reset()
	carol.Reset()

	broken.mu.Lock()
	broken.err = errors.New("queue full")
	broken.mu.Unlock()

	require.NoError(t, r.Broadcast("alice", "still here"))
	assert.Equal(t, []string{"chat_received::alice::still here\n"}, alice.Lines())
	assert.Equal(t, []string{"chat_received::alice::still here\n"}, carol.Lines())
}

func TestRegistryWhisper(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	bob := connectPeer(t, r, "bob")
	carol := connectPeer(t, r, "carol")
	alice.Reset()
	bob.Reset()
	carol.Reset()

	require.NoError(t, r.Whisper("alice", "bob", "psst"))

	assert.Equal(t, []string{"whisper_sent::bob::psst\n"}, alice.Lines())
	assert.Equal(t, []string{"whisper_received::alice::psst\n"}, bob.Lines())
	assert.Empty(t, carol.Lines())
}

func TestRegistryWhisperToSelf(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	alice.Reset()

	require.NoError(t, r.Whisper("alice", "alice", "note"))
	assert.Equal(t, []string{"whisper_sent::alice::note\n", "whisper_received::alice::note\n"}, alice.Lines())
}

func TestRegistryWhisperUnknownRecipient(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	alice.Reset()

	err := r.Whisper("alice", "nobody", "hello?")
	require.ErrorIs(t, err, ErrInvalidRecipient)
	var invalid *InvalidRecipientError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "nobody", invalid.Name)
	assert.Empty(t, alice.Lines())

	assert.ErrorIs(t, r.Whisper("ghost", "alice", "boo"), ErrUserNotInitialized)
}

func TestRegistryListUsers(t *testing.T) {
	r := NewRegistry()
	carol := connectPeer(t, r, "carol")
	alice := connectPeer(t, r, "alice")
	alice.Reset()
	carol.Reset()

	r.ListUsers(alice)
	assert.Equal(t, []string{"users::alice::carol\n"}, alice.Lines())
	assert.Empty(t, carol.Lines())
}

func TestRegistryDisconnect(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	bob := connectPeer(t, r, "bob")
	alice.Reset()
	bob.Reset()

	require.NoError(t, r.Disconnect("alice", alice))

	assert.Equal(t, []string{"disconnected\n"}, alice.Lines())
	assert.Equal(t, []string{"user_left::alice\n"}, bob.Lines())
	assert.False(t, r.Contains("alice"))

	// Name is free again
	connectPeer(t, r, "alice")
}

func TestRegistryDisconnectRequiresOwnership(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")

	assert.ErrorIs(t, r.Disconnect("alice", &fakePeer{}), ErrUserNotInitialized)
	assert.ErrorIs(t, r.Disconnect("ghost", alice), ErrUserNotInitialized)
	assert.True(t, r.Contains("alice"))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	bob := connectPeer(t, r, "bob")
	alice.Reset()
	bob.Reset()

	assert.True(t, r.Remove("alice", alice))
	assert.Empty(t, alice.Lines(), "lost peer gets no acknowledgement")
	assert.Equal(t, []string{"user_left::alice\n"}, bob.Lines())

	assert.False(t, r.Remove("alice", alice), "second remove is a no-op")
	assert.Equal(t, []string{"user_left::alice\n"}, bob.Lines())
}

func TestRegistryRemoveIgnoresStalePeer(t *testing.T) {
	r := NewRegistry()
	old := connectPeer(t, r, "alice")
	require.True(t, r.Remove("alice", old))

	replacement := connectPeer(t, r, "alice")
	assert.False(t, r.Remove("alice", old))
	assert.True(t, r.Contains("alice"))
	assert.Len(t, replacement.Lines(), 2)
}

func TestRegistryConcurrentConnectSameName(t *testing.T) {
	r := NewRegistry()

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Connect("alice", &fakePeer{}); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryBroadcastsAreTotallyOrdered(t *testing.T) {
	r := NewRegistry()
	alice := connectPeer(t, r, "alice")
	bob := connectPeer(t, r, "bob")
	alice.Reset()
	bob.Reset()

	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = r.Broadcast(sender, "x")
			}
		}(sender)
	}
	wg.Wait()

	assert.Len(t, alice.Lines(), 200)
	assert.Equal(t, alice.Lines(), bob.Lines(), "every member sees broadcasts in the same order")
}
