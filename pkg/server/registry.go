package server

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/aeolun/chatterbox/pkg/protocol"
)

// Peer is the capability the registry needs from a connected session:
// queueing one encoded line for delivery. Deliver must not block.
type Peer interface {
	Deliver(line string) error
}

// Registry is the directory of registered users. Every method runs under a
// single mutex, so connect, disconnect, broadcast, whisper and listing are
// totally ordered. Fan-out happens while the lock is held; Peer.Deliver only
// enqueues, so a slow recipient cannot stall it.
type Registry struct {
	mu      sync.Mutex
	users   map[string]Peer
	metrics *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]Peer),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
}

// ValidName reports whether name can be registered: non-empty, no whitespace
// and no protocol separator.
func ValidName(name string) bool {
	if name == "" || strings.Contains(name, protocol.Separator) {
		return false
	}
	return strings.IndexFunc(name, unicode.IsSpace) < 0
}

// Connect registers name for peer. The join notice goes to every registered
// user, the newcomer included, before the newcomer's connected acknowledgement.
func (r *Registry) Connect(name string, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !ValidName(name) {
		return &NameTakenError{Name: name}
	}
	if _, taken := r.users[name]; taken {
		return &NameTakenError{Name: name}
	}

	r.users[name] = peer
	r.recordUsers()
	r.tellAll(protocol.TagUserJoined, name)
	r.tell(peer, protocol.TagConnected)

	log.Printf("User %q joined (%d online)", name, len(r.users))
	return nil
}

// Disconnect removes name after acknowledging with disconnected, then tells
// the remaining users. It fails if name is not registered to peer.
func (r *Registry) Disconnect(name string, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.users[name]; !ok || current != peer {
		return ErrUserNotInitialized
	}

	r.tell(peer, protocol.TagDisconnected)
	delete(r.users, name)
	r.recordUsers()
	r.tellAll(protocol.TagUserLeft, name)

	log.Printf("User %q left (%d online)", name, len(r.users))
	return nil
}

// Remove drops name after an abrupt connection loss. Remaining users get a
// user_left notice; nothing is sent to the lost peer. It reports whether an
// entry was removed.
func (r *Registry) Remove(name string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.users[name]; !ok || current != peer {
		return false
	}

	delete(r.users, name)
	r.recordUsers()
	r.tellAll(protocol.TagUserLeft, name)

	log.Printf("User %q dropped (%d online)", name, len(r.users))
	return true
}

// Broadcast sends a chat line from sender to every registered user, sender included
func (r *Registry) Broadcast(sender, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[sender]; !ok {
		return ErrUserNotInitialized
	}

	r.tellAll(protocol.TagChatReceived, sender, body)
	return nil
}

// Whisper sends body privately: whisper_sent to the sender and
// whisper_received to the recipient.
func (r *Registry) Whisper(sender, recipient, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.users[sender]
	if !ok {
		return ErrUserNotInitialized
	}
	to, ok := r.users[recipient]
	if !ok {
		return &InvalidRecipientError{Name: recipient}
	}

	debugLog.Printf("Whisper %q -> %q (%d bytes)", sender, recipient, len(body))
	r.tell(from, protocol.TagWhisperSent, recipient, body)
	r.tell(to, protocol.TagWhisperReceived, sender, body)
	return nil
}

// ListUsers sends the current user list to requestor only
func (r *Registry) ListUsers(requestor Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tell(requestor, protocol.TagUsers, r.namesLocked()...)
}

// Users returns the registered names in sorted order
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.namesLocked()
}

// Count returns the number of registered users
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.users)
}

// Contains reports whether name is registered
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.users[name]
	return ok
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.users))
	for name := range r.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// tell delivers one line to a single peer. Caller holds r.mu.
func (r *Registry) tell(peer Peer, tag protocol.Tag, fields ...string) {
	if err := peer.Deliver(protocol.Encode(tag, fields...)); err != nil {
		debugLog.Printf("Deliver %s failed: %v", tag, err)
		return
	}
	if r.metrics != nil {
		r.metrics.RecordMessagesSent(tag, 1)
	}
}

// tellAll delivers one line to every registered peer. Caller holds r.mu, so
// the recipients are exactly the users registered when the operation began.
func (r *Registry) tellAll(tag protocol.Tag, fields ...string) {
	start := time.Now()
	line := protocol.Encode(tag, fields...)

	delivered := 0
	for name, peer := range r.users {
		if err := peer.Deliver(line); err != nil {
			debugLog.Printf("Broadcast %s to %q failed: %v", tag, name, err)
			continue
		}
		delivered++
	}

	if r.metrics != nil {
		r.metrics.RecordBroadcastFanout(tag, delivered)
		r.metrics.RecordBroadcastDuration(tag, time.Since(start).Seconds())
		r.metrics.RecordMessagesSent(tag, delivered)
	}
}

func (r *Registry) recordUsers() {
	if r.metrics != nil {
		r.metrics.RecordRegisteredUsers(len(r.users))
	}
}
