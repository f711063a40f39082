package client

import (
	"sync"

	"github.com/aeolun/chatterbox/pkg/protocol"
	"github.com/gen2brain/beeep"
)

// Notifier beeps on incoming chat and whispers while sound is on
type Notifier struct {
	mu      sync.Mutex
	enabled bool
	beep    func() error
}

// NewNotifier returns a notifier that uses the system beep
func NewNotifier(enabled bool) *Notifier {
	return &Notifier{
		enabled: enabled,
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
}

// Enabled reports whether sound is on
func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

// Toggle flips sound and returns the new setting
func (n *Notifier) Toggle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = !n.enabled
	return n.enabled
}

// Notify beeps for chat_received and whisper_received. Beep failures are
// returned but never stop the chat.
func (n *Notifier) Notify(msg protocol.Message) error {
	if msg.Tag != protocol.TagChatReceived && msg.Tag != protocol.TagWhisperReceived {
		return nil
	}
	if !n.Enabled() {
		return nil
	}
	return n.beep()
}
