package server

// PresenceRecorder receives registration lifecycle events. Implementations
// must not block: they are called from session goroutines.
// This abstraction keeps the SQLite ledger optional and easy to fake in tests.
type PresenceRecorder interface {
	RecordJoin(sessionID, username, transport, remoteAddr string)
	RecordLeave(sessionID string)
}

// PresenceStats is the read side of the presence ledger used by /health
type PresenceStats interface {
	CountSessions() (int64, error)
}
