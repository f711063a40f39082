package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB opens a ledger whose buffer only flushes when told to
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenWithFlushInterval(filepath.Join(t.TempDir(), "presence.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// flushNow forces queued ledger writes to disk
func flushNow(db *DB) {
	db.WriteBuffer.flush()
}

func TestWriteBufferRecordsJoinAndLeave(t *testing.T) {
	db := openTestDB(t)

	db.WriteBuffer.RecordJoin("s1", "alice", "tcp", "127.0.0.1:5000")
	flushNow(db)

	sess, err := db.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "tcp", sess.Transport)
	assert.Equal(t, "127.0.0.1:5000", sess.RemoteAddr)
	assert.Nil(t, sess.DisconnectedAt)

	open, err := db.CountOpenSessions()
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)

	db.WriteBuffer.RecordLeave("s1")
	flushNow(db)

	sess, err = db.GetSession("s1")
	require.NoError(t, err)
	require.NotNil(t, sess.DisconnectedAt)
	assert.GreaterOrEqual(t, *sess.DisconnectedAt, sess.ConnectedAt)
}

func TestWriteBufferJoinAndLeaveInSameFlush(t *testing.T) {
	db := openTestDB(t)

	db.WriteBuffer.RecordJoin("s1", "alice", "ssh", "")
	db.WriteBuffer.RecordLeave("s1")
	flushNow(db)

	sess, err := db.GetSession("s1")
	require.NoError(t, err)
	assert.NotNil(t, sess.DisconnectedAt)
}

func TestWriteBufferFlushesInBackground(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "presence.db"))
	require.NoError(t, err)
	defer db.Close()

	db.WriteBuffer.RecordJoin("s1", "alice", "tcp", "")
	require.Eventually(t, func() bool {
		n, err := db.CountSessions()
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	db, err := Open(path)
	require.NoError(t, err)

	db.WriteBuffer.RecordJoin("s1", "alice", "tcp", "")
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	n, err := db.CountSessions()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLastSeen(t *testing.T) {
	db := openTestDB(t)

	db.WriteBuffer.RecordJoin("old", "alice", "tcp", "")
	flushNow(db)
	time.Sleep(5 * time.Millisecond)
	db.WriteBuffer.RecordJoin("new", "alice", "websocket", "")
	db.WriteBuffer.RecordJoin("other", "bob", "tcp", "")
	flushNow(db)

	sess, err := db.LastSeen("alice")
	require.NoError(t, err)
	assert.Equal(t, "new", sess.ID)
	assert.Equal(t, "websocket", sess.Transport)

	_, err = db.LastSeen("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseDanglingSessions(t *testing.T) {
	db := openTestDB(t)

	db.WriteBuffer.RecordJoin("s1", "alice", "tcp", "")
	db.WriteBuffer.RecordJoin("s2", "bob", "tcp", "")
	db.WriteBuffer.RecordLeave("s2")
	flushNow(db)

	n, err := db.CloseDanglingSessions()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	open, err := db.CountOpenSessions()
	require.NoError(t, err)
	assert.Zero(t, open)

	total, err := db.CountSessions()
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestDuplicateJoinIsIgnored(t *testing.T) {
	db := openTestDB(t)

	db.WriteBuffer.RecordJoin("s1", "alice", "tcp", "")
	flushNow(db)
	db.WriteBuffer.RecordJoin("s1", "mallory", "tcp", "")
	flushNow(db)

	sess, err := db.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
}
