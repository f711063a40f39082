package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested row does not exist
var ErrNotFound = errors.New("not found")

// DB is the presence ledger: an audit trail of who was registered when.
// Reads use a pooled connection; all writes go through a single dedicated
// connection, normally via WriteBuffer.
type DB struct {
	conn        *sql.DB
	writeConn   *sql.DB
	WriteBuffer *WriteBuffer
}

// Session is one row of the ledger
type Session struct {
	ID             string
	Username       string
	Transport      string
	RemoteAddr     string
	ConnectedAt    int64  // unix millis
	DisconnectedAt *int64 // nil while the session is open
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// DefaultFlushInterval is how often the write buffer commits queued rows
const DefaultFlushInterval = 100 * time.Millisecond

// Open opens the ledger at path, applying pending migrations, and starts a
// write buffer that flushes every DefaultFlushInterval
func Open(path string) (*DB, error) {
	return OpenWithFlushInterval(path, DefaultFlushInterval)
}

// OpenWithFlushInterval is Open with a custom write buffer interval
func OpenWithFlushInterval(path string, flushInterval time.Duration) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}
	db.WriteBuffer = NewWriteBuffer(db, flushInterval)

	return db, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return conn, nil
}

// Close flushes pending writes and closes the database
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CloseDanglingSessions marks sessions left open by an unclean shutdown as
// disconnected now. It returns the number of rows closed.
func (db *DB) CloseDanglingSessions() (int64, error) {
	result, err := db.writeConn.Exec(`
		UPDATE sessions SET disconnected_at = ?
		WHERE disconnected_at IS NULL
	`, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to close dangling sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err == nil && n > 0 {
		log.Printf("Closed %d session(s) left open by a previous run", n)
	}
	return n, err
}

// CountSessions returns the total number of sessions ever recorded
func (db *DB) CountSessions() (int64, error) {
	var count int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// CountOpenSessions returns the number of sessions without a disconnect time
func (db *DB) CountOpenSessions() (int64, error) {
	var count int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM sessions WHERE disconnected_at IS NULL").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open sessions: %w", err)
	}
	return count, nil
}

// GetSession returns a session by ID
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.conn.QueryRow(`
		SELECT id, username, transport, remote_addr, connected_at, disconnected_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// LastSeen returns the most recent session for username
func (db *DB) LastSeen(username string) (*Session, error) {
	row := db.conn.QueryRow(`
		SELECT id, username, transport, remote_addr, connected_at, disconnected_at
		FROM sessions WHERE username = ?
		ORDER BY connected_at DESC
		LIMIT 1
	`, username)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var disconnectedAt sql.NullInt64
	err := row.Scan(&sess.ID, &sess.Username, &sess.Transport, &sess.RemoteAddr, &sess.ConnectedAt, &disconnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if disconnectedAt.Valid {
		sess.DisconnectedAt = &disconnectedAt.Int64
	}
	return &sess, nil
}
