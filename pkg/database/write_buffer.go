package database

import (
	"log"
	"sync"
	"time"
)

// WriteBuffer batches ledger writes so chat traffic never waits on disk.
// RecordJoin and RecordLeave only queue; a background loop commits the
// queue in one transaction per flush interval.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu     sync.Mutex
	joins  []pendingJoin
	leaves map[string]int64 // session ID -> disconnected_at

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pendingJoin struct {
	id          string
	username    string
	transport   string
	remoteAddr  string
	connectedAt int64
}

// NewWriteBuffer creates a write buffer and starts its flush loop
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		joins:         make([]pendingJoin, 0, 64),
		leaves:        make(map[string]int64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// RecordJoin queues a new session row
func (wb *WriteBuffer) RecordJoin(sessionID, username, transport, remoteAddr string) {
	wb.mu.Lock()
	wb.joins = append(wb.joins, pendingJoin{
		id:          sessionID,
		username:    username,
		transport:   transport,
		remoteAddr:  remoteAddr,
		connectedAt: nowMillis(),
	})
	wb.mu.Unlock()
}

// RecordLeave queues the disconnect time for a session
func (wb *WriteBuffer) RecordLeave(sessionID string) {
	wb.mu.Lock()
	wb.leaves[sessionID] = nowMillis()
	wb.mu.Unlock()
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			wb.flush()
			return
		}
	}
}

// flush writes everything queued so far in a single transaction. Joins are
// inserted before leaves so a short session is closed in the same flush.
func (wb *WriteBuffer) flush() {
	start := time.Now()

	wb.mu.Lock()
	joins := wb.joins
	leaves := wb.leaves
	wb.joins = make([]pendingJoin, 0, 64)
	wb.leaves = make(map[string]int64)
	wb.mu.Unlock()

	if len(joins) == 0 && len(leaves) == 0 {
		return
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		wb.requeue(joins, leaves)
		return
	}
	defer tx.Rollback()

	if len(joins) > 0 {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO sessions (id, username, transport, remote_addr, connected_at)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare join statement: %v", err)
		} else {
			defer stmt.Close()
			for _, j := range joins {
				if _, err := stmt.Exec(j.id, j.username, j.transport, j.remoteAddr, j.connectedAt); err != nil {
					log.Printf("WriteBuffer: failed to record join of %q: %v", j.username, err)
				}
			}
		}
	}

	if len(leaves) > 0 {
		stmt, err := tx.Prepare(`UPDATE sessions SET disconnected_at = ? WHERE id = ? AND disconnected_at IS NULL`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare leave statement: %v", err)
		} else {
			defer stmt.Close()
			for id, at := range leaves {
				if _, err := stmt.Exec(at, id); err != nil {
					log.Printf("WriteBuffer: failed to record leave of session %s: %v", id, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		wb.requeue(joins, leaves)
		return
	}

	// Only log slow flushes
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d join(s) and %d leave(s) in %v", len(joins), len(leaves), elapsed)
	}
}

// requeue puts a failed batch back for the next flush
func (wb *WriteBuffer) requeue(joins []pendingJoin, leaves map[string]int64) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	wb.joins = append(joins, wb.joins...)
	for id, at := range leaves {
		if _, ok := wb.leaves[id]; !ok {
			wb.leaves[id] = at
		}
	}
}

// Close stops the flush loop after a final flush
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() { close(wb.shutdown) })
	wb.wg.Wait()
}
