package database

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type eventKind uint8

const (
	eventOpened eventKind = iota + 1
	eventJoined
	eventClosed
)

type sessionEvent struct {
	kind      eventKind
	sessionID uint64
	transport string
	remote    string
	name      string
	reason    string
	at        int64
}

// WriteBuffer batches session events and writes them in one transaction per
// flush, so callers never wait on disk. Events are applied in the order they
// were queued.
type WriteBuffer struct {
	db            *DB
	runID         string
	flushInterval time.Duration
	log           *zerolog.Logger

	mu      sync.Mutex
	pending []sessionEvent

	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWriteBuffer creates a write buffer for one run and starts its flush loop
func NewWriteBuffer(db *DB, runID string, flushInterval time.Duration, log *zerolog.Logger) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		runID:         runID,
		flushInterval: flushInterval,
		log:           log,
		pending:       make([]sessionEvent, 0, 64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

func (wb *WriteBuffer) queue(ev sessionEvent) {
	ev.at = nowMillis()
	wb.mu.Lock()
	wb.pending = append(wb.pending, ev)
	wb.mu.Unlock()
}

// Pending returns the number of events not yet written
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

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

// flush writes all queued events in a single transaction
func (wb *WriteBuffer) flush() {
	start := time.Now()

	wb.mu.Lock()
	events := wb.pending
	wb.pending = make([]sessionEvent, 0, cap(events))
	wb.mu.Unlock()

	if len(events) == 0 {
		return
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		wb.log.Error().Err(err).Int("events", len(events)).Msg("ledger: failed to begin transaction")
		wb.requeue(events)
		return
	}
	defer tx.Rollback()

	for _, ev := range events {
		var err error
		switch ev.kind {
		case eventOpened:
			_, err = tx.Exec(`
				INSERT OR REPLACE INTO session_log (run_id, session_id, transport, remote_addr, connected_at)
				VALUES (?, ?, ?, ?, ?)
			`, wb.runID, ev.sessionID, ev.transport, ev.remote, ev.at)
		case eventJoined:
			_, err = tx.Exec(`UPDATE session_log SET display_name = ?, joined_at = ? WHERE run_id = ? AND session_id = ?`,
				ev.name, ev.at, wb.runID, ev.sessionID)
		case eventClosed:
			_, err = tx.Exec(`UPDATE session_log SET disconnected_at = ?, reason = ? WHERE run_id = ? AND session_id = ?`,
				ev.at, ev.reason, wb.runID, ev.sessionID)
		}
		if err != nil {
			wb.log.Warn().Err(err).Uint64("session_id", ev.sessionID).Msg("ledger: failed to write event")
		}
	}

	if err := tx.Commit(); err != nil {
		wb.log.Error().Err(err).Int("events", len(events)).Msg("ledger: failed to commit transaction")
		wb.requeue(events)
		return
	}

	// Only log slow flushes
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		wb.log.Warn().Int("events", len(events)).Dur("elapsed", elapsed).Msg("ledger: slow flush")
	}
}

// requeue puts events back ahead of anything queued since they were taken
func (wb *WriteBuffer) requeue(events []sessionEvent) {
	wb.mu.Lock()
	wb.pending = append(events, wb.pending...)
	wb.mu.Unlock()
}

// Close stops the flush loop after a final flush
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
		wb.wg.Wait()
	})
}
