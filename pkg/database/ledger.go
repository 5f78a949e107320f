package database

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const ledgerFlushInterval = 100 * time.Millisecond

// Ledger is the audit trail of one server run: when each session connected,
// the name it joined under, and why it went away. It records no messages.
type Ledger struct {
	db    *DB
	runID string
	buf   *WriteBuffer
}

// NewLedger records the start of run runID and begins buffering session events
func NewLedger(db *DB, runID string, log *zerolog.Logger) (*Ledger, error) {
	if log == nil {
		log = nopLogger()
	}
	if err := db.StartRun(runID); err != nil {
		return nil, err
	}
	l := log.With().Str("run_id", runID).Logger()
	return &Ledger{
		db:    db,
		runID: runID,
		buf:   NewWriteBuffer(db, runID, ledgerFlushInterval, &l),
	}, nil
}

func (l *Ledger) SessionOpened(sessionID uint64, transport, remoteAddr string) {
	l.buf.queue(sessionEvent{kind: eventOpened, sessionID: sessionID, transport: transport, remote: remoteAddr})
}

func (l *Ledger) SessionJoined(sessionID uint64, displayName string) {
	l.buf.queue(sessionEvent{kind: eventJoined, sessionID: sessionID, name: displayName})
}

func (l *Ledger) SessionClosed(sessionID uint64, reason string) {
	l.buf.queue(sessionEvent{kind: eventClosed, sessionID: sessionID, reason: reason})
}

// Close flushes buffered events and marks the run stopped.
// The underlying DB stays open.
func (l *Ledger) Close() error {
	l.buf.Close()
	var errs []error
	if n := l.buf.Pending(); n > 0 {
		errs = append(errs, errors.New("ledger: events left unwritten after final flush"))
	}
	if err := l.db.StopRun(l.runID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
