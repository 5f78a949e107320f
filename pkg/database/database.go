package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates no server run with the given id was recorded
var ErrRunNotFound = errors.New("run not found")

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	log       *zerolog.Logger
}

// Run is one server process lifetime
type Run struct {
	ID        string
	StartedAt int64
	StoppedAt *int64
}

// SessionRecord is the audit row for one session of one run
type SessionRecord struct {
	RunID          string
	SessionID      uint64
	Transport      string
	RemoteAddr     string
	DisplayName    *string
	ConnectedAt    int64
	JoinedAt       *int64
	DisconnectedAt *int64
	Reason         *string
}

var pragmas = []struct {
	stmt string
	what string
}{
	// WAL allows readers alongside the single writer
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path and applies pending migrations
func Open(path string, log *zerolog.Logger) (*DB, error) {
	if log == nil {
		log = nopLogger()
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{conn: conn, writeConn: writeConn, log: log}

	// Migrations go through the write connection so they cannot race the buffer
	if err := runMigrations(writeConn, path, log); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// StartRun records the start of a server run
func (db *DB) StartRun(runID string) error {
	_, err := db.writeConn.Exec(`INSERT INTO server_runs (run_id, started_at) VALUES (?, ?)`, runID, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// StopRun records the end of a server run and closes any session rows left open
func (db *DB) StopRun(runID string) error {
	now := nowMillis()

	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE server_runs SET stopped_at = ? WHERE run_id = ?`, now, runID)
	if err != nil {
		return fmt.Errorf("failed to record run stop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}

	if _, err := tx.Exec(`
		UPDATE session_log SET disconnected_at = ?, reason = 'shutdown'
		WHERE run_id = ? AND disconnected_at IS NULL
	`, now, runID); err != nil {
		return fmt.Errorf("failed to close open sessions: %w", err)
	}

	return tx.Commit()
}

// GetRun returns one recorded run
func (db *DB) GetRun(runID string) (*Run, error) {
	var run Run
	var stopped sql.NullInt64
	err := db.conn.QueryRow(`SELECT run_id, started_at, stopped_at FROM server_runs WHERE run_id = ?`, runID).
		Scan(&run.ID, &run.StartedAt, &stopped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if stopped.Valid {
		run.StoppedAt = &stopped.Int64
	}
	return &run, nil
}

// ListSessions returns the session rows of a run in session id order
func (db *DB) ListSessions(runID string) ([]*SessionRecord, error) {
	rows, err := db.conn.Query(`
		SELECT run_id, session_id, transport, remote_addr, display_name,
		       connected_at, joined_at, disconnected_at, reason
		FROM session_log
		WHERE run_id = ?
		ORDER BY session_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var name, reason sql.NullString
		var joined, disconnected sql.NullInt64
		if err := rows.Scan(&rec.RunID, &rec.SessionID, &rec.Transport, &rec.RemoteAddr, &name,
			&rec.ConnectedAt, &joined, &disconnected, &reason); err != nil {
			return nil, err
		}
		if name.Valid {
			rec.DisplayName = &name.String
		}
		if joined.Valid {
			rec.JoinedAt = &joined.Int64
		}
		if disconnected.Valid {
			rec.DisconnectedAt = &disconnected.Int64
		}
		if reason.Valid {
			rec.Reason = &reason.String
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
