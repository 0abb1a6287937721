// Package sqlite implements the CredentialStore on a SQLite file that several
// agent processes may share.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// pragmas applied to every connection. busy_timeout lets a process wait out
// another agent's write instead of failing with SQLITE_BUSY.
const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

// DB provides dual reader/writer database connections with WAL mode enabled.
// The writer is a single connection whose transactions begin IMMEDIATE, so a
// write lock is taken up front and never upgraded mid-transaction. Readers
// are query-only and may run while another process writes.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
}

// NewDB opens dbPath and verifies both pools.
func NewDB(ctx context.Context, dbPath string) (*DB, error) {
	writer, err := open(ctx, fmt.Sprintf("file:%s?%s&_txlock=immediate", dbPath, pragmas), 1)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	reader, err := open(ctx, fmt.Sprintf("file:%s?%s&_pragma=query_only(1)", dbPath, pragmas), 4)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	return &DB{Writer: writer, Reader: reader}, nil
}

func open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Close closes both reader and writer connections. Returns the first error encountered.
func (db *DB) Close() error {
	var firstErr error

	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}

	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}

	return firstErr
}
