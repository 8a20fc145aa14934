// Package storage is the single persistence backend for the service: the
// replicated mailbox, extraction and chunk state, working memory, facts,
// alert rules and the trigger/digest ledgers all live in one SQLite file.
// Lexical (FTS5) shadow tables are maintained by database triggers, never
// by application code.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the database handle. It is safe for concurrent use; the
// connection pool is capped at one connection so writers serialize at the
// pool, which is the contract SQLite wants.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open opens (creating if necessary) the database at path, enables WAL and
// foreign keys, and applies the schema and additive migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle. Used by tests that need a mock driver.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("apply migration %q: %w", m, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Tx is a transaction handle exposing the same operation set as Store for
// callers that need multi-row atomicity (one transaction per message is the
// rule for triage and working-memory mutations).
type Tx struct {
	tx *sqlx.Tx
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// WithTx runs fn inside a transaction. On error the transaction is rolled
// back and an integrity check is run for diagnostics before the error is
// returned.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		s.CheckIntegrity(ctx)
		return err
	}
	if err := tx.Commit(); err != nil {
		s.CheckIntegrity(ctx)
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CheckIntegrity runs PRAGMA integrity_check and returns the verdict line.
// Called after failed transactions so corruption shows up near the failure
// in the logs rather than much later.
func (s *Store) CheckIntegrity(ctx context.Context) string {
	var verdict string
	if err := s.db.GetContext(ctx, &verdict, `PRAGMA integrity_check`); err != nil {
		return "integrity_check failed: " + err.Error()
	}
	return verdict
}

// Stats is a point-in-time summary of store contents for status surfaces.
type Stats struct {
	Messages            int64 `db:"-" json:"messages"`
	UnprocessedMessages int64 `db:"-" json:"unprocessed_messages"`
	Attachments         int64 `db:"-" json:"attachments"`
	PendingAttachments  int64 `db:"-" json:"pending_attachments"`
	Chunks              int64 `db:"-" json:"chunks"`
	UnembeddedChunks    int64 `db:"-" json:"unembedded_chunks"`
	Threads             int64 `db:"-" json:"threads"`
	Contacts            int64 `db:"-" json:"contacts"`
	Projects            int64 `db:"-" json:"projects"`
	OpenDecisions       int64 `db:"-" json:"open_decisions"`
	OpenCommitments     int64 `db:"-" json:"open_commitments"`
	AlertRules          int64 `db:"-" json:"alert_rules"`
}

// GetStats collects row counts for the status endpoint and CLI.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	counts := []struct {
		dst   *int64
		query string
	}{
		{&st.Messages, `SELECT COUNT(*) FROM messages`},
		{&st.UnprocessedMessages, `SELECT COUNT(*) FROM messages WHERE processed_at IS NULL`},
		{&st.Attachments, `SELECT COUNT(*) FROM attachments`},
		{&st.PendingAttachments, `SELECT COUNT(*) FROM attachments WHERE extraction_status = 'pending'`},
		{&st.Chunks, `SELECT COUNT(*) FROM chunks`},
		{&st.UnembeddedChunks, `SELECT COUNT(*) FROM chunks WHERE embedding IS NULL`},
		{&st.Threads, `SELECT COUNT(*) FROM wm_threads`},
		{&st.Contacts, `SELECT COUNT(*) FROM wm_contacts`},
		{&st.Projects, `SELECT COUNT(*) FROM wm_projects`},
		{&st.OpenDecisions, `SELECT COUNT(*) FROM wm_decisions WHERE is_resolved = 0`},
		{&st.OpenCommitments, `SELECT COUNT(*) FROM wm_commitments WHERE is_completed = 0`},
		{&st.AlertRules, `SELECT COUNT(*) FROM alert_rules`},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, c.query); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}
	return &st, nil
}

// now returns the current time in UTC truncated to the microsecond, which
// keeps timestamp round-trips through the driver stable.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
