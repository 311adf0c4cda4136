// Package staging provides the relational staging store with atomic
// whole-snapshot replacement.
//
// A snapshot is written into a freshly named shadow table, then made current
// by updating a single-row pointer table inside one transaction. Readers
// resolve the pointer and read rows in one transaction of their own, so they
// observe either the fully-old or the fully-new snapshot, never a mixture.
// The superseded table is dropped after the swap, best effort.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/rivald/internal/record"
)

// Sentinel errors for staging operations.
var (
	// ErrReplaceInProgress is returned when a second replace is attempted
	// while one is still writing.
	ErrReplaceInProgress = errors.New("snapshot replace already in progress")

	// ErrSwapFailed indicates the pointer swap transaction failed; the old
	// snapshot remains current.
	ErrSwapFailed = errors.New("snapshot swap failed")

	// ErrSnapshotNotFound is returned when no snapshot has been committed
	// yet, or a requested token does not match the current snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Snapshot is the current committed record set.
type Snapshot struct {
	// Token identifies the committed snapshot.
	Token string

	// Records are the snapshot rows in insertion order.
	Records []record.Canonical
}

// Store is the SQLite-backed staging store.
type Store struct {
	db        *sql.DB
	logger    *zap.Logger
	replacing atomic.Bool
}

// Open opens (or creates) the staging database at path. An empty path opens
// an ephemeral in-memory store, same as ":memory:".
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = ":memory:"
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening staging database: %w", err)
	}
	// The in-memory database lives per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS current_snapshot (
			anchor     INTEGER PRIMARY KEY CHECK (anchor = 1),
			token      TEXT NOT NULL,
			table_name TEXT NOT NULL,
			swapped_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("creating pointer table: %w", err)
	}
	return nil
}

// Replace writes the records as a new snapshot and atomically makes it
// current, returning the commit token. Only one Replace may be in flight;
// a concurrent call fails with ErrReplaceInProgress.
func (s *Store) Replace(ctx context.Context, records []record.Canonical) (string, error) {
	if !s.replacing.CompareAndSwap(false, true) {
		return "", ErrReplaceInProgress
	}
	defer s.replacing.Store(false)

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	table := "records_" + token

	if err := s.writeShadow(ctx, table, records); err != nil {
		s.dropTable(table)
		return "", err
	}

	oldTable, err := s.swapPointer(ctx, token, table)
	if err != nil {
		s.dropTable(table)
		return "", fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	if oldTable != "" {
		s.dropTable(oldTable)
	}

	s.logger.Info("snapshot replaced",
		zap.String("token", token),
		zap.Int("records", len(records)),
	)
	return token, nil
}

// writeShadow creates and fills the shadow table in one transaction.
func (s *Store) writeShadow(ctx context.Context, table string, records []record.Canonical) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning shadow transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL,
			industry     TEXT NOT NULL DEFAULT '',
			founded_year INTEGER NOT NULL DEFAULT 0,
			description  TEXT NOT NULL DEFAULT '',
			metadata     TEXT NOT NULL DEFAULT '{}'
		)
	`, table))
	if err != nil {
		return fmt.Errorf("creating shadow table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, name, industry, founded_year, description, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		table,
	))
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		metadata := "{}"
		if len(rec.Metadata) > 0 {
			encoded, err := json.Marshal(rec.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata for %s: %w", rec.ID, err)
			}
			metadata = string(encoded)
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Name, rec.Industry, rec.FoundedYear, rec.Description, metadata); err != nil {
			return fmt.Errorf("inserting record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing shadow table: %w", err)
	}
	return nil
}

// swapPointer makes the shadow table current in a single transaction and
// returns the superseded table name.
func (s *Store) swapPointer(ctx context.Context, token, table string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var oldTable string
	err = tx.QueryRowContext(ctx, `SELECT table_name FROM current_snapshot WHERE anchor = 1`).Scan(&oldTable)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO current_snapshot (anchor, token, table_name, swapped_at)
		VALUES (1, ?, ?, datetime('now'))
		ON CONFLICT(anchor) DO UPDATE SET
			token = excluded.token,
			table_name = excluded.table_name,
			swapped_at = excluded.swapped_at
	`, token, table)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return oldTable, nil
}

func (s *Store) dropTable(table string) {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
		s.logger.Warn("failed to drop stale snapshot table",
			zap.String("table", table),
			zap.Error(err),
		)
	}
}

// CurrentSnapshot returns the current committed snapshot. The pointer lookup
// and the row scan run in one transaction so a concurrent Replace can never
// expose a mixed view. Returns ErrSnapshotNotFound before the first commit.
func (s *Store) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	return s.snapshot(ctx, "")
}

// SnapshotByToken returns the current snapshot if its token matches.
// A mismatch means the snapshot was superseded after the token was issued.
func (s *Store) SnapshotByToken(ctx context.Context, token string) (Snapshot, error) {
	return s.snapshot(ctx, token)
}

func (s *Store) snapshot(ctx context.Context, wantToken string) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()

	var token, table string
	err = tx.QueryRowContext(ctx, `SELECT token, table_name FROM current_snapshot WHERE anchor = 1`).Scan(&token, &table)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolving snapshot pointer: %w", err)
	}
	if wantToken != "" && token != wantToken {
		return Snapshot{}, fmt.Errorf("%w: token %s superseded by %s", ErrSnapshotNotFound, wantToken, token)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, name, industry, founded_year, description, metadata FROM %s ORDER BY seq`,
		table,
	))
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot rows: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{Token: token}
	for rows.Next() {
		var (
			rec      record.Canonical
			metadata string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Industry, &rec.FoundedYear, &rec.Description, &metadata); err != nil {
			return Snapshot{}, fmt.Errorf("scanning snapshot row: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
				return Snapshot{}, fmt.Errorf("decoding metadata for %s: %w", rec.ID, err)
			}
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return snap, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
