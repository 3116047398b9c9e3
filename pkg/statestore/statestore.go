// Package statestore is the durable, crash-safe append-only store for
// execution records. It enforces the sequence (I1) and hash-link (I3)
// invariants at write time and offers the narrow read surface recovery and
// the state machine need: load everything, read the tail, and list traces
// currently sitting in a given state.
package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/talosprotocol/talos-governance-agent/pkg/hashchain"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const migration = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS execution_states (
	sequence        INTEGER PRIMARY KEY,
	trace_id        TEXT    NOT NULL,
	state           TEXT    NOT NULL,
	capability_hash BLOB    NOT NULL,
	input_hash      BLOB,
	output_hash     BLOB,
	prev_hash       BLOB    NOT NULL,
	record_hash     BLOB    NOT NULL,
	created_at      INTEGER NOT NULL,
	monotonic_nanos INTEGER NOT NULL DEFAULT 0,
	reason          TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_trace_sequence ON execution_states (trace_id, sequence DESC);
CREATE INDEX IF NOT EXISTS idx_state ON execution_states (state);
`

// AppendErrorKind distinguishes the two ways an append can be rejected by
// the invariants the store enforces. Neither is in the externally surfaced
// error code list on its own: the state machine treats an AppendError as
// fatal and maps every other append failure to STATE_COMMIT_FAILED.
type AppendErrorKind string

const (
	SequenceConflict AppendErrorKind = "SEQUENCE_CONFLICT"
	HashLinkMismatch AppendErrorKind = "HASH_LINK_MISMATCH"
)

// AppendError reports why append refused a record.
type AppendError struct {
	Kind AppendErrorKind
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("statestore: append rejected: %s", e.Kind)
}

// Store is a single-writer, WAL-backed execution record log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-backed store at path, enforces
// 0600 ownership, enables WAL mode, and runs the schema migration. A process
// that does not own an existing file at path fails to start, per the
// storage ownership invariant.
func Open(ctx context.Context, path string) (*Store, error) {
	if info, err := os.Stat(path); err == nil {
		if info.Mode().Perm() != 0o600 {
			return nil, fmt.Errorf("statestore: refusing to open %s: mode %v is not 0600", path, info.Mode().Perm())
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("statestore: stat %s: %w", path, err)
	}

	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(FULL)"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; WAL still allows concurrent readers

	// sql.Open connects lazily; connect now so the file exists before chmod.
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: connect %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: chmod %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migration); err != nil {
		return fmt.Errorf("statestore: migrate: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("statestore: read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("statestore: seed schema_version: %w", err)
		}
	}
	return nil
}

// Append atomically persists one record, enforcing (I1) sequence
// contiguity and (I3) hash linkage against the current tail within the same
// transaction the row is inserted in. The write is durable (fsynced via
// WAL checkpoint discipline) before Append returns.
func (s *Store) Append(ctx context.Context, rec hashchain.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statestore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tail, err := queryTail(ctx, tx)
	if err != nil {
		return fmt.Errorf("statestore: read tail: %w", err)
	}

	if tail == nil {
		if rec.Sequence != 1 {
			return &AppendError{Kind: SequenceConflict}
		}
		if rec.PrevHash != hashchain.ZeroHash {
			return &AppendError{Kind: HashLinkMismatch}
		}
	} else {
		if rec.Sequence != tail.Sequence+1 {
			return &AppendError{Kind: SequenceConflict}
		}
		if rec.PrevHash != tail.RecordHash {
			return &AppendError{Kind: HashLinkMismatch}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_states
			(sequence, trace_id, state, capability_hash, input_hash, output_hash, prev_hash, record_hash, created_at, monotonic_nanos, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, rec.TraceID, rec.State,
		rec.CapabilityHash[:], nullableHash(rec.InputHash), nullableHash(rec.OutputHash),
		rec.PrevHash[:], rec.RecordHash[:], rec.CreatedAt, rec.MonotonicNanos, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("statestore: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statestore: commit: %w", err)
	}
	return nil
}

// LoadAll returns every record in ascending sequence order. Recovery is the
// only intended caller; this is a full table scan.
func (s *Store) LoadAll(ctx context.Context) ([]hashchain.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM execution_states ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("statestore: load all: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Tail returns the most recently appended record, or nil if the log is
// empty, without scanning the whole table.
func (s *Store) Tail(ctx context.Context) (*hashchain.Record, error) {
	return queryTail(ctx, s.db)
}

// TracesInState returns the trace_ids whose most recent record is in state.
func (s *Store) TracesInState(ctx context.Context, state string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id FROM execution_states e
		WHERE sequence = (SELECT MAX(sequence) FROM execution_states WHERE trace_id = e.trace_id)
		AND state = ?`, state)
	if err != nil {
		return nil, fmt.Errorf("statestore: traces in state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var traces []string
	for rows.Next() {
		var traceID string
		if err := rows.Scan(&traceID); err != nil {
			return nil, fmt.Errorf("statestore: scan trace_id: %w", err)
		}
		traces = append(traces, traceID)
	}
	return traces, rows.Err()
}

const selectColumns = `SELECT sequence, trace_id, state, capability_hash, input_hash, output_hash, prev_hash, record_hash, created_at, monotonic_nanos, reason`

// queryer is satisfied by both *sql.DB and *sql.Tx, letting queryTail run
// inside Append's transaction or standalone from Tail.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func queryTail(ctx context.Context, q queryer) (*hashchain.Record, error) {
	row := q.QueryRowContext(ctx, selectColumns+` FROM execution_states ORDER BY sequence DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*hashchain.Record, error) {
	var (
		sequence                              uint64
		traceID, state, reason                string
		capabilityHash, prevHash, recordHash  []byte
		inputHash, outputHash                 []byte
		createdAt, monotonicNanos             int64
	)
	if err := row.Scan(&sequence, &traceID, &state, &capabilityHash, &inputHash, &outputHash, &prevHash, &recordHash, &createdAt, &monotonicNanos, &reason); err != nil {
		return nil, err
	}

	rec := &hashchain.Record{
		Fields: hashchain.Fields{
			Sequence:       sequence,
			TraceID:        traceID,
			State:          state,
			CreatedAt:      createdAt,
			MonotonicNanos: monotonicNanos,
			Reason:         reason,
		},
	}
	copy(rec.CapabilityHash[:], capabilityHash)
	copy(rec.PrevHash[:], prevHash)
	copy(rec.RecordHash[:], recordHash)
	rec.InputHash = hashFromBytes(inputHash)
	rec.OutputHash = hashFromBytes(outputHash)
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]hashchain.Record, error) {
	var records []hashchain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("statestore: scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func nullableHash(h *hashchain.Hash) interface{} {
	if h == nil {
		return nil
	}
	return h[:]
}

func hashFromBytes(b []byte) *hashchain.Hash {
	if b == nil {
		return nil
	}
	var h hashchain.Hash
	copy(h[:], b)
	return &h
}
