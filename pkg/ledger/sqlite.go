package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists chains in SQLite. Suitable for single-node
// deployments; the tail row and the entry row commit in one transaction.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an opened database and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("ledger: sqlite migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		tenant_id     TEXT    NOT NULL,
		seq           INTEGER NOT NULL,
		timestamp_us  INTEGER NOT NULL,
		event_type    INTEGER NOT NULL,
		body          BLOB    NOT NULL,
		previous_hash BLOB    NOT NULL,
		entry_hash    BLOB    NOT NULL,
		signature     BLOB    NOT NULL,
		PRIMARY KEY (tenant_id, seq)
	);
	CREATE TABLE IF NOT EXISTS ledger_tails (
		tenant_id    TEXT PRIMARY KEY,
		seq          INTEGER NOT NULL,
		hash         BLOB    NOT NULL,
		timestamp_us INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context, tenantID string) (Tail, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, hash, timestamp_us FROM ledger_tails WHERE tenant_id = ?`, tenantID)

	var t Tail
	var hash []byte
	var tsUS int64
	err := row.Scan(&t.Seq, &hash, &tsUS)
	if errors.Is(err, sql.ErrNoRows) {
		return Tail{}, false, nil
	}
	if err != nil {
		return Tail{}, false, fmt.Errorf("ledger: reading tail: %w", err)
	}
	copy(t.Hash[:], hash)
	t.Timestamp = microsToTime(tsUS)
	return t, true, nil
}

// Append implements Store: entry insert and tail upsert in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (tenant_id, seq, timestamp_us, event_type, body, previous_hash, entry_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, int64(e.Seq), e.Timestamp.UnixMicro(), uint8(e.EventType),
		e.Body, e.PreviousHash[:], e.EntryHash[:], e.Signature,
	)
	if err != nil {
		return fmt.Errorf("ledger: inserting entry %d: %w", e.Seq, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_tails (tenant_id, seq, hash, timestamp_us)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			seq = excluded.seq,
			hash = excluded.hash,
			timestamp_us = excluded.timestamp_us`,
		e.TenantID, int64(e.Seq), e.EntryHash[:], e.Timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("ledger: advancing tail to %d: %w", e.Seq, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: committing append: %w", err)
	}
	return nil
}

// GetBySeq implements Store.
func (s *SQLiteStore) GetBySeq(ctx context.Context, tenantID string, seq uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, seq, timestamp_us, event_type, body, previous_hash, entry_hash, signature
		 FROM ledger_entries WHERE tenant_id = ? AND seq = ?`, tenantID, int64(seq))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: reading entry %d: %w", seq, err)
	}
	return e, nil
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq uint64, limit int) ([]*Entry, error) {
	query := `SELECT tenant_id, seq, timestamp_us, event_type, body, previous_hash, entry_hash, signature
		 FROM ledger_entries WHERE tenant_id = ? AND seq >= ?`
	args := []any{tenantID, int64(fromSeq)}
	if toSeq != 0 {
		query += ` AND seq <= ?`
		args = append(args, int64(toSeq))
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scanning range row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: range rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads the shared column layout. Body bytes are stored verbatim;
// Payload is parsed out of them when they decode, and left nil when they do
// not so verification can still report the corruption.
func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var seq, tsUS int64
	var eventType uint8
	var prev, hash []byte
	if err := row.Scan(&e.TenantID, &seq, &tsUS, &eventType, &e.Body, &prev, &hash, &e.Signature); err != nil {
		return nil, err
	}
	e.Seq = uint64(seq)
	e.Timestamp = microsToTime(tsUS)
	e.EventType = EventType(eventType)
	copy(e.PreviousHash[:], prev)
	copy(e.EntryHash[:], hash)
	if decoded, err := DecodeBody(e.Body); err == nil {
		e.Payload = decoded.Payload
	}
	return &e, nil
}
