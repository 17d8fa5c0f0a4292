package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists chains in PostgreSQL for multi-node read scale.
// Appends still funnel through the owning node's per-tenant lock.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an opened database. Call Init before first use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	tenant_id     TEXT   NOT NULL,
	seq           BIGINT NOT NULL,
	timestamp_us  BIGINT NOT NULL,
	event_type    SMALLINT NOT NULL,
	body          BYTEA  NOT NULL,
	previous_hash BYTEA  NOT NULL,
	entry_hash    BYTEA  NOT NULL,
	signature     BYTEA  NOT NULL,
	PRIMARY KEY (tenant_id, seq)
);
CREATE TABLE IF NOT EXISTS ledger_tails (
	tenant_id    TEXT PRIMARY KEY,
	seq          BIGINT NOT NULL,
	hash         BYTEA  NOT NULL,
	timestamp_us BIGINT NOT NULL
);`

// Init creates the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ledger: postgres init: %w", err)
	}
	return nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context, tenantID string) (Tail, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, hash, timestamp_us FROM ledger_tails WHERE tenant_id = $1`, tenantID)

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
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (tenant_id, seq, timestamp_us, event_type, body, previous_hash, entry_hash, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.TenantID, int64(e.Seq), e.Timestamp.UnixMicro(), int16(e.EventType),
		e.Body, e.PreviousHash[:], e.EntryHash[:], e.Signature,
	)
	if err != nil {
		return fmt.Errorf("ledger: inserting entry %d: %w", e.Seq, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_tails (tenant_id, seq, hash, timestamp_us)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			seq = EXCLUDED.seq,
			hash = EXCLUDED.hash,
			timestamp_us = EXCLUDED.timestamp_us`,
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
func (s *PostgresStore) GetBySeq(ctx context.Context, tenantID string, seq uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, seq, timestamp_us, event_type, body, previous_hash, entry_hash, signature
		 FROM ledger_entries WHERE tenant_id = $1 AND seq = $2`, tenantID, int64(seq))
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
func (s *PostgresStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq uint64, limit int) ([]*Entry, error) {
	query := `SELECT tenant_id, seq, timestamp_us, event_type, body, previous_hash, entry_hash, signature
		 FROM ledger_entries WHERE tenant_id = $1 AND seq >= $2`
	args := []any{tenantID, int64(fromSeq)}
	if toSeq != 0 {
		args = append(args, int64(toSeq))
		query += fmt.Sprintf(` AND seq <= $%d`, len(args))
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
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
