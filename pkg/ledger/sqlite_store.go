package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and applies the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS event_records (
		event_id TEXT PRIMARY KEY,
		chain_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(chain_id, sequence)
	);
	CREATE TABLE IF NOT EXISTS chain_heads (
		chain_id TEXT PRIMARY KEY,
		last_sequence INTEGER NOT NULL,
		last_hash TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Commit(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `INSERT INTO event_records (
		event_id, chain_id, sequence, type, payload, payload_hash,
		previous_hash, record_hash, source, actor, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insert,
		rec.EventID, rec.ChainID, rec.Sequence, rec.Type, string(rec.Payload),
		rec.PayloadHash, rec.PrevHash, rec.RecordHash, rec.Source, rec.Actor,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "event_records.event_id"):
			return ErrDuplicateEvent
		case strings.Contains(msg, "UNIQUE constraint failed"):
			return ErrChainConflict
		default:
			return fmt.Errorf("insert record: %w", err)
		}
	}

	// Compare-and-swap on last_sequence.
	updatedAt := rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`UPDATE chain_heads SET last_sequence = ?, last_hash = ?, updated_at = ?
		 WHERE chain_id = ? AND last_sequence = ?`,
		rec.Sequence, rec.RecordHash, updatedAt, rec.ChainID, rec.Sequence-1,
	)
	if err != nil {
		return fmt.Errorf("advance head: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance head rows: %w", err)
	}
	if rows == 0 {
		if rec.Sequence != 1 {
			return ErrChainConflict
		}
		// First record on this chain: create the head row.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chain_heads (chain_id, last_sequence, last_hash, updated_at)
			 VALUES (?, ?, ?, ?)`,
			rec.ChainID, rec.Sequence, rec.RecordHash, updatedAt,
		); err != nil {
			return ErrChainConflict
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Head(ctx context.Context, chainID string) (ChainHead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chain_id, last_sequence, last_hash, updated_at FROM chain_heads WHERE chain_id = ?`,
		chainID,
	)

	var head ChainHead
	var updatedAt string
	err := row.Scan(&head.ChainID, &head.LastSequence, &head.LastHash, &updatedAt)
	if err == sql.ErrNoRows {
		return ChainHead{ChainID: chainID, LastSequence: 0, LastHash: GenesisHash}, nil
	}
	if err != nil {
		return ChainHead{}, fmt.Errorf("read head: %w", err)
	}
	head.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return head, nil
}

func (s *SQLiteStore) GetByEventID(ctx context.Context, eventID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecordSQLite+` WHERE event_id = ?`, eventID)
	return scanRecord(row)
}

func (s *SQLiteStore) GetRange(ctx context.Context, chainID string, from, to uint64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecordSQLite+` WHERE chain_id = ? AND sequence BETWEEN ? AND ? ORDER BY sequence ASC`,
		chainID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const selectRecordSQLite = `SELECT event_id, chain_id, sequence, type, payload,
	payload_hash, previous_hash, record_hash, source, actor, created_at
	FROM event_records`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var payload, createdAt string
	err := row.Scan(&rec.EventID, &rec.ChainID, &rec.Sequence, &rec.Type,
		&payload, &rec.PayloadHash, &rec.PrevHash, &rec.RecordHash,
		&rec.Source, &rec.Actor, &createdAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Payload = []byte(payload)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, nil
}
