package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore is a Store backed by Postgres, for multi-node
// deployments where the ledger must be shared.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and applies the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS event_records (
		event_id TEXT PRIMARY KEY,
		chain_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT event_records_chain_sequence UNIQUE (chain_id, sequence)
	);
	CREATE TABLE IF NOT EXISTS chain_heads (
		chain_id TEXT PRIMARY KEY,
		last_sequence BIGINT NOT NULL,
		last_hash TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Commit(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `INSERT INTO event_records (
		event_id, chain_id, sequence, type, payload, payload_hash,
		previous_hash, record_hash, source, actor, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = tx.ExecContext(ctx, insert,
		rec.EventID, rec.ChainID, rec.Sequence, rec.Type, string(rec.Payload),
		rec.PayloadHash, rec.PrevHash, rec.RecordHash, rec.Source, rec.Actor,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return mapPQConflict(err)
	}

	// Compare-and-swap on last_sequence.
	res, err := tx.ExecContext(ctx,
		`UPDATE chain_heads SET last_sequence = $1, last_hash = $2, updated_at = $3
		 WHERE chain_id = $4 AND last_sequence = $5`,
		rec.Sequence, rec.RecordHash, rec.CreatedAt.UTC(), rec.ChainID, rec.Sequence-1,
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chain_heads (chain_id, last_sequence, last_hash, updated_at)
			 VALUES ($1, $2, $3, $4)`,
			rec.ChainID, rec.Sequence, rec.RecordHash, rec.CreatedAt.UTC(),
		); err != nil {
			return ErrChainConflict
		}
	}

	return tx.Commit()
}

// mapPQConflict translates unique-violation errors into ledger sentinels.
// 23505 is unique_violation; the constraint name tells idempotent replay
// apart from a lost head race.
func mapPQConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "pkey") {
			return ErrDuplicateEvent
		}
		return ErrChainConflict
	}
	return fmt.Errorf("insert record: %w", err)
}

func (s *PostgresStore) Head(ctx context.Context, chainID string) (ChainHead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chain_id, last_sequence, last_hash, updated_at FROM chain_heads WHERE chain_id = $1`,
		chainID,
	)

	var head ChainHead
	err := row.Scan(&head.ChainID, &head.LastSequence, &head.LastHash, &head.UpdatedAt)
	if err == sql.ErrNoRows {
		return ChainHead{ChainID: chainID, LastSequence: 0, LastHash: GenesisHash}, nil
	}
	if err != nil {
		return ChainHead{}, fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

func (s *PostgresStore) GetByEventID(ctx context.Context, eventID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecordPG+` WHERE event_id = $1`, eventID)
	return scanRecordPG(row)
}

func (s *PostgresStore) GetRange(ctx context.Context, chainID string, from, to uint64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecordPG+` WHERE chain_id = $1 AND sequence BETWEEN $2 AND $3 ORDER BY sequence ASC`,
		chainID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecordPG(rows)
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

const selectRecordPG = `SELECT event_id, chain_id, sequence, type, payload,
	payload_hash, previous_hash, record_hash, source, actor, created_at
	FROM event_records`

func scanRecordPG(row rowScanner) (Record, error) {
	var rec Record
	var payload string
	err := row.Scan(&rec.EventID, &rec.ChainID, &rec.Sequence, &rec.Type,
		&payload, &rec.PayloadHash, &rec.PrevHash, &rec.RecordHash,
		&rec.Source, &rec.Actor, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Payload = []byte(payload)
	return rec, nil
}
