package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a row in the dead-letter table. Only the Resolved flag
// is mutable after creation.
type DeadLetter struct {
	ID          string    `json:"id"`
	RawPayload  []byte    `json:"raw_payload"`
	ErrorReason string    `json:"error_reason"`
	ReceivedAt  time.Time `json:"received_at"`
	Resolved    bool      `json:"resolved"`
}

// ErrDeadLetterNotFound signals a missing dead-letter row.
var ErrDeadLetterNotFound = errors.New("router: dead letter not found")

// DeadLetterStore persists unroutable payloads for manual inspection.
type DeadLetterStore interface {
	Insert(ctx context.Context, dl DeadLetter) error
	Get(ctx context.Context, id string) (DeadLetter, error)
	ListUnresolved(ctx context.Context) ([]DeadLetter, error)
	Resolve(ctx context.Context, id string) error
}

// MemoryDeadLetterStore is the in-memory DeadLetterStore.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]DeadLetter
	order   []string
}

// NewMemoryDeadLetterStore creates an empty in-memory store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{entries: make(map[string]DeadLetter)}
}

func (s *MemoryDeadLetterStore) Insert(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dl.ID] = dl
	s.order = append(s.order, dl.ID)
	return nil
}

func (s *MemoryDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.entries[id]
	if !ok {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, nil
}

func (s *MemoryDeadLetterStore) ListUnresolved(ctx context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0)
	for _, id := range s.order {
		if dl := s.entries[id]; !dl.Resolved {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) Resolve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.entries[id]
	if !ok {
		return ErrDeadLetterNotFound
	}
	dl.Resolved = true
	s.entries[id] = dl
	return nil
}

// SQLiteDeadLetterStore persists dead letters in SQLite.
type SQLiteDeadLetterStore struct {
	db *sql.DB
}

// NewSQLiteDeadLetterStore creates the store and applies the schema.
func NewSQLiteDeadLetterStore(db *sql.DB) (*SQLiteDeadLetterStore, error) {
	s := &SQLiteDeadLetterStore{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		raw_payload BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		received_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDeadLetterStore) Insert(ctx context.Context, dl DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, raw_payload, error_reason, received_at, resolved)
		 VALUES (?, ?, ?, ?, ?)`,
		dl.ID, dl.RawPayload, dl.ErrorReason,
		dl.ReceivedAt.UTC().Format(time.RFC3339Nano), boolToInt(dl.Resolved),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, raw_payload, error_reason, received_at, resolved FROM dead_letters WHERE id = ?`, id)
	return scanDeadLetter(row)
}

func (s *SQLiteDeadLetterStore) ListUnresolved(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, raw_payload, error_reason, received_at, resolved
		 FROM dead_letters WHERE resolved = 0 ORDER BY received_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SQLiteDeadLetterStore) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadLetter(row scanner) (DeadLetter, error) {
	var dl DeadLetter
	var receivedAt string
	var resolved int
	err := row.Scan(&dl.ID, &dl.RawPayload, &dl.ErrorReason, &receivedAt, &resolved)
	if err == sql.ErrNoRows {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	if err != nil {
		return DeadLetter{}, err
	}
	dl.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	dl.Resolved = resolved != 0
	return dl, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NewDeadLetter builds a row with a fresh ID.
func NewDeadLetter(raw []byte, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		ID:          uuid.New().String(),
		RawPayload:  raw,
		ErrorReason: reason,
		ReceivedAt:  at,
	}
}
